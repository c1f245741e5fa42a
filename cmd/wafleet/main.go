// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wafleet supervises a fleet of WhatsApp instances on one host:
// pairing, bounded reconnection, webhook delivery to the CRM, and periodic
// reconciliation against the control plane's roster.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/digitalticlin/wafleet/pkg/supervisor"
	"github.com/digitalticlin/wafleet/pkg/waclient"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "path to the config file")
	writeExample := flag.BoolP("example-config", "e", false, "print the example config and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("wafleet %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(supervisor.ExampleConfig)
		return
	}

	cfg, err := supervisor.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wafleet: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wafleet: compile logging config: %v\n", err)
		os.Exit(1)
	}
	log.Info().
		Str("tag", Tag).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("Starting wafleet")

	registry := supervisor.NewRegistry()
	tracker := supervisor.NewTracker(cfg.Session.MaxAttempts, cfg.BlacklistTTL(), *log)
	echo := supervisor.NewEchoCache(cfg.EchoTTL())
	dispatcher := supervisor.NewDispatcher(cfg.Webhook.URL, cfg.Webhook.Token, *log)
	snapshot := supervisor.NewSnapshotStore(cfg.SnapshotFile)

	sup := supervisor.New(supervisor.Options{
		Registry:       registry,
		Tracker:        tracker,
		Echo:           echo,
		Dispatcher:     dispatcher,
		Dialer:         waclient.NewDialer(*log),
		Snapshot:       snapshot,
		AuthDir:        cfg.AuthDir,
		ReconnectDelay: cfg.ReconnectDelay(),
		Log:            *log,
	})
	if err := sup.RestoreSnapshot(); err != nil {
		log.Warn().Err(err).Msg("Failed to restore instance snapshot")
	}

	cp := supervisor.NewRESTControlPlane(cfg.ControlPlane.URL, cfg.ControlPlane.Token, cfg.ControlPlane.APIKey)
	reconciler := supervisor.NewReconciler(sup, tracker, cp, cfg.ReconcileCooldown(), cfg.ReconcilePacing(), cfg.ReconcileStartupDelay(), *log)

	api := supervisor.NewAPI(sup, reconciler, cfg.AuthToken, *log)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Control API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Control API server error")
			stop()
		}
	}()

	if cfg.ControlPlane.URL != "" {
		go reconciler.RunAtStartup(ctx)
		go runPeriodicReconcile(ctx, reconciler, cfg.ReconcileInterval(), log)
	} else {
		log.Warn().Msg("No control plane configured, reconciliation disabled")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Control API shutdown error")
	}
	sup.Close()
	dispatcher.Flush()
	log.Info().Msg("Shutdown complete")
}

// runPeriodicReconcile triggers a sweep every interval. Cooldown and busy
// rejections are expected when manual triggers raced the timer.
func runPeriodicReconcile(ctx context.Context, rec *supervisor.Reconciler, interval time.Duration, log *zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := rec.Run(ctx)
			switch {
			case err == nil:
			case errors.Is(err, supervisor.ErrReconcileBusy), errors.Is(err, supervisor.ErrReconcileCooldown):
				log.Debug().Err(err).Msg("Periodic reconciliation skipped")
			default:
				log.Error().Err(err).Msg("Periodic reconciliation failed")
			}
		}
	}
}
