// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reconciliation defaults. Cooldown throttles back-to-back sweeps, pacing
// spaces session dials so a large fleet does not reconnect in a burst.
const (
	ReconcileCooldown     = 5 * time.Minute
	ReconcilePacing       = 2 * time.Second
	ReconcileStartupDelay = 15 * time.Second
)

var (
	// ErrReconcileBusy is returned when a sweep is already in progress.
	ErrReconcileBusy = errors.New("reconciliation already running")
	// ErrReconcileCooldown is returned when a sweep is requested before the
	// cooldown since the previous one has elapsed.
	ErrReconcileCooldown = errors.New("reconciliation in cooldown")
)

// Report summarizes one reconciliation sweep.
type Report struct {
	RunID        uuid.UUID `json:"runId"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMS   int64     `json:"durationMs"`
	DesiredCount int       `json:"desiredCount"`
	LiveCount    int       `json:"liveCount"`
	Recovered    int       `json:"recovered"`
	Deleted      int       `json:"deleted"`
	Skipped      int       `json:"skipped"`
	Blacklisted  int       `json:"blacklisted"`
	Errors       []string  `json:"errors"`
	Details      []string  `json:"details"`
}

// ReconcileStatus is the introspection view of the reconciler.
type ReconcileStatus struct {
	IsRunning            bool             `json:"isRunning"`
	LastRun              time.Time        `json:"lastRun,omitzero"`
	NextAllowed          time.Time        `json:"nextAllowed,omitzero"`
	BlacklistedInstances []BlacklistEntry `json:"blacklistedInstances"`
	InstanceAttempts     map[string]int   `json:"instanceAttempts"`
}

// Reconciler drives the fleet toward the control-plane roster: it deletes
// orphans, redials dropped instances, and honors the blacklist. Sweeps are
// strictly serialized.
type Reconciler struct {
	sup     *Supervisor
	reg     *Registry
	tracker *Tracker
	cp      ControlPlane
	log     zerolog.Logger

	cooldown     time.Duration
	pacing       time.Duration
	startupDelay time.Duration

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	running     bool
	lastRun     time.Time
	startupDone bool
}

// NewReconciler wires a reconciler over an existing supervisor and roster
// source. Zero durations fall back to the package defaults.
func NewReconciler(sup *Supervisor, tracker *Tracker, cp ControlPlane, cooldown, pacing, startupDelay time.Duration, log zerolog.Logger) *Reconciler {
	if cooldown <= 0 {
		cooldown = ReconcileCooldown
	}
	if pacing <= 0 {
		pacing = ReconcilePacing
	}
	if startupDelay <= 0 {
		startupDelay = ReconcileStartupDelay
	}
	return &Reconciler{
		sup:          sup,
		reg:          sup.registry,
		tracker:      tracker,
		cp:           cp,
		log:          log.With().Str("component", "reconciler").Logger(),
		cooldown:     cooldown,
		pacing:       pacing,
		startupDelay: startupDelay,
		clock:        time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run performs one sweep. It returns ErrReconcileBusy if another sweep is in
// flight and ErrReconcileCooldown if called too soon after the previous one.
// Per-instance failures are collected in the report, never aborting the
// sweep; only a roster fetch failure aborts.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrReconcileBusy
	}
	now := r.clock()
	if !r.lastRun.IsZero() && now.Sub(r.lastRun) < r.cooldown {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w until %s", ErrReconcileCooldown, r.lastRun.Add(r.cooldown).Format(time.RFC3339))
	}
	r.running = true
	r.lastRun = now
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	report := &Report{
		RunID:     uuid.New(),
		StartedAt: now,
		Errors:    []string{},
		Details:   []string{},
	}
	log := r.log.With().Stringer("run_id", report.RunID).Logger()
	log.Info().Msg("Reconciliation sweep starting")

	desired, err := r.cp.DesiredInstances(ctx)
	if err != nil {
		log.Err(err).Msg("Failed to fetch roster")
		return nil, fmt.Errorf("fetch roster: %w", err)
	}
	report.DesiredCount = len(desired)

	live := r.reg.Snapshot()
	report.LiveCount = len(live)

	desiredSet := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		if d.InstanceID != "" {
			desiredSet[d.InstanceID] = struct{}{}
		}
	}

	// Orphans first: live instances no longer on the roster get torn down.
	for id := range live {
		if _, ok := desiredSet[id]; ok {
			continue
		}
		if err := r.sup.DeleteInstance(id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: delete: %v", id, err))
			continue
		}
		report.Deleted++
		report.Details = append(report.Details, fmt.Sprintf("%s: deleted (not on roster)", id))
		log.Info().Str("instance_id", id).Msg("Deleted orphan instance")
	}

	for _, d := range desired {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("sweep interrupted: %v", ctx.Err()))
			break
		}
		if d.InstanceID == "" {
			report.Errors = append(report.Errors, "roster row with empty instance id")
			continue
		}
		acted, err := r.reconcileOne(ctx, d, report, log)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", d.InstanceID, err))
		}
		if acted {
			if err := r.sleep(ctx, r.pacing); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("sweep interrupted: %v", err))
				break
			}
		}
	}

	report.DurationMS = r.clock().Sub(now).Milliseconds()
	log.Info().
		Int("recovered", report.Recovered).
		Int("deleted", report.Deleted).
		Int("skipped", report.Skipped).
		Int("blacklisted", report.Blacklisted).
		Int("errors", len(report.Errors)).
		Int64("duration_ms", report.DurationMS).
		Msg("Reconciliation sweep finished")
	return report, nil
}

// reconcileOne handles a single roster row. The bool result reports whether
// a dial was issued, which triggers pacing between rows.
func (r *Reconciler) reconcileOne(ctx context.Context, d DesiredInstance, report *Report, log zerolog.Logger) (bool, error) {
	id := d.InstanceID
	if r.tracker.IsBlacklisted(id) {
		report.Blacklisted++
		report.Details = append(report.Details, fmt.Sprintf("%s: on blacklist, skipped", id))
		return false, nil
	}

	rec, exists := r.reg.Get(id)
	if exists && rec.State.Active() {
		report.Skipped++
		if rec.State == StateConnected {
			r.tracker.ClearAttempts(id)
		}
		return false, nil
	}

	attempts := r.tracker.Attempts(id)
	if attempts >= r.tracker.MaxAttempts() {
		r.tracker.Blacklist(id, "max recovery attempts reached")
		report.Blacklisted++
		report.Details = append(report.Details, fmt.Sprintf("%s: blacklisted after %d attempts", id, attempts))
		return false, nil
	}
	r.tracker.RecordAttempt(id)

	ownerID := d.OwnerID
	if exists && ownerID == "" {
		ownerID = rec.OwnerID
	}
	if err := r.sup.CreateInstance(ctx, id, ownerID, true); err != nil {
		return true, fmt.Errorf("recover: %w", err)
	}
	report.Recovered++
	if exists {
		report.Details = append(report.Details, fmt.Sprintf("%s: redialed from state %s", id, rec.State))
	} else {
		report.Details = append(report.Details, fmt.Sprintf("%s: created (on roster, not live)", id))
	}
	log.Info().Str("instance_id", id).Msg("Recovered instance")
	return true, nil
}

// RunAtStartup performs the deferred boot sweep exactly once per process.
// A failed sweep is logged, not retried; the periodic trigger picks it up.
func (r *Reconciler) RunAtStartup(ctx context.Context) {
	r.mu.Lock()
	if r.startupDone {
		r.mu.Unlock()
		return
	}
	r.startupDone = true
	r.mu.Unlock()

	if err := r.sleep(ctx, r.startupDelay); err != nil {
		return
	}
	if _, err := r.Run(ctx); err != nil {
		r.log.Err(err).Msg("Startup reconciliation failed")
	}
}

// Reset wipes the blacklist and attempt counters and lifts the cooldown so
// the next sweep may run immediately. Operator escape hatch.
func (r *Reconciler) Reset() {
	r.tracker.Reset()
	r.mu.Lock()
	r.lastRun = time.Time{}
	r.mu.Unlock()
	r.log.Info().Msg("Reconciliation state reset")
}

// Status reports whether a sweep is running, when the next one is allowed,
// and the tracker's current blacklist and attempt counters.
func (r *Reconciler) Status() ReconcileStatus {
	r.mu.Lock()
	st := ReconcileStatus{
		IsRunning: r.running,
		LastRun:   r.lastRun,
	}
	if !r.lastRun.IsZero() {
		st.NextAllowed = r.lastRun.Add(r.cooldown)
	}
	r.mu.Unlock()

	st.BlacklistedInstances = r.tracker.Entries()
	st.InstanceAttempts = r.tracker.AttemptCounts()
	return st
}
