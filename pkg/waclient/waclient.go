// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package waclient adapts whatsmeow sessions to the supervisor's Session
// interface. Each instance gets its own sqlite credential store under its
// credentials directory, so deleting the directory fully unlinks it.
package waclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/digitalticlin/wafleet/pkg/supervisor"
)

// Dialer creates whatsmeow-backed sessions.
type Dialer struct {
	log zerolog.Logger
}

func NewDialer(log zerolog.Logger) *Dialer {
	return &Dialer{log: log.With().Str("component", "waclient").Logger()}
}

// Dial opens (or creates) the instance's credential store and starts the
// connection. If the store has no registered device the platform will emit
// pairing codes through the event stream.
func (d *Dialer) Dial(ctx context.Context, instanceID, credsDir string) (supervisor.Session, error) {
	if err := os.MkdirAll(credsDir, 0o750); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	log := d.log.With().Str("instance_id", instanceID).Logger()
	dbLog := waLog.Zerolog(log.With().Str("db", "whatsmeow").Logger())

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(credsDir, "store.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log))
	s := &session{
		instanceID: instanceID,
		client:     client,
		container:  container,
		events:     make(chan supervisor.Event, 64),
		log:        log,
	}
	client.AddEventHandler(s.handleEvent)

	// The QR channel must be requested before Connect, and only exists for
	// unregistered devices.
	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("open pairing channel: %w", err)
		}
		go s.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		container.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

type session struct {
	instanceID string
	client     *whatsmeow.Client
	container  *sqlstore.Container
	log        zerolog.Logger

	mu     sync.Mutex
	events chan supervisor.Event
	closed bool
}

func (s *session) Events() <-chan supervisor.Event { return s.events }

func (s *session) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := parseRecipient(to)
	if err != nil {
		return "", err
	}
	resp, err := s.client.SendMessage(ctx, jid, textMessage(text))
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return string(resp.ID), nil
}

// Close disconnects and ends the event stream. Safe to call more than once
// and concurrently with the event handler.
func (s *session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.client.RemoveEventHandlers()
	s.client.Disconnect()
	s.container.Close()

	s.mu.Lock()
	close(s.events)
	s.mu.Unlock()
}

// emit delivers an event unless the session is closed. Drops on a full
// buffer rather than wedging whatsmeow's event dispatcher.
func (s *session) emit(ev supervisor.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Type("event", ev).Msg("Event buffer full, dropping event")
	}
}

func (s *session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.emit(supervisor.QREvent{Code: item.Code})
		case "success":
			return
		case "timeout":
			s.emit(supervisor.ClosedEvent{
				Reason: supervisor.CloseTransient,
				Err:    fmt.Errorf("pairing timed out before scan"),
			})
			return
		default:
			if item.Error != nil {
				s.emit(supervisor.ClosedEvent{Reason: supervisor.CloseTransient, Err: item.Error})
				return
			}
		}
	}
}

func (s *session) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		s.emit(supervisor.PairedEvent{})
	case *events.Connected:
		var phone string
		if s.client.Store.ID != nil {
			phone = s.client.Store.ID.User
		}
		s.emit(supervisor.ConnectedEvent{
			Phone:       phone,
			ProfileName: s.client.Store.PushName,
		})
	case *events.LoggedOut:
		s.emit(supervisor.ClosedEvent{
			Reason: supervisor.CloseLoggedOut,
			Err:    fmt.Errorf("device unlinked (reason %d)", evt.Reason),
		})
	case *events.StreamReplaced:
		s.emit(supervisor.ClosedEvent{
			Reason: supervisor.CloseConflict,
			Err:    fmt.Errorf("stream replaced by another client"),
		})
	case *events.Disconnected:
		s.emit(supervisor.ClosedEvent{Reason: supervisor.CloseTransient})
	case *events.Message:
		s.emit(supervisor.MessageEvent{Message: convertMessage(evt)})
	}
}

// parseRecipient accepts either a full JID or a bare phone number.
func parseRecipient(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parse recipient %q: %w", to, err)
		}
		return jid, nil
	}
	if to == "" {
		return types.EmptyJID, fmt.Errorf("empty recipient")
	}
	return types.NewJID(to, types.DefaultUserServer), nil
}
