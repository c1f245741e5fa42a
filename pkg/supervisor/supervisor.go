// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/digitalticlin/wafleet/pkg/supervisor/wamsg"
)

// ReconnectDelay is the fixed wait between reconnect attempts. Deliberately
// not exponential: the dominant cost is the remote handshake, not
// congestion, so backing off further only delays recovery.
const ReconnectDelay = 15 * time.Second

var (
	ErrMissingInstanceID = errors.New("instance id is required")
	ErrInstanceExists    = errors.New("instance already exists")
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrNotConnected      = errors.New("instance is not connected")
)

// Options wires a Supervisor's collaborators. Registry, Tracker, Echo,
// Dispatcher, and Dialer are required; Snapshot is optional.
type Options struct {
	Registry       *Registry
	Tracker        *Tracker
	Echo           *EchoCache
	Dispatcher     *Dispatcher
	Dialer         Dialer
	Snapshot       *SnapshotStore
	AuthDir        string
	ReconnectDelay time.Duration
	Log            zerolog.Logger
}

// Supervisor owns the lifecycle of every instance session: create, pair,
// react to close events, schedule bounded reconnects, delete. Event handlers
// for one instance run sequentially on that instance's event-loop goroutine;
// instances never block each other.
type Supervisor struct {
	registry       *Registry
	tracker        *Tracker
	echo           *EchoCache
	dispatcher     *Dispatcher
	dialer         Dialer
	snapshot       *SnapshotStore
	authDir        string
	reconnectDelay time.Duration
	log            zerolog.Logger

	mu          sync.Mutex
	sessions    map[string]Session
	reconnects  map[string]*time.Timer
	intentional map[string]bool
	creating    map[string]bool
}

func New(opts Options) *Supervisor {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = ReconnectDelay
	}
	return &Supervisor{
		registry:       opts.Registry,
		tracker:        opts.Tracker,
		echo:           opts.Echo,
		dispatcher:     opts.Dispatcher,
		dialer:         opts.Dialer,
		snapshot:       opts.Snapshot,
		authDir:        opts.AuthDir,
		reconnectDelay: delay,
		log:            opts.Log.With().Str("component", "supervisor").Logger(),
		sessions:       make(map[string]Session),
		reconnects:     make(map[string]*time.Timer),
		intentional:    make(map[string]bool),
		creating:       make(map[string]bool),
	}
}

// CreateInstance starts a session for id. It returns once the session handle
// exists and the registry entry is at StateConnecting; pairing and the
// handshake proceed in the background and surface through the event stream.
//
// Re-creating an existing id with isRecovery set is a reconnect, not a
// duplicate; without it the call fails with ErrInstanceExists. Dial and
// resource failures are not returned: they are recorded as StateError with
// LastError set, and the caller observes the outcome through the registry.
func (s *Supervisor) CreateInstance(ctx context.Context, id, ownerID string, isRecovery bool) error {
	if id == "" {
		return ErrMissingInstanceID
	}

	// Admission is atomic with the in-flight set: the existence check alone
	// would let concurrent creates for a fresh id all pass before any of
	// them reaches the registry, each dialing its own session.
	s.mu.Lock()
	if s.creating[id] {
		s.mu.Unlock()
		return ErrInstanceExists
	}
	if _, exists := s.registry.Get(id); exists && !isRecovery {
		s.mu.Unlock()
		return ErrInstanceExists
	}
	s.creating[id] = true
	// A recovery create replaces whatever session is still around.
	old := s.sessions[id]
	delete(s.sessions, id)
	if t := s.reconnects[id]; t != nil {
		t.Stop()
		delete(s.reconnects, id)
	}
	s.intentional[id] = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.creating, id)
		s.mu.Unlock()
	}()

	log := s.log.With().Str("instance_id", id).Bool("recovery", isRecovery).Logger()
	log.Info().Msg("Creating instance session")
	if old != nil {
		old.Close()
	}

	s.registry.Upsert(id, func(rec *InstanceRecord) {
		if ownerID != "" {
			rec.OwnerID = ownerID
		}
		rec.State = StateConnecting
		rec.Phone = ""
		rec.ProfileName = ""
		rec.PairingCode = ""
		rec.PairingImage = ""
		rec.LastError = ""
		rec.IsRecovery = isRecovery
		rec.AttemptCount = s.tracker.Attempts(id)
	})

	credsDir := filepath.Join(s.authDir, id)
	if err := os.MkdirAll(credsDir, 0o700); err != nil {
		log.Error().Err(err).Str("dir", credsDir).Msg("Failed to prepare credentials directory")
		s.markError(id, fmt.Errorf("prepare credentials dir: %w", err))
		return nil
	}

	sess, err := s.dialer.Dial(ctx, id, credsDir)
	if err != nil {
		log.Error().Err(err).Msg("Session dial failed")
		s.markError(id, err)
		return nil
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	go s.runEventLoop(id, sess)
	s.writeSnapshot()
	return nil
}

// DeleteInstance is the cancellation primitive: it forcibly ends the session
// regardless of state, purges the instance's persisted credentials, clears
// blacklist and attempt state, and removes the registry entry.
func (s *Supervisor) DeleteInstance(id string) error {
	if _, ok := s.registry.Get(id); !ok {
		return ErrInstanceNotFound
	}
	log := s.log.With().Str("instance_id", id).Logger()
	log.Info().Msg("Deleting instance")

	s.mu.Lock()
	s.intentional[id] = true
	if t := s.reconnects[id]; t != nil {
		t.Stop()
		delete(s.reconnects, id)
	}
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if err := os.RemoveAll(filepath.Join(s.authDir, id)); err != nil {
		log.Warn().Err(err).Msg("Failed to remove credentials directory")
	}
	s.tracker.Clear(id)
	s.echo.ClearInstance(id)
	s.registry.Delete(id)

	s.mu.Lock()
	delete(s.intentional, id)
	s.mu.Unlock()

	s.writeSnapshot()
	log.Info().Msg("Instance deleted")
	return nil
}

// SendText sends a text message through id's live session and marks it in
// the echo cache so its inbound echo is dropped.
func (s *Supervisor) SendText(ctx context.Context, id, to, text string) (string, error) {
	rec, ok := s.registry.Get(id)
	if !ok {
		return "", ErrInstanceNotFound
	}
	if !rec.Connected() {
		return "", fmt.Errorf("%w: state is %s", ErrNotConnected, rec.State)
	}
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		return "", fmt.Errorf("%w: no live session", ErrNotConnected)
	}
	messageID, err := sess.SendText(ctx, to, text)
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	s.echo.MarkSent(id, messageID)
	return messageID, nil
}

// RestoreSnapshot pre-populates the registry from the persisted mirror.
// Restored instances come back as disconnected; the first reconciliation
// sweep decides what actually gets revived.
func (s *Supervisor) RestoreSnapshot() error {
	if s.snapshot == nil {
		return nil
	}
	records, err := s.snapshot.Load()
	if err != nil {
		return err
	}
	for id, saved := range records {
		if id == "" {
			continue
		}
		restored := saved
		s.registry.Upsert(id, func(rec *InstanceRecord) {
			rec.OwnerID = restored.OwnerID
			rec.State = StateDisconnected
			rec.Phone = restored.Phone
			rec.ProfileName = restored.ProfileName
			if !restored.CreatedAt.IsZero() {
				rec.CreatedAt = restored.CreatedAt.Time
			}
		})
	}
	if len(records) > 0 {
		s.log.Info().Int("count", len(records)).Msg("Registry pre-populated from snapshot")
	}
	return nil
}

// FleetStats is an aggregate count of instances by state.
type FleetStats struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Connecting   int `json:"connecting"`
	WaitingQR    int `json:"waiting_qr"`
	Reconnecting int `json:"reconnecting"`
	Disconnected int `json:"disconnected"`
	Error        int `json:"error"`
	LoggedOut    int `json:"logged_out"`
}

// Stats aggregates the registry by state for the health endpoint.
func (s *Supervisor) Stats() FleetStats {
	var stats FleetStats
	for _, rec := range s.registry.Snapshot() {
		stats.Total++
		switch rec.State {
		case StateConnected:
			stats.Connected++
		case StateConnecting, StateAuthenticated:
			stats.Connecting++
		case StateWaitingQR, StateQRError:
			stats.WaitingQR++
		case StateReconnecting:
			stats.Reconnecting++
		case StateDisconnected, StateIdle:
			stats.Disconnected++
		case StateLoggedOut:
			stats.LoggedOut++
		default:
			stats.Error++
		}
	}
	return stats
}

// Close tears down every live session without touching credentials or the
// registry. Used at process shutdown; the snapshot file lets the next boot
// pick the fleet back up.
func (s *Supervisor) Close() {
	s.mu.Lock()
	sessions := make([]Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		s.intentional[id] = true
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]Session)
	for id, t := range s.reconnects {
		t.Stop()
		delete(s.reconnects, id)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// runEventLoop consumes one session's event stream until it closes. The
// session library serializes its own events, so handlers here never race
// with themselves for the same instance.
func (s *Supervisor) runEventLoop(id string, sess Session) {
	for evt := range sess.Events() {
		switch e := evt.(type) {
		case QREvent:
			s.handleQR(id, e)
		case PairedEvent:
			s.handlePaired(id)
		case ConnectedEvent:
			s.handleConnected(id, e)
		case MessageEvent:
			s.handleMessage(id, e)
		case ClosedEvent:
			s.handleClosed(id, sess, e)
			return
		}
	}
}

func (s *Supervisor) handleQR(id string, e QREvent) {
	log := s.log.With().Str("instance_id", id).Logger()
	image, err := EncodePairingCode(e.Code)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode pairing code")
		s.registry.Update(id, func(rec *InstanceRecord) {
			rec.State = StateQRError
			rec.LastError = err.Error()
			rec.PairingCode = ""
			rec.PairingImage = ""
		})
		s.writeSnapshot()
		return
	}
	if !s.registry.Update(id, func(rec *InstanceRecord) {
		rec.State = StateWaitingQR
		rec.PairingCode = e.Code
		rec.PairingImage = image
	}) {
		return
	}
	log.Info().Msg("Pairing code ready")
	s.dispatcher.Notify(EventPairing, id, pairingPayload{Code: e.Code, QRImage: image})
	s.writeSnapshot()
}

func (s *Supervisor) handlePaired(id string) {
	if s.registry.Update(id, func(rec *InstanceRecord) {
		rec.State = StateAuthenticated
		rec.PairingCode = ""
		rec.PairingImage = ""
	}) {
		s.log.Info().Str("instance_id", id).Msg("Pairing scan accepted")
		s.writeSnapshot()
	}
}

func (s *Supervisor) handleConnected(id string, e ConnectedEvent) {
	if !s.registry.Update(id, func(rec *InstanceRecord) {
		rec.State = StateConnected
		rec.Phone = e.Phone
		rec.ProfileName = e.ProfileName
		rec.PairingCode = ""
		rec.PairingImage = ""
		rec.LastError = ""
		rec.AttemptCount = 0
	}) {
		return
	}
	s.tracker.ClearAttempts(id)
	s.mu.Lock()
	s.intentional[id] = false
	s.mu.Unlock()
	s.log.Info().Str("instance_id", id).Str("phone", e.Phone).Msg("Instance connected")
	s.dispatcher.Notify(EventConnection, id, connectionPayload{
		Status:      StateConnected,
		Phone:       e.Phone,
		ProfileName: e.ProfileName,
	})
	s.writeSnapshot()
}

func (s *Supervisor) handleMessage(id string, e MessageEvent) {
	log := s.log.With().Str("instance_id", id).Str("message_id", e.Message.ID).Logger()
	if wamsg.IsDroppedOrigin(e.Message.ChatJID) {
		log.Debug().Str("chat", e.Message.ChatJID).Msg("Dropping group/broadcast message")
		return
	}
	if e.Message.FromMe && s.echo.WasSentLocally(id, e.Message.ID) {
		log.Debug().Msg("Dropping echo of locally sent message")
		return
	}
	classified := wamsg.Classify(e.Message)
	rec, _ := s.registry.Get(id)
	s.dispatcher.Notify(EventMessage, id, messagePayload{
		MessageID:     e.Message.ID,
		From:          e.Message.ChatJID,
		FromMe:        e.Message.FromMe,
		Timestamp:     messageTimestamp(e.Message.Timestamp),
		Text:          classified.Text,
		MessageType:   string(classified.Kind),
		MediaURL:      classified.MediaRef,
		InstancePhone: rec.Phone,
	})
}

func (s *Supervisor) handleClosed(id string, sess Session, e ClosedEvent) {
	log := s.log.With().Str("instance_id", id).Str("reason", e.Reason.String()).Logger()

	s.mu.Lock()
	creating := s.creating[id]
	intentional := s.intentional[id]
	current, live := s.sessions[id]
	owned := live && current == sess
	if owned {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	// A close may arrive from a session that a recovery create has already
	// replaced (or is replacing right now); acting on it would tear down
	// the live replacement. A close from the session still on record is
	// always handled.
	if !owned && (live || creating) {
		log.Debug().Msg("Ignoring close from superseded session")
		return
	}
	if intentional {
		log.Debug().Msg("Session closed intentionally, no reconnect")
		return
	}
	if _, ok := s.registry.Get(id); !ok {
		// Deleted while the close event was in flight.
		return
	}
	log.Warn().Err(e.Err).Msg("Session closed")

	switch e.Reason {
	case CloseLoggedOut:
		s.registry.Update(id, func(rec *InstanceRecord) {
			rec.State = StateLoggedOut
			rec.PairingCode = ""
			rec.PairingImage = ""
			rec.LastError = "logged out from device"
		})
		if err := os.RemoveAll(filepath.Join(s.authDir, id)); err != nil {
			log.Warn().Err(err).Msg("Failed to purge credentials after logout")
		}
		s.tracker.Clear(id)
		s.dispatcher.Notify(EventConnection, id, connectionPayload{Status: StateLoggedOut})

	case CloseConflict:
		s.registry.Update(id, func(rec *InstanceRecord) {
			rec.State = StateError
			rec.PairingCode = ""
			rec.PairingImage = ""
			rec.LastError = "session replaced by another client"
		})
		s.tracker.ClearAttempts(id)
		s.dispatcher.Notify(EventConnection, id, connectionPayload{
			Status:    StateError,
			LastError: "session replaced by another client",
		})

	default:
		lastErr := ""
		if e.Err != nil {
			lastErr = e.Err.Error()
		}
		s.registry.Update(id, func(rec *InstanceRecord) {
			rec.State = StateDisconnected
			rec.PairingCode = ""
			rec.PairingImage = ""
			rec.LastError = lastErr
		})
		s.dispatcher.Notify(EventConnection, id, connectionPayload{
			Status:    StateDisconnected,
			LastError: lastErr,
		})
		s.scheduleReconnect(id, log)
	}
	s.writeSnapshot()
}

// scheduleReconnect applies the bounded-retry policy after a transient
// close: below the attempt ceiling the instance waits out the fixed delay
// and redials; at the ceiling it is handed to the blacklist.
func (s *Supervisor) scheduleReconnect(id string, log zerolog.Logger) {
	attempt := s.tracker.RecordAttempt(id)
	if attempt >= s.tracker.MaxAttempts() {
		log.Warn().Int("attempts", attempt).Msg("Reconnect attempts exhausted")
		s.tracker.Blacklist(id, "max attempts")
		s.registry.Update(id, func(rec *InstanceRecord) {
			rec.State = StateError
			rec.AttemptCount = attempt
			rec.LastError = fmt.Sprintf("max reconnect attempts reached (%d)", attempt)
		})
		return
	}

	log.Info().
		Int("attempt", attempt).
		Dur("delay", s.reconnectDelay).
		Msg("Scheduling reconnect")
	s.registry.Update(id, func(rec *InstanceRecord) {
		rec.State = StateReconnecting
		rec.AttemptCount = attempt
	})

	timer := time.AfterFunc(s.reconnectDelay, func() { s.reconnect(id) })
	s.mu.Lock()
	if old := s.reconnects[id]; old != nil {
		old.Stop()
	}
	s.reconnects[id] = timer
	s.mu.Unlock()
}

func (s *Supervisor) reconnect(id string) {
	s.mu.Lock()
	delete(s.reconnects, id)
	intentional := s.intentional[id]
	s.mu.Unlock()
	if intentional {
		return
	}
	rec, ok := s.registry.Get(id)
	if !ok {
		return
	}
	if err := s.CreateInstance(context.Background(), id, rec.OwnerID, true); err != nil {
		s.log.Error().Err(err).Str("instance_id", id).Msg("Reconnect failed")
	}
}

func (s *Supervisor) markError(id string, cause error) {
	s.registry.Update(id, func(rec *InstanceRecord) {
		rec.State = StateError
		rec.LastError = cause.Error()
	})
	s.writeSnapshot()
}

func (s *Supervisor) writeSnapshot() {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.Write(s.registry.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write registry snapshot")
	}
}
