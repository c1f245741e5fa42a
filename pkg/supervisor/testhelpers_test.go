// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/digitalticlin/wafleet/pkg/supervisor/wamsg"
)

// fakeSession is an in-memory Session whose events are emitted by the test.
type fakeSession struct {
	instanceID string
	events     chan Event
	closeOnce  sync.Once

	mu     sync.Mutex
	sent   []string
	nextID int
}

func newFakeSession(instanceID string) *fakeSession {
	return &fakeSession{
		instanceID: instanceID,
		events:     make(chan Event, 32),
	}
}

func (f *fakeSession) Events() <-chan Event { return f.events }

func (f *fakeSession) SendText(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("SENT-%s-%d", f.instanceID, f.nextID)
	f.sent = append(f.sent, to+"|"+text)
	return id, nil
}

func (f *fakeSession) Close() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeSession) emitQR(code string) { f.events <- QREvent{Code: code} }
func (f *fakeSession) emitPaired()        { f.events <- PairedEvent{} }
func (f *fakeSession) emitConnected(phone, name string) {
	f.events <- ConnectedEvent{Phone: phone, ProfileName: name}
}
func (f *fakeSession) emitMessage(raw wamsg.Raw) { f.events <- MessageEvent{Message: raw} }

// emitClosed delivers the final event and ends the stream.
func (f *fakeSession) emitClosed(reason CloseReason, err error) {
	f.events <- ClosedEvent{Reason: reason, Err: err}
	f.Close()
}

// fakeDialer hands out fakeSessions and records every dial.
type fakeDialer struct {
	mu       sync.Mutex
	sessions map[string][]*fakeSession
	dialErr  map[string]error
	credsDir map[string]string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		sessions: make(map[string][]*fakeSession),
		dialErr:  make(map[string]error),
		credsDir: make(map[string]string),
	}
}

func (d *fakeDialer) Dial(_ context.Context, instanceID, credsDir string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErr[instanceID]; err != nil {
		return nil, err
	}
	sess := newFakeSession(instanceID)
	d.sessions[instanceID] = append(d.sessions[instanceID], sess)
	d.credsDir[instanceID] = credsDir
	return sess, nil
}

func (d *fakeDialer) failWith(instanceID string, err error) {
	d.mu.Lock()
	d.dialErr[instanceID] = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount(instanceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions[instanceID])
}

func (d *fakeDialer) session(instanceID string, n int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n >= len(d.sessions[instanceID]) {
		return nil
	}
	return d.sessions[instanceID][n]
}

func (d *fakeDialer) lastSession(instanceID string) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessions := d.sessions[instanceID]
	if len(sessions) == 0 {
		return nil
	}
	return sessions[len(sessions)-1]
}

// testFixture bundles a supervisor with all its collaborators, wired with
// fast timings for tests.
type testFixture struct {
	sup      *Supervisor
	registry *Registry
	tracker  *Tracker
	echo     *EchoCache
	dialer   *fakeDialer
	disp     *Dispatcher
	sink     *sinkRecorder
	authDir  string
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	sink := newSinkRecorder()
	t.Cleanup(sink.Close)
	disp := NewDispatcher(sink.server.URL, "test-token", zerolog.Nop())
	disp.throttle = time.Millisecond

	f := &testFixture{
		registry: NewRegistry(),
		tracker:  NewTracker(MaxAttemptsPerInstance, BlacklistTTL, zerolog.Nop()),
		echo:     NewEchoCache(0),
		dialer:   newFakeDialer(),
		disp:     disp,
		sink:     sink,
		authDir:  t.TempDir(),
	}
	f.sup = New(Options{
		Registry:       f.registry,
		Tracker:        f.tracker,
		Echo:           f.echo,
		Dispatcher:     f.disp,
		Dialer:         f.dialer,
		AuthDir:        f.authDir,
		ReconnectDelay: 10 * time.Millisecond,
		Log:            zerolog.Nop(),
	})
	return f
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, reg *Registry, id string, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to reach state %s", id, want), func() bool {
		rec, ok := reg.Get(id)
		return ok && rec.State == want
	})
}
