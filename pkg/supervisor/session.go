// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"

	"github.com/digitalticlin/wafleet/pkg/supervisor/wamsg"
)

// State is the lifecycle state of an instance. The string values are the
// wire values exposed through the HTTP API and the registry snapshot file.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateWaitingQR     State = "waiting_qr"
	StateQRError       State = "qr_error"
	StateAuthenticated State = "authenticated"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateReconnecting  State = "reconnecting"
	StateLoggedOut     State = "logged_out"
	StateError         State = "error"
)

// Active reports whether the state represents a session that is connected or
// actively working toward a connection. Reconciliation leaves active
// instances alone.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateWaitingQR, StateAuthenticated, StateConnected, StateReconnecting:
		return true
	default:
		return false
	}
}

// CloseReason categorizes why a session ended. Only transient closes are
// eligible for reconnection.
type CloseReason int

const (
	// CloseTransient covers network hiccups, handshake timeouts, and any
	// close the platform did not explicitly attribute to logout or
	// session replacement.
	CloseTransient CloseReason = iota
	// CloseLoggedOut means the user unlinked the device. Terminal:
	// credentials are purged and the instance is never retried.
	CloseLoggedOut
	// CloseConflict means another client took over the session
	// ("replaced"/"conflict"). Reconnecting would only steal it back and
	// forth, so it is treated as terminal too.
	CloseConflict
)

func (r CloseReason) String() string {
	switch r {
	case CloseLoggedOut:
		return "logged_out"
	case CloseConflict:
		return "conflict"
	default:
		return "transient"
	}
}

// Event is a lifecycle or message event emitted by a session. The session
// library serializes its own callbacks, so events for one instance arrive in
// order; the supervisor consumes them on one goroutine per instance.
type Event interface {
	sessionEvent()
}

// QREvent carries a fresh pairing payload to be rendered and shown to the
// user. The platform rotates these every few seconds until scanned.
type QREvent struct {
	Code string
}

// PairedEvent signals a successful scan; the session is authenticated but
// the post-pairing handshake has not finished yet.
type PairedEvent struct{}

// ConnectedEvent signals a fully established session.
type ConnectedEvent struct {
	Phone       string
	ProfileName string
}

// ClosedEvent is the final event on a session's stream.
type ClosedEvent struct {
	Reason CloseReason
	Err    error
}

// MessageEvent carries one raw inbound message.
type MessageEvent struct {
	Message wamsg.Raw
}

func (QREvent) sessionEvent()        {}
func (PairedEvent) sessionEvent()    {}
func (ConnectedEvent) sessionEvent() {}
func (ClosedEvent) sessionEvent()    {}
func (MessageEvent) sessionEvent()   {}

// Session is an opaque handle on one live platform connection. The wire
// protocol behind it is not this package's concern; the supervisor only
// consumes its event stream and closes it.
type Session interface {
	// Events returns the session's event stream. The channel is closed
	// after a ClosedEvent is delivered (or without one if the session is
	// torn down before it ever connected).
	Events() <-chan Event
	// SendText sends a plain text message and returns the platform
	// message id.
	SendText(ctx context.Context, to, text string) (string, error)
	// Close tears the session down. Safe to call more than once.
	Close()
}

// Dialer creates sessions. Dial must return quickly: the handshake proceeds
// in the session's background and is reported through the event stream.
type Dialer interface {
	Dial(ctx context.Context, instanceID, credsDir string) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, instanceID, credsDir string) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, instanceID, credsDir string) (Session, error) {
	return f(ctx, instanceID, credsDir)
}
