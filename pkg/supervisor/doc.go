// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package supervisor manages a fleet of long-lived WhatsApp tenant sessions:
// creating them, pairing them via QR scan, surviving their disconnects with a
// bounded reconnect policy, and reconciling the in-memory fleet against the
// control-plane record of which instances should exist.
//
// # Core Types
//
// [Supervisor] owns the per-instance lifecycle: it dials sessions through an
// injected [Dialer], consumes each session's event stream on a dedicated
// goroutine, and drives the instance state machine (connecting → waiting_qr →
// authenticated → connected, with disconnected/reconnecting/logged_out/error
// branches).
//
// [Registry] is the single shared mutable resource: the process-wide map of
// instance id to [InstanceRecord], locked per id so operations on one
// instance never block another.
//
// [Tracker] counts consecutive reconnect attempts per instance and applies a
// time-boxed blacklist once the attempt ceiling is hit, so a broken instance
// cannot storm the remote platform.
//
// [Reconciler] runs the mutually-exclusive, cooldown-limited sweep that
// deletes orphan instances, recreates missing ones, and defers blacklisted
// ones. It treats the control-plane desired set as ground truth.
//
// [Dispatcher] pushes pairing, connection, and message events to the webhook
// sink, fire-and-forget.
//
// # Echo Suppression
//
// Every message sent through the outbound API path is marked in [EchoCache];
// the inbound path drops any event whose id was marked within the cache TTL,
// so the system never re-ingests its own messages. Group, broadcast,
// newsletter, and lid origins are dropped unconditionally before
// classification.
//
// # Sub-packages
//
//   - wamsg classifies raw inbound events into (text, media kind) tuples.
package supervisor
