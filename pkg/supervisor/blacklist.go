// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MaxAttemptsPerInstance is the consecutive-failure ceiling shared by
	// the supervisor's reconnect path and the reconciliation sweep.
	MaxAttemptsPerInstance = 3
	// BlacklistTTL is how long a blacklisted instance is suppressed.
	BlacklistTTL = 30 * time.Minute
)

// BlacklistEntry is a time-boxed suppression of one instance.
type BlacklistEntry struct {
	InstanceID          string    `json:"instanceId"`
	Reason              string    `json:"reason"`
	AttemptsAtBlacklist int       `json:"attempts"`
	ExpiresAt           time.Time `json:"until"`
}

// Tracker keeps per-instance reconnect attempt counters and the blacklist.
// Blacklist expiry is passive: a lookup past ExpiresAt purges the entry and
// resets the instance's attempt counter to zero.
type Tracker struct {
	maxAttempts int
	ttl         time.Duration
	clock       func() time.Time
	log         zerolog.Logger

	mu        sync.Mutex
	attempts  map[string]int
	blacklist map[string]BlacklistEntry
}

func NewTracker(maxAttempts int, ttl time.Duration, log zerolog.Logger) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = MaxAttemptsPerInstance
	}
	if ttl <= 0 {
		ttl = BlacklistTTL
	}
	return &Tracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		clock:       time.Now,
		log:         log.With().Str("component", "tracker").Logger(),
		attempts:    make(map[string]int),
		blacklist:   make(map[string]BlacklistEntry),
	}
}

// MaxAttempts returns the shared attempt ceiling.
func (t *Tracker) MaxAttempts() int {
	return t.maxAttempts
}

// RecordAttempt increments and returns the attempt counter for id.
func (t *Tracker) RecordAttempt(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[id]++
	return t.attempts[id]
}

// Attempts returns the current attempt counter for id.
func (t *Tracker) Attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[id]
}

// ClearAttempts resets the attempt counter for id, typically on a successful
// connection.
func (t *Tracker) ClearAttempts(id string) {
	t.mu.Lock()
	delete(t.attempts, id)
	t.mu.Unlock()
}

// Blacklist suppresses id for the configured TTL, recording the attempt
// count at the moment of suppression.
func (t *Tracker) Blacklist(id, reason string) {
	t.mu.Lock()
	entry := BlacklistEntry{
		InstanceID:          id,
		Reason:              reason,
		AttemptsAtBlacklist: t.attempts[id],
		ExpiresAt:           t.clock().Add(t.ttl),
	}
	t.blacklist[id] = entry
	t.mu.Unlock()
	t.log.Warn().
		Str("instance_id", id).
		Str("reason", reason).
		Int("attempts", entry.AttemptsAtBlacklist).
		Time("until", entry.ExpiresAt).
		Msg("Instance blacklisted")
}

// IsBlacklisted reports whether id is currently suppressed. A lookup past
// the entry's expiry purges it, resets the attempt counter, and returns
// false — the instance is immediately eligible again with a clean slate.
func (t *Tracker) IsBlacklisted(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.blacklist[id]
	if !ok {
		return false
	}
	if t.clock().After(entry.ExpiresAt) {
		delete(t.blacklist, id)
		delete(t.attempts, id)
		return false
	}
	return true
}

// Clear removes both the blacklist entry and the attempt counter for id.
func (t *Tracker) Clear(id string) {
	t.mu.Lock()
	delete(t.blacklist, id)
	delete(t.attempts, id)
	t.mu.Unlock()
}

// Reset wipes all counters and blacklist entries. Backs the emergency admin
// endpoint.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.attempts = make(map[string]int)
	t.blacklist = make(map[string]BlacklistEntry)
	t.mu.Unlock()
	t.log.Info().Msg("Attempt counters and blacklist reset")
}

// Entries returns the live blacklist, expired entries excluded, sorted by
// instance id for stable diagnostics output.
func (t *Tracker) Entries() []BlacklistEntry {
	now := t.clock()
	t.mu.Lock()
	out := make([]BlacklistEntry, 0, len(t.blacklist))
	for id, entry := range t.blacklist {
		if now.After(entry.ExpiresAt) {
			delete(t.blacklist, id)
			delete(t.attempts, id)
			continue
		}
		out = append(out, entry)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// AttemptCounts returns a copy of the attempt counter map.
func (t *Tracker) AttemptCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.attempts))
	for id, n := range t.attempts {
		out[id] = n
	}
	return out
}
