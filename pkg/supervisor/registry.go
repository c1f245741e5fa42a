// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"sync"
	"time"
)

// InstanceRecord is the registry's view of one tenant instance. Phone and
// ProfileName are empty until pairing succeeds; PairingCode/PairingImage are
// only set while the instance is waiting for a scan.
type InstanceRecord struct {
	ID           string
	OwnerID      string
	State        State
	Phone        string
	ProfileName  string
	PairingCode  string
	PairingImage string
	AttemptCount int
	LastError    string
	IsRecovery   bool
	CreatedAt    time.Time
	LastUpdate   time.Time
}

// Connected reports whether the record is in the fully-connected state.
func (r InstanceRecord) Connected() bool {
	return r.State == StateConnected
}

// Registry is the process-wide map of instance id to record. Mutation is
// serialized per id: the index lock is only held long enough to find or
// create the per-id entry, so operations on independent instances never
// block each other.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	mu  sync.Mutex
	rec InstanceRecord
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (InstanceRecord, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return InstanceRecord{}, false
	}
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	return rec, true
}

// Upsert creates the record for id if it does not exist and applies mutate
// under the per-id lock. LastUpdate is stamped on every call; CreatedAt on
// first creation. Mutate must not block.
func (r *Registry) Upsert(id string, mutate func(*InstanceRecord)) InstanceRecord {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		e = &registryEntry{rec: InstanceRecord{
			ID:        id,
			State:     StateIdle,
			CreatedAt: time.Now(),
		}}
		r.entries[id] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if mutate != nil {
		mutate(&e.rec)
	}
	e.rec.ID = id
	e.rec.LastUpdate = time.Now()
	return e.rec
}

// Update applies mutate to an existing record under the per-id lock and
// reports whether the record existed. Event handlers use this so a racing
// delete makes them no-ops instead of resurrecting the instance.
func (r *Registry) Update(id string, mutate func(*InstanceRecord)) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(&e.rec)
	e.rec.LastUpdate = time.Now()
	return true
}

// Delete removes the record for id. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Snapshot returns a read-only copy of every record, for reconciliation and
// diagnostics.
func (r *Registry) Snapshot() map[string]InstanceRecord {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make(map[string]InstanceRecord, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out[e.rec.ID] = e.rec
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
