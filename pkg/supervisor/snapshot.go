// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/util/jsontime"
)

// snapshotRecord is the persisted mirror of one registry entry. Sessions and
// pairing images are not serializable state; only what is needed to
// pre-populate the registry after a restart is kept.
type snapshotRecord struct {
	InstanceID  string             `json:"instanceId"`
	Status      State              `json:"status"`
	Phone       string             `json:"phone,omitempty"`
	ProfileName string             `json:"profileName,omitempty"`
	OwnerID     string             `json:"createdByUserId,omitempty"`
	HasQR       bool               `json:"hasQr"`
	CreatedAt   jsontime.UnixMilli `json:"createdAt"`
	LastSeen    jsontime.UnixMilli `json:"lastSeen"`
}

// SnapshotStore writes the registry mirror file after every state change and
// reads it back at startup. The file is not authoritative — the control
// plane is — it only lets a restarted process show its instances before the
// first reconciliation sweep heals them.
type SnapshotStore struct {
	path string

	mu sync.Mutex
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Write atomically replaces the snapshot file with the given registry view.
func (s *SnapshotStore) Write(records map[string]InstanceRecord) error {
	out := make(map[string]snapshotRecord, len(records))
	for id, rec := range records {
		out[id] = snapshotRecord{
			InstanceID:  rec.ID,
			Status:      rec.State,
			Phone:       rec.Phone,
			ProfileName: rec.ProfileName,
			OwnerID:     rec.OwnerID,
			HasQR:       rec.PairingImage != "",
			CreatedAt:   jsontime.UM(rec.CreatedAt),
			LastSeen:    jsontime.UM(rec.LastUpdate),
		}
	}
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file. A missing file is an empty fleet, not an
// error.
func (s *SnapshotStore) Load() (map[string]snapshotRecord, error) {
	s.mu.Lock()
	body, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]snapshotRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var out map[string]snapshotRecord
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return out, nil
}
