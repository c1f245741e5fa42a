// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"strings"
	"time"

	"go.mau.fi/util/exsync"
)

// EchoTTL is how long a sent-message mark lives. Outbound confirmations
// normally echo back within seconds; five minutes bounds memory growth while
// covering realistic delivery delay.
const EchoTTL = 5 * time.Minute

// EchoCache marks messages this process sent through the API so the inbound
// event stream can drop their echoes instead of re-ingesting them. Expiry is
// passive: stale entries are removed at lookup time, never by a background
// sweeper.
type EchoCache struct {
	ttl     time.Duration
	clock   func() time.Time
	entries *exsync.Map[string, time.Time]
}

func NewEchoCache(ttl time.Duration) *EchoCache {
	if ttl <= 0 {
		ttl = EchoTTL
	}
	return &EchoCache{
		ttl:     ttl,
		clock:   time.Now,
		entries: exsync.NewMap[string, time.Time](),
	}
}

func echoKey(instanceID, messageID string) string {
	return instanceID + ":" + messageID
}

// MarkSent records that messageID was sent by this process on behalf of
// instanceID.
func (c *EchoCache) MarkSent(instanceID, messageID string) {
	c.entries.Set(echoKey(instanceID, messageID), c.clock())
}

// WasSentLocally reports whether messageID was marked within the TTL window.
// A hit consumes nothing; an expired entry is dropped on the way out.
func (c *EchoCache) WasSentLocally(instanceID, messageID string) bool {
	key := echoKey(instanceID, messageID)
	sentAt, ok := c.entries.Get(key)
	if !ok {
		return false
	}
	if c.clock().Sub(sentAt) > c.ttl {
		c.entries.Delete(key)
		return false
	}
	return true
}

// ClearInstance drops all marks belonging to instanceID. Called when the
// instance is deleted.
func (c *EchoCache) ClearInstance(instanceID string) {
	prefix := instanceID + ":"
	for key := range c.entries.CopyData() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Delete(key)
		}
	}
}
