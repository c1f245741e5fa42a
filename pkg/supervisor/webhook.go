// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
)

// EventKind identifies the webhook event type on the wire.
type EventKind string

const (
	EventPairing    EventKind = "pairing.update"
	EventConnection EventKind = "connection.update"
	EventMessage    EventKind = "message.upsert"
)

// MessageThrottle is the fixed delay applied to message-kind notifications
// so inbound bursts don't overwhelm the sink. Pairing and connection events
// go out immediately.
const MessageThrottle = time.Second

const webhookTimeout = 10 * time.Second

// webhookEnvelope is the JSON body delivered to the sink.
type webhookEnvelope struct {
	Event      EventKind          `json:"event"`
	InstanceID string             `json:"instanceId"`
	Data       any                `json:"data"`
	Timestamp  jsontime.UnixMilli `json:"timestamp"`
	DeliveryID string             `json:"deliveryId"`
}

// Dispatcher pushes lifecycle and message events to the webhook sink.
// Deliveries are fire-and-forget: a failure is logged and dropped, never
// retried and never back-pressured onto the event that triggered it. Retry
// policy, if any, belongs to the sink.
type Dispatcher struct {
	url      string
	token    string
	throttle time.Duration
	client   *http.Client
	clock    func() time.Time
	log      zerolog.Logger

	wg sync.WaitGroup
}

func NewDispatcher(url, token string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		url:      url,
		token:    token,
		throttle: MessageThrottle,
		client:   &http.Client{Timeout: webhookTimeout},
		clock:    time.Now,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// Notify queues one event for delivery and returns immediately.
func (d *Dispatcher) Notify(kind EventKind, instanceID string, data any) {
	if d.url == "" {
		d.log.Debug().Str("event", string(kind)).Msg("No webhook sink configured, dropping event")
		return
	}
	env := webhookEnvelope{
		Event:      kind,
		InstanceID: instanceID,
		Data:       data,
		Timestamp:  jsontime.UM(d.clock()),
		DeliveryID: uuid.NewString(),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if kind == EventMessage && d.throttle > 0 {
			time.Sleep(d.throttle)
		}
		d.deliver(env)
	}()
}

func (d *Dispatcher) deliver(env webhookEnvelope) {
	log := d.log.With().
		Str("event", string(env.Event)).
		Str("instance_id", env.InstanceID).
		Str("delivery_id", env.DeliveryID).
		Logger()

	body, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal webhook body")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("Webhook sink rejected delivery")
		return
	}
	log.Debug().Msg("Webhook delivered")
}

// Flush blocks until all queued deliveries have been attempted. Used by
// shutdown and tests; production callers never wait on delivery.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

// pairingPayload is the data section of a pairing.update event.
type pairingPayload struct {
	Code    string `json:"code"`
	QRImage string `json:"qrImage"`
}

// connectionPayload is the data section of a connection.update event.
type connectionPayload struct {
	Status      State  `json:"status"`
	Phone       string `json:"phone,omitempty"`
	ProfileName string `json:"profileName,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// messagePayload is the data section of a message.upsert event.
type messagePayload struct {
	MessageID     string             `json:"messageId"`
	From          string             `json:"from"`
	FromMe        bool               `json:"fromMe"`
	Timestamp     jsontime.UnixMilli `json:"timestamp"`
	Text          string             `json:"text"`
	MessageType   string             `json:"messageType"`
	MediaURL      string             `json:"mediaUrl,omitempty"`
	InstancePhone string             `json:"instancePhone,omitempty"`
}

// messageTimestamp normalizes a platform timestamp for the wire. Sessions
// occasionally deliver messages without one; the receive time is close
// enough for downstream ordering.
func messageTimestamp(t time.Time) jsontime.UnixMilli {
	if t.IsZero() {
		t = time.Now()
	}
	return jsontime.UM(t)
}
