// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type apiFixture struct {
	*testFixture
	srv *httptest.Server
	rc  *Reconciler
	cp  *fakeControlPlane
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newTestFixture(t)
	cp := &fakeControlPlane{}
	rc := NewReconciler(f.sup, f.tracker, cp, time.Minute, time.Nanosecond, time.Nanosecond, zerolog.Nop())
	rc.sleep = func(context.Context, time.Duration) error { return nil }
	api := NewAPI(f.sup, rc, "secret", zerolog.Nop())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{testFixture: f, srv: srv, rc: rc, cp: cp}
}

// call performs an authenticated request and decodes the JSON response.
func (a *apiFixture) call(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp.StatusCode, out
}

// TestAPI_AuthRequired verifies every route but /health rejects missing or
// wrong tokens.
func TestAPI_AuthRequired(t *testing.T) {
	t.Parallel()
	a := newAPIFixture(t)

	resp, err := http.Get(a.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health without auth: got %d", resp.StatusCode)
	}

	for _, path := range []string{"/instances", "/instance/x", "/reconcile/status"} {
		resp, err := http.Get(a.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without auth: got %d, want 401", path, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, a.srv.URL+"/instances", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /instances: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d, want 401", resp.StatusCode)
	}
}

// TestAPI_InstanceLifecycle exercises create, get, list, and delete through
// the HTTP surface.
func TestAPI_InstanceLifecycle(t *testing.T) {
	t.Parallel()
	a := newAPIFixture(t)

	status, body := a.call(t, http.MethodPost, "/instance/create",
		`{"instanceId": "inst-a", "createdByUserId": "user-1"}`)
	if status != http.StatusCreated {
		t.Fatalf("create: got %d: %v", status, body)
	}
	if body["instanceId"] != "inst-a" || body["status"] != string(StateConnecting) {
		t.Fatalf("create body: %v", body)
	}

	status, body = a.call(t, http.MethodPost, "/instance/create",
		`{"instanceId": "inst-a", "createdByUserId": "user-1"}`)
	if status != http.StatusConflict {
		t.Fatalf("duplicate create: got %d: %v", status, body)
	}

	status, body = a.call(t, http.MethodPost, "/instance/create", `{"createdByUserId": "u"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("create without id: got %d: %v", status, body)
	}

	status, body = a.call(t, http.MethodGet, "/instance/inst-a", "")
	if status != http.StatusOK || body["instanceId"] != "inst-a" {
		t.Fatalf("get: %d %v", status, body)
	}

	status, body = a.call(t, http.MethodGet, "/instances", "")
	if status != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("list: %d %v", status, body)
	}

	status, body = a.call(t, http.MethodDelete, "/instance/inst-a", "")
	if status != http.StatusOK {
		t.Fatalf("delete: %d %v", status, body)
	}
	status, _ = a.call(t, http.MethodDelete, "/instance/inst-a", "")
	if status != http.StatusNotFound {
		t.Fatalf("delete again: got %d, want 404", status)
	}
	status, _ = a.call(t, http.MethodGet, "/instance/inst-a", "")
	if status != http.StatusNotFound {
		t.Fatalf("get after delete: got %d, want 404", status)
	}
}

// TestAPI_QRPoll verifies the tri-state pairing poll: waiting before the
// code arrives, qr_ready once it does, connected after the handshake.
func TestAPI_QRPoll(t *testing.T) {
	t.Parallel()
	a := newAPIFixture(t)
	ctx := context.Background()

	if err := a.sup.CreateInstance(ctx, "inst-a", "user-1", false); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	status, body := a.call(t, http.MethodGet, "/instance/inst-a/qr", "")
	if status != http.StatusOK || body["status"] != "waiting" {
		t.Fatalf("before QR: %d %v", status, body)
	}

	sess := a.dialer.lastSession("inst-a")
	sess.emitQR("2@pair-payload")
	waitForState(t, a.registry, "inst-a", StateWaitingQR)

	status, body = a.call(t, http.MethodGet, "/instance/inst-a/qr", "")
	if status != http.StatusOK || body["status"] != "qr_ready" {
		t.Fatalf("after QR: %d %v", status, body)
	}
	if body["qr"] != "2@pair-payload" {
		t.Fatalf("qr code: %v", body["qr"])
	}
	if img, _ := body["qrImage"].(string); !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Fatalf("qrImage: %.40v", body["qrImage"])
	}

	sess.emitPaired()
	sess.emitConnected("5511988887777", "Suporte")
	waitForState(t, a.registry, "inst-a", StateConnected)

	status, body = a.call(t, http.MethodGet, "/instance/inst-a/qr", "")
	if status != http.StatusOK || body["status"] != "connected" {
		t.Fatalf("after connect: %d %v", status, body)
	}
	if body["phone"] != "5511988887777" {
		t.Fatalf("phone: %v", body["phone"])
	}
}

// TestAPI_SendText verifies the outbound send route and its error mapping.
func TestAPI_SendText(t *testing.T) {
	t.Parallel()
	a := newAPIFixture(t)
	ctx := context.Background()

	status, _ := a.call(t, http.MethodPost, "/instance/ghost/send",
		`{"to": "5511@s.whatsapp.net", "text": "oi"}`)
	if status != http.StatusNotFound {
		t.Fatalf("send to missing instance: got %d, want 404", status)
	}

	if err := a.sup.CreateInstance(ctx, "inst-a", "user-1", false); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	status, _ = a.call(t, http.MethodPost, "/instance/inst-a/send",
		`{"to": "5511@s.whatsapp.net", "text": "oi"}`)
	if status != http.StatusConflict {
		t.Fatalf("send before connect: got %d, want 409", status)
	}

	a.dialer.lastSession("inst-a").emitConnected("5511999", "Desk")
	waitForState(t, a.registry, "inst-a", StateConnected)

	status, body := a.call(t, http.MethodPost, "/instance/inst-a/send",
		`{"to": "5511@s.whatsapp.net", "text": "oi"}`)
	if status != http.StatusOK {
		t.Fatalf("send: %d %v", status, body)
	}
	if id, _ := body["messageId"].(string); !strings.HasPrefix(id, "SENT-inst-a-") {
		t.Fatalf("messageId: %v", body["messageId"])
	}

	status, _ = a.call(t, http.MethodPost, "/instance/inst-a/send", `{"to": "x"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("send without text: got %d, want 400", status)
	}
}

// TestAPI_ReconcileRoutes verifies trigger, throttle response, status, and
// reset.
func TestAPI_ReconcileRoutes(t *testing.T) {
	t.Parallel()
	a := newAPIFixture(t)
	a.cp.set(desired("inst-a", "user-1"))

	status, body := a.call(t, http.MethodPost, "/reconcile", "")
	if status != http.StatusOK {
		t.Fatalf("reconcile: %d %v", status, body)
	}
	if body["recovered"] != float64(1) {
		t.Fatalf("report: %v", body)
	}

	// Cooldown is a minute in this fixture, so an immediate retrigger is
	// throttled.
	status, _ = a.call(t, http.MethodPost, "/reconcile", "")
	if status != http.StatusTooManyRequests {
		t.Fatalf("reconcile in cooldown: got %d, want 429", status)
	}

	status, body = a.call(t, http.MethodGet, "/reconcile/status", "")
	if status != http.StatusOK || body["isRunning"] != false {
		t.Fatalf("status: %d %v", status, body)
	}

	status, _ = a.call(t, http.MethodPost, "/reconcile/reset", "")
	if status != http.StatusOK {
		t.Fatalf("reset: got %d", status)
	}
	status, _ = a.call(t, http.MethodPost, "/reconcile", "")
	if status != http.StatusOK {
		t.Fatalf("reconcile after reset: got %d, want 200", status)
	}
}

// TestAPI_HealthStats verifies the health payload carries fleet counters.
func TestAPI_HealthStats(t *testing.T) {
	t.Parallel()
	a := newAPIFixture(t)
	ctx := context.Background()

	if err := a.sup.CreateInstance(ctx, "inst-a", "user-1", false); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	a.dialer.lastSession("inst-a").emitConnected("5511999", "Desk")
	waitForState(t, a.registry, "inst-a", StateConnected)

	status, body := a.call(t, http.MethodGet, "/health", "")
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", status, body)
	}
	stats, _ := body["stats"].(map[string]any)
	if stats["total"] != float64(1) || stats["connected"] != float64(1) {
		t.Fatalf("stats: %v", stats)
	}
}
