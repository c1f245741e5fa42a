// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// maxAPIBodySize caps request bodies on the control API (1 MB).
const maxAPIBodySize = 1 << 20

// API is the HTTP control surface over a supervisor and its reconciler.
// Every route except /health requires the bearer token.
type API struct {
	sup     *Supervisor
	rec     *Reconciler
	token   string
	log     zerolog.Logger
	started time.Time
}

// NewAPI builds the control API. An empty token disables auth, for local
// setups behind a firewall.
func NewAPI(sup *Supervisor, rec *Reconciler, token string, log zerolog.Logger) *API {
	return &API{
		sup:     sup,
		rec:     rec,
		token:   token,
		log:     log.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
}

// Handler returns the routed handler for the control API.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /instances", a.auth(a.handleListInstances))
	mux.Handle("POST /instance/create", a.auth(a.handleCreateInstance))
	mux.Handle("GET /instance/{id}", a.auth(a.handleGetInstance))
	mux.Handle("GET /instance/{id}/qr", a.auth(a.handleGetQR))
	mux.Handle("DELETE /instance/{id}", a.auth(a.handleDeleteInstance))
	mux.Handle("POST /instance/{id}/send", a.auth(a.handleSendText))
	mux.Handle("POST /reconcile", a.auth(a.handleReconcile))
	mux.Handle("GET /reconcile/status", a.auth(a.handleReconcileStatus))
	mux.Handle("POST /reconcile/reset", a.auth(a.handleReconcileReset))
	return mux
}

func (a *API) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			got := r.Header.Get("Authorization")
			want := "Bearer " + a.token
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
		}
		next(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

// instanceView is the wire shape of one instance on the control API. Field
// names match what the downstream CRM already consumes.
type instanceView struct {
	InstanceID   string    `json:"instanceId"`
	Status       State     `json:"status"`
	Connected    bool      `json:"connected"`
	Phone        string    `json:"phone,omitempty"`
	ProfileName  string    `json:"profileName,omitempty"`
	OwnerID      string    `json:"createdByUserId,omitempty"`
	HasQRCode    bool      `json:"hasQrCode"`
	AttemptCount int       `json:"connectionAttempts"`
	LastError    string    `json:"error,omitempty"`
	IsRecovery   bool      `json:"isRecovery,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUpdate   time.Time `json:"lastUpdate"`
}

func viewOf(rec InstanceRecord) instanceView {
	return instanceView{
		InstanceID:   rec.ID,
		Status:       rec.State,
		Connected:    rec.Connected(),
		Phone:        rec.Phone,
		ProfileName:  rec.ProfileName,
		OwnerID:      rec.OwnerID,
		HasQRCode:    rec.PairingImage != "",
		AttemptCount: rec.AttemptCount,
		LastError:    rec.LastError,
		IsRecovery:   rec.IsRecovery,
		CreatedAt:    rec.CreatedAt,
		LastUpdate:   rec.LastUpdate,
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(a.started).Seconds()),
		"stats":         a.sup.Stats(),
	})
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	snap := a.sup.registry.Snapshot()
	views := make([]instanceView, 0, len(snap))
	for _, rec := range snap {
		views = append(views, viewOf(rec))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].InstanceID < views[j].InstanceID })
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(views),
		"instances": views,
	})
}

type createRequest struct {
	InstanceID string `json:"instanceId"`
	OwnerID    string `json:"createdByUserId"`
}

func (a *API) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := a.sup.CreateInstance(r.Context(), req.InstanceID, req.OwnerID, false)
	switch {
	case errors.Is(err, ErrMissingInstanceID):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	case errors.Is(err, ErrInstanceExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	rec, _ := a.sup.registry.Get(req.InstanceID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"instanceId": rec.ID,
		"status":     rec.State,
	})
}

func (a *API) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.sup.registry.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrInstanceNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

// handleGetQR answers the pairing poll. The response status field is
// tri-state: connected (nothing to scan), qr_ready (code attached), or
// waiting (pairing still being generated).
func (a *API) handleGetQR(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.sup.registry.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrInstanceNotFound.Error()})
		return
	}
	switch {
	case rec.Connected():
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "connected",
			"phone":  rec.Phone,
		})
	case rec.PairingImage != "":
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "qr_ready",
			"qr":      rec.PairingCode,
			"qrImage": rec.PairingImage,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "waiting",
			"state":  rec.State,
		})
	}
}

func (a *API) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sup.DeleteInstance(id); err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deleted": id})
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (a *API) handleSendText(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.To == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "to and text are required"})
		return
	}
	msgID, err := a.sup.SendText(r.Context(), id, req.To, req.Text)
	switch {
	case errors.Is(err, ErrInstanceNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	case errors.Is(err, ErrNotConnected):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messageId": msgID})
}

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := a.rec.Run(r.Context())
	switch {
	case errors.Is(err, ErrReconcileBusy), errors.Is(err, ErrReconcileCooldown):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleReconcileStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rec.Status())
}

func (a *API) handleReconcileReset(w http.ResponseWriter, r *http.Request) {
	a.rec.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
