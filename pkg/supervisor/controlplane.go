// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DesiredInstance is one row of the fleet roster held by the control plane.
// Instances present in the roster should be connected on this host.
type DesiredInstance struct {
	InstanceID string `json:"vps_instance_id"`
	OwnerID    string `json:"created_by_user_id"`
}

// ControlPlane exposes the authoritative list of instances this host is
// expected to run. Reconciliation compares it against live state.
type ControlPlane interface {
	DesiredInstances(ctx context.Context) ([]DesiredInstance, error)
}

// RESTControlPlane fetches the roster from an HTTP endpoint returning a JSON
// array of desired instances. Both a bearer token and an apikey header are
// sent, matching the hosted-Postgres REST convention.
type RESTControlPlane struct {
	url    string
	token  string
	apiKey string
	client *http.Client
}

const controlPlaneTimeout = 15 * time.Second

// NewRESTControlPlane returns a roster client for the given endpoint. The
// token goes into the Authorization header, the apiKey into the apikey
// header; either may be empty.
func NewRESTControlPlane(url, token, apiKey string) *RESTControlPlane {
	return &RESTControlPlane{
		url:    url,
		token:  token,
		apiKey: apiKey,
		client: &http.Client{Timeout: controlPlaneTimeout},
	}
}

func (cp *RESTControlPlane) DesiredInstances(ctx context.Context) ([]DesiredInstance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cp.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build roster request: %w", err)
	}
	if cp.token != "" {
		req.Header.Set("Authorization", "Bearer "+cp.token)
	}
	if cp.apiKey != "" {
		req.Header.Set("apikey", cp.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch roster: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("roster endpoint returned %s: %s", resp.Status, body)
	}

	var desired []DesiredInstance
	if err := json.NewDecoder(resp.Body).Decode(&desired); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return desired, nil
}
