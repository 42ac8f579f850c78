// Copyright 2024 The brokerguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPNotifier POSTs requests as JSON to <baseURL>/connect or
// <baseURL>/disconnect.
type HTTPNotifier struct {
	baseURL     string
	bearerToken string
	client      *http.Client
}

// NewHTTPNotifier creates a notifier. A nil client gets a default one with a
// 10s timeout; per-request deadlines come from the caller's context.
func NewHTTPNotifier(baseURL, bearerToken string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNotifier{
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		client:      client,
	}
}

func (n *HTTPNotifier) endpoint(a Action) string {
	if a == ActionConnect {
		return n.baseURL + "/connect"
	}
	return n.baseURL + "/disconnect"
}

// Notify sends req and treats any 2xx status as success.
func (n *HTTPNotifier) Notify(ctx context.Context, req *AuthRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal auth request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint(req.Action), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if n.bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+n.bearerToken)
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", req.Action, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d for %s", ErrUnexpectedStatus, resp.StatusCode, req.Action)
	}
	return nil
}
