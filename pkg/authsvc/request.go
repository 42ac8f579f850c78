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

// Package authsvc delivers connect and disconnect audit notifications to the
// external authorization service without blocking broker callbacks.
package authsvc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnexpectedStatus is returned when the auth endpoint answers with a
	// non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected status from auth service")
	// ErrQueueFull is returned by Submit when the delivery queue is full.
	ErrQueueFull = errors.New("auth notification queue full")
	// ErrDispatcherStopped is returned by Submit after Stop.
	ErrDispatcherStopped = errors.New("auth dispatcher stopped")
)

// Action names the lifecycle event an AuthRequest reports.
type Action string

const (
	ActionConnect    Action = "brokerConnect"
	ActionDisconnect Action = "brokerDisconnect"
)

// Disconnect error codes carried by AuthRequest.ErrorCode. A normal close
// carries no code.
const (
	ErrorCodeNone              = ""
	ErrorCodeStealingLink      = "STEALING_LINK"
	ErrorCodeAdminDisconnect   = "ADMIN_DISCONNECT"
	ErrorCodeConnectionTimeout = "CONNECTION_TIMEOUT"
	ErrorCodeConnectionLost    = "CONNECTION_LOST"
	ErrorCodeConnectionFailed  = "CONNECTION_FAILED"
)

// AuthRequest is the audit notification sent to the authorization service.
type AuthRequest struct {
	ID                   string    `json:"id"`
	Action               Action    `json:"action"`
	ClusterName          string    `json:"clusterName"`
	BrokerHost           string    `json:"brokerHost"`
	ScopeID              string    `json:"scopeId"`
	ClientID             string    `json:"clientId"`
	AccountName          string    `json:"accountName,omitempty"`
	Username             string    `json:"username,omitempty"`
	ClientIP             string    `json:"clientIp,omitempty"`
	ConnectionID         string    `json:"connectionId"`
	ConnectorName        string    `json:"connectorName,omitempty"`
	ErrorCode            string    `json:"errorCode,omitempty"`
	StolenByConnectionID string    `json:"stolenByConnectionId,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// NewRequest returns a request with a fresh id and the current time.
func NewRequest(action Action) *AuthRequest {
	return &AuthRequest{
		ID:        uuid.NewString(),
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// Key is the partitioning key of the request, "scopeId/clientId".
func (r *AuthRequest) Key() string {
	return r.ScopeID + "/" + r.ClientID
}

// Notifier delivers one AuthRequest. Implementations must honour ctx.
type Notifier interface {
	Notify(ctx context.Context, req *AuthRequest) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req *AuthRequest) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, req *AuthRequest) error {
	return f(ctx, req)
}
