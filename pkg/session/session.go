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

// Package session tracks which logical client identity is bound to which
// live broker connection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session context is bound to a
	// connection.
	ErrSessionNotFound = errors.New("session context not found")
	// ErrInvalidSession is returned for a context missing its connection id or
	// identity.
	ErrInvalidSession = errors.New("invalid session context")
	// ErrIdentityMismatch is returned by Replace when the context does not
	// carry the identity it is being registered under.
	ErrIdentityMismatch = errors.New("session identity mismatch")
	// ErrConnectionRebound is returned when a connection already bound to one
	// identity is registered under another.
	ErrConnectionRebound = errors.New("connection already bound to a different identity")
)

// ClientIdentity identifies a logical client independent of its transport
// connection.
type ClientIdentity struct {
	ScopeID  string `json:"scopeId"`
	ClientID string `json:"clientId"`
}

// String returns "scopeId/clientId".
func (k ClientIdentity) String() string {
	return k.ScopeID + "/" + k.ClientID
}

// IsZero reports whether either half of the identity is empty.
func (k ClientIdentity) IsZero() bool {
	return k.ScopeID == "" || k.ClientID == ""
}

// SessionContext is the per-connection record binding a connection to a
// client identity. All fields except the missing flag are fixed once the
// context is registered.
type SessionContext struct {
	ConnectionID  string
	ScopeID       string
	ClientID      string
	ConnectorName string
	ClientIP      string
	AccountName   string
	Username      string
	// Internal marks broker-internal traffic, which skips external audit.
	Internal bool
	// Token is passed through to downstream consumers uninterpreted.
	Token     string
	CreatedAt time.Time

	missing       atomic.Bool
	reconstructed bool
}

// Identity returns the client identity of the context.
func (c *SessionContext) Identity() ClientIdentity {
	return ClientIdentity{ScopeID: c.ScopeID, ClientID: c.ClientID}
}

// MarkMissing flags the session as already reported by a last-will path. It
// returns true only for the call that set the flag.
func (c *SessionContext) MarkMissing() bool {
	return c.missing.CompareAndSwap(false, true)
}

// Missing reports whether MarkMissing has been called.
func (c *SessionContext) Missing() bool {
	return c.missing.Load()
}

// Reconstructed reports whether the context was rebuilt from the
// connection-scoped cache rather than read from the live registry.
func (c *SessionContext) Reconstructed() bool {
	return c.reconstructed
}

// Validate checks the fields the registry indexes on.
func (c *SessionContext) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalidSession)
	}
	if c.ConnectionID == "" {
		return fmt.Errorf("%w: empty connection id", ErrInvalidSession)
	}
	if c.Identity().IsZero() {
		return fmt.Errorf("%w: incomplete identity %q for connection %s", ErrInvalidSession, c.Identity(), c.ConnectionID)
	}
	return nil
}

// snapshot is the cached form of a SessionContext.
type snapshot struct {
	ConnectionID  string    `json:"connectionId"`
	ScopeID       string    `json:"scopeId"`
	ClientID      string    `json:"clientId"`
	ConnectorName string    `json:"connectorName,omitempty"`
	ClientIP      string    `json:"clientIp,omitempty"`
	AccountName   string    `json:"accountName,omitempty"`
	Username      string    `json:"username,omitempty"`
	Internal      bool      `json:"internal,omitempty"`
	Token         string    `json:"token,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func marshalSnapshot(c *SessionContext) ([]byte, error) {
	return json.Marshal(snapshot{
		ConnectionID:  c.ConnectionID,
		ScopeID:       c.ScopeID,
		ClientID:      c.ClientID,
		ConnectorName: c.ConnectorName,
		ClientIP:      c.ClientIP,
		AccountName:   c.AccountName,
		Username:      c.Username,
		Internal:      c.Internal,
		Token:         c.Token,
		CreatedAt:     c.CreatedAt,
	})
}

func unmarshalSnapshot(b []byte) (*SessionContext, error) {
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	c := &SessionContext{
		ConnectionID:  s.ConnectionID,
		ScopeID:       s.ScopeID,
		ClientID:      s.ClientID,
		ConnectorName: s.ConnectorName,
		ClientIP:      s.ClientIP,
		AccountName:   s.AccountName,
		Username:      s.Username,
		Internal:      s.Internal,
		Token:         s.Token,
		CreatedAt:     s.CreatedAt,
		reconstructed: true,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
