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

// Package enricher stamps published messages with the identity and
// classification of the session that sent them.
package enricher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/brokerguard/pkg/metrics"
	"github.com/turtacn/brokerguard/pkg/session"
)

// Header keys written on every enriched message.
const (
	HeaderScopeID       = "scope-id"
	HeaderClientID      = "client-id"
	HeaderConnectorName = "connector-name"
	HeaderReceivedOn    = "received-on"
	HeaderSessionToken  = "session-token"
	HeaderMessageType   = "message-type"
	HeaderInternal      = "internal"
	HeaderConnectionID  = "connection-id"
)

const (
	DefaultSizeLogThreshold   = 100000
	DefaultMissingTopicSuffix = "MQTT/MISSING"
)

// Message is the part of a broker message the enricher reads and writes.
// Payload is never modified.
type Message struct {
	Address string
	Payload []byte
	Headers map[string]string
}

// SessionResolver finds the session of a connection, falling back to the
// connection-scoped cache.
type SessionResolver interface {
	GetByConnectionID(ctx context.Context, connectionID string) (*session.SessionContext, bool)
}

// Config tunes the enricher.
type Config struct {
	InternalAddressPrefix string
	MissingTopicSuffix    string
	SizeLogThreshold      int
	// ConnectorName is used when the session does not carry one.
	ConnectorName string
}

// Enricher implements the before-send hook.
type Enricher struct {
	cfg      Config
	sessions SessionResolver
	tracker  AccessTracker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Enricher.
type Option func(*Enricher)

func WithTracker(t AccessTracker) Option {
	return func(e *Enricher) { e.tracker = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Enricher) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Enricher) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New creates an Enricher. Zero config fields take their defaults.
func New(cfg Config, sessions SessionResolver, opts ...Option) *Enricher {
	if cfg.InternalAddressPrefix == "" {
		cfg.InternalAddressPrefix = DefaultInternalPrefix
	}
	if cfg.MissingTopicSuffix == "" {
		cfg.MissingTopicSuffix = DefaultMissingTopicSuffix
	}
	if cfg.SizeLogThreshold <= 0 {
		cfg.SizeLogThreshold = DefaultSizeLogThreshold
	}
	e := &Enricher{
		cfg:      cfg,
		sessions: sessions,
		tracker:  NewAddressTracker(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	e.logger = e.logger.With("component", "enricher")
	return e
}

// Enrich stamps msg with the session of connectionID. It fails only when no
// session can be resolved; the message must then not be delivered.
func (e *Enricher) Enrich(ctx context.Context, connectionID string, msg *Message) error {
	sc, ok := e.sessions.GetByConnectionID(ctx, connectionID)
	if !ok {
		e.metrics.EnrichmentFailures.Inc()
		e.logger.Warn("cannot enrich message: no session context",
			"connection_id", connectionID, "address", msg.Address)
		return fmt.Errorf("%w: connection %s", session.ErrSessionNotFound, connectionID)
	}

	now := e.now()
	class := Classify(msg.Address, e.cfg.InternalAddressPrefix)
	if msg.Headers == nil {
		msg.Headers = make(map[string]string, 8)
	}
	h := msg.Headers
	h[HeaderScopeID] = sc.ScopeID
	h[HeaderClientID] = sc.ClientID
	h[HeaderConnectorName] = e.connectorName(sc)
	h[HeaderReceivedOn] = now.UTC().Format(time.RFC3339Nano)
	h[HeaderMessageType] = string(class)
	if sc.Token != "" {
		h[HeaderSessionToken] = sc.Token
	}
	h[HeaderInternal] = strconv.FormatBool(sc.Internal)
	if !sc.Internal {
		h[HeaderConnectionID] = sc.ConnectionID
	}

	if strings.HasSuffix(msg.Address, e.cfg.MissingTopicSuffix) && sc.MarkMissing() {
		e.logger.Info("last-will placeholder seen, disconnect will not be re-reported",
			"connection_id", connectionID, "identity", sc.Identity().String(), "address", msg.Address)
	}

	if size := len(msg.Payload); size > e.cfg.SizeLogThreshold {
		e.metrics.OversizedMessages.Inc()
		e.logger.Info("large message",
			"connection_id", connectionID, "address", msg.Address,
			"size", size, "threshold", e.cfg.SizeLogThreshold)
	}

	if msg.Address != "" && e.tracker != nil {
		e.tracker.Touch(msg.Address, now)
	}
	e.metrics.MessagesEnriched.WithLabelValues(string(class)).Inc()
	return nil
}

func (e *Enricher) connectorName(sc *session.SessionContext) string {
	if sc.ConnectorName != "" {
		return sc.ConnectorName
	}
	return e.cfg.ConnectorName
}
