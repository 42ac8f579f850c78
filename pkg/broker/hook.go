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

package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/brokerguard/pkg/enricher"
	"github.com/turtacn/brokerguard/pkg/lifecycle"
	"github.com/turtacn/brokerguard/pkg/session"
)

// Lifecycle receives connection events from the hook.
type Lifecycle interface {
	lifecycle.Callbacks
	BindSession(sc *session.SessionContext) (*session.SessionContext, error)
}

// MessageEnricher stamps outgoing messages.
type MessageEnricher interface {
	Enrich(ctx context.Context, connectionID string, msg *enricher.Message) error
}

// Hook adapts mochi server events to the connection lifecycle and the
// message enricher.
type Hook struct {
	mqtt.HookBase

	identity  IdentityResolver
	lifecycle Lifecycle
	enricher  MessageEnricher
	logger    *slog.Logger
	now       func() time.Time
}

// NewHook creates the hook.
func NewHook(identity IdentityResolver, lc Lifecycle, enr MessageEnricher, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{
		identity:  identity,
		lifecycle: lc,
		enricher:  enr,
		logger:    logger.With("component", "broker-hook"),
		now:       time.Now,
	}
}

func (h *Hook) ID() string {
	return "brokerguard-lifecycle"
}

func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnect,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSubscribed,
		mqtt.OnPublish,
		mqtt.OnWill,
	}, []byte{b})
}

func (h *Hook) OnConnect(cl *mqtt.Client, _ packets.Packet) error {
	h.lifecycle.OnConnectionCreated(ConnectionID(cl))
	return nil
}

func (h *Hook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	sc := h.identity.SessionContext(cl, h.now())
	if _, err := h.lifecycle.BindSession(sc); err != nil {
		h.logger.Warn("cannot bind session, closing client",
			"connection_id", sc.ConnectionID, "client_id", cl.ID, "error", err)
		cl.Stop(packets.ErrNotAuthorized)
	}
}

func (h *Hook) OnSubscribed(cl *mqtt.Client, _ packets.Packet, _ []byte) {
	h.lifecycle.OnConsumerCreated(ConnectionID(cl))
}

// OnPublish enriches every inbound publish. A publish that cannot be
// attributed to a session is dropped.
func (h *Hook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	user, err := h.enrich(cl, pk.TopicName, pk.Payload, pk.Properties.User)
	if err != nil {
		return pk, packets.ErrRejectPacket
	}
	pk.Properties.User = user
	return pk, nil
}

// OnWill enriches the last will before it is published. Wills are sent
// before OnDisconnect, so the session is still registered.
func (h *Hook) OnWill(cl *mqtt.Client, will mqtt.Will) (mqtt.Will, error) {
	user, err := h.enrich(cl, will.TopicName, will.Payload, will.User)
	if err != nil {
		return will, err
	}
	will.User = user
	return will, nil
}

func (h *Hook) enrich(cl *mqtt.Client, topic string, payload []byte, props []packets.UserProperty) ([]packets.UserProperty, error) {
	msg := &enricher.Message{Address: topic, Payload: payload}
	if err := h.enricher.Enrich(context.Background(), ConnectionID(cl), msg); err != nil {
		return nil, err
	}
	return mergeUserProperties(props, msg.Headers), nil
}

// mergeUserProperties drops client-supplied properties that collide with
// enrichment headers and appends the headers in key order.
func mergeUserProperties(props []packets.UserProperty, headers map[string]string) []packets.UserProperty {
	out := make([]packets.UserProperty, 0, len(props)+len(headers))
	for _, p := range props {
		if _, ok := headers[p.Key]; !ok {
			out = append(out, p)
		}
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, packets.UserProperty{Key: k, Val: headers[k]})
	}
	return out
}

func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	connID := ConnectionID(cl)
	switch classifyDisconnect(err, cl.StopCause()) {
	case lifecycle.StateDestroyed:
		h.lifecycle.OnConnectionDestroyed(connID)
	case lifecycle.StateFailed:
		h.lifecycle.OnConnectionFailed(connID, failureCause(err))
	default:
		h.lifecycle.OnConnectionClosed(connID)
	}
}

// classifyDisconnect maps the read error and stop cause of a finished client
// to the terminal state it reached.
func classifyDisconnect(err, cause error) lifecycle.State {
	for _, e := range []error{cause, err} {
		if e == nil {
			continue
		}
		if errors.Is(e, packets.ErrSessionTakenOver) ||
			errors.Is(e, packets.ErrAdministrativeAction) ||
			errors.Is(e, packets.ErrServerShuttingDown) {
			return lifecycle.StateDestroyed
		}
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, packets.CodeDisconnect) {
		return lifecycle.StateClosed
	}
	return lifecycle.StateFailed
}

// failureCause marks keep-alive expiry as a deadline so it is reported as a
// timeout.
func failureCause(err error) error {
	if errors.Is(err, packets.ErrKeepAliveTimeout) {
		return fmt.Errorf("%w: %w", os.ErrDeadlineExceeded, err)
	}
	return err
}
