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

// Package broker hosts the MQTT server and connects its client events to
// session tracking, message enrichment and forced disconnects.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/brokerguard/pkg/session"
)

// ErrConnectionNotFound is returned by Disconnect for an unknown connection.
var ErrConnectionNotFound = errors.New("connection not found")

// Options configures a Broker.
type Options struct {
	// ListenAddress is the TCP address of the MQTT listener. Empty disables
	// the listener.
	ListenAddress string
	ListenerID    string
	Identity      IdentityResolver
	// InlineClient enables server-side publishing as an internal session.
	InlineClient bool
}

// Broker wraps a mochi MQTT server.
type Broker struct {
	server    *mqtt.Server
	lifecycle Lifecycle
	opts      Options
	logger    *slog.Logger
}

// New creates a broker with its hooks and listener registered. The server is
// not started.
func New(opts Options, lc Lifecycle, enr MessageEnricher, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ListenerID == "" {
		opts.ListenerID = "mqtt"
	}
	if opts.Identity.ConnectorName == "" {
		opts.Identity.ConnectorName = opts.ListenerID
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: opts.InlineClient,
		Logger:       logger.With("component", "mqtt"),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}
	if err := server.AddHook(NewHook(opts.Identity, lc, enr, logger), nil); err != nil {
		return nil, fmt.Errorf("failed to add lifecycle hook: %w", err)
	}
	if opts.ListenAddress != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: opts.ListenerID, Address: opts.ListenAddress})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("failed to add listener on %s: %w", opts.ListenAddress, err)
		}
	}

	return &Broker{
		server:    server,
		lifecycle: lc,
		opts:      opts,
		logger:    logger.With("component", "broker"),
	}, nil
}

// Start serves the listeners in the background. With the inline client
// enabled, its internal session is bound first.
func (b *Broker) Start() error {
	if b.opts.InlineClient {
		b.lifecycle.OnConnectionCreated(InlineConnectionID)
		sc := &session.SessionContext{
			ConnectionID:  InlineConnectionID,
			ScopeID:       b.opts.Identity.DefaultAccount,
			ClientID:      InlineConnectionID,
			ConnectorName: "inline",
			Internal:      true,
			CreatedAt:     time.Now(),
		}
		if _, err := b.lifecycle.BindSession(sc); err != nil {
			return fmt.Errorf("failed to bind inline session: %w", err)
		}
	}
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("failed to start mqtt server: %w", err)
	}
	b.logger.Info("MQTT broker listening", "address", b.opts.ListenAddress)
	return nil
}

// Publish sends a message from the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return b.server.Publish(topic, payload, retain, qos)
}

// ListLiveConnections returns the connection ids of all connected clients.
// The inline client is not a connection.
func (b *Broker) ListLiveConnections() []string {
	clients := b.server.Clients.GetAll()
	ids := make([]string, 0, len(clients))
	for _, cl := range clients {
		if cl.Net.Inline || cl.Closed() {
			continue
		}
		ids = append(ids, ConnectionID(cl))
	}
	sort.Strings(ids)
	return ids
}

// Disconnect closes the client of connectionID with an administrative
// reason. A graceful close sends a DISCONNECT packet first.
func (b *Broker) Disconnect(connectionID string, graceful bool) error {
	cl, ok := b.client(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	b.logger.Info("disconnecting client", "connection_id", connectionID, "client_id", cl.ID, "graceful", graceful)
	if graceful {
		// DisconnectClient hands back any error-class reason code it sent,
		// even though the client was stopped.
		err := b.server.DisconnectClient(cl, packets.ErrAdministrativeAction)
		if err != nil && !errors.Is(err, packets.ErrAdministrativeAction) {
			return err
		}
		return nil
	}
	cl.Stop(packets.ErrAdministrativeAction)
	return nil
}

func (b *Broker) client(connectionID string) (*mqtt.Client, bool) {
	for _, cl := range b.server.Clients.GetAll() {
		if !cl.Net.Inline && !cl.Closed() && ConnectionID(cl) == connectionID {
			return cl, true
		}
	}
	return nil, false
}

// Close stops the server and its listeners. The inline session, if any,
// ends as destroyed.
func (b *Broker) Close() error {
	err := b.server.Close()
	if b.opts.InlineClient {
		b.lifecycle.OnConnectionDestroyed(InlineConnectionID)
	}
	return err
}
