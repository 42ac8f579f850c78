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

package devicevent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/turtacn/brokerguard/pkg/devicereg"
	"github.com/turtacn/brokerguard/pkg/disconnect"
	"github.com/turtacn/brokerguard/pkg/metrics"
)

// CommandQueue accepts disconnect commands without waiting for them to run.
type CommandQueue interface {
	Enqueue(cmd disconnect.Command) error
}

// Correlator handles device events. Only disconnect events have an effect:
// the device is resolved to its client identity and an identity disconnect
// command is queued.
type Correlator struct {
	resolver devicereg.Resolver
	queue    CommandQueue
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Correlator.
type Option func(*Correlator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Correlator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func NewCorrelator(resolver devicereg.Resolver, queue CommandQueue, opts ...Option) *Correlator {
	c := &Correlator{
		resolver: resolver,
		queue:    queue,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	c.logger = c.logger.With("component", "device-event-correlator")
	return c
}

// HandlePayload decodes and handles one raw event. Errors are logged and
// counted here; sources may ignore the returned error.
func (c *Correlator) HandlePayload(ctx context.Context, payload []byte) error {
	ev, err := ParseEvent(payload)
	if err != nil {
		c.metrics.DeviceEvents.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping undecodable device event", "error", err, "size", len(payload))
		return err
	}
	return c.Handle(ctx, ev)
}

// Handle acts on a decoded event.
func (c *Correlator) Handle(ctx context.Context, ev Event) error {
	log := c.logger.With("operation", string(ev.Operation), "scope_id", ev.EntityScopeID, "device_id", ev.EntityID)

	switch ev.Operation {
	case OpCreate, OpUpdate, OpDelete, OpConnect:
		c.metrics.DeviceEvents.WithLabelValues("ignored").Inc()
		log.Debug("ignoring device event")
		return nil
	case OpDisconnect:
	default:
		c.metrics.DeviceEvents.WithLabelValues("malformed").Inc()
		log.Warn("dropping device event with unknown operation")
		return fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, ev.Operation)
	}

	if ev.EntityScopeID == "" || ev.EntityID == "" {
		c.metrics.DeviceEvents.WithLabelValues("malformed").Inc()
		log.Warn("dropping disconnect event without device")
		return fmt.Errorf("%w: missing device reference", ErrMalformedEvent)
	}

	identity, err := c.resolver.Resolve(ctx, ev.EntityScopeID, ev.EntityID)
	if err != nil {
		c.metrics.DeviceEvents.WithLabelValues("unresolved").Inc()
		if errors.Is(err, devicereg.ErrDeviceNotFound) {
			log.Info("disconnect event for unknown device")
		} else {
			log.Warn("failed to resolve device", "error", err)
		}
		return err
	}

	cmd := disconnect.ByIdentity(identity)
	if err := c.queue.Enqueue(cmd); err != nil {
		c.metrics.DeviceEvents.WithLabelValues("rejected").Inc()
		log.Warn("failed to queue disconnect command", "command", cmd.String(), "error", err)
		return err
	}
	c.metrics.DeviceEvents.WithLabelValues("enqueued").Inc()
	log.Info("device disconnect queued", "command", cmd.String())
	return nil
}
