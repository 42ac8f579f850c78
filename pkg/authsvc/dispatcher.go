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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/brokerguard/pkg/metrics"
)

const (
	DefaultTimeout   = 5 * time.Second
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
)

// Dispatcher delivers AuthRequests through a Notifier on a fixed worker pool.
// Submit never blocks: when the queue is full the request is dropped and
// counted. Each delivery is bounded by the configured timeout and is never
// retried.
type Dispatcher struct {
	notifier Notifier
	queue    chan *AuthRequest
	timeout  time.Duration
	workers  int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	stopped bool
	started bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(s *Dispatcher) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithWorkers sets the worker count.
func WithWorkers(n int) DispatcherOption {
	return func(s *Dispatcher) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(s *Dispatcher) {
		if n > 0 {
			s.queue = make(chan *AuthRequest, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(s *Dispatcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(s *Dispatcher) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewDispatcher creates a dispatcher. Call Start before submitting.
func NewDispatcher(n Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		notifier: n,
		queue:    make(chan *AuthRequest, DefaultQueueSize),
		timeout:  DefaultTimeout,
		workers:  DefaultWorkers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New(nil)
	}
	d.logger = d.logger.With("component", "auth-dispatcher")
	return d
}

// Start launches the workers. Deliveries derive their context from ctx.
// Calling Start twice has no effect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Submit queues req for delivery. It returns ErrQueueFull when the request
// was dropped and ErrDispatcherStopped after Stop.
func (d *Dispatcher) Submit(req *AuthRequest) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	select {
	case d.queue <- req:
		return nil
	default:
	}

	total := d.dropped.Add(1)
	d.metrics.AuthNotifications.WithLabelValues(string(req.Action), "dropped").Inc()
	d.logger.Warn("auth notification dropped: queue full",
		"action", string(req.Action),
		"connection_id", req.ConnectionID,
		"identity", req.Key(),
		"total_drops", total)
	return ErrQueueFull
}

// Dropped returns how many requests Submit has dropped.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// QueueDepth returns the number of requests waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Stop rejects further submissions, lets the workers finish the queue and
// waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for req := range d.queue {
		d.deliver(ctx, req)
	}
	d.logger.Debug("auth worker stopped", "worker", id)
}

func (d *Dispatcher) deliver(parent context.Context, req *AuthRequest) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	err := d.notify(ctx, req)
	outcome := "sent"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
	default:
		outcome = "failed"
	}
	d.metrics.AuthNotifications.WithLabelValues(string(req.Action), outcome).Inc()

	if err != nil {
		d.logger.Warn("auth notification failed",
			"action", string(req.Action),
			"outcome", outcome,
			"connection_id", req.ConnectionID,
			"identity", req.Key(),
			"error", err)
		return
	}
	d.logger.Debug("auth notification sent", "action", string(req.Action), "connection_id", req.ConnectionID)
}

func (d *Dispatcher) notify(ctx context.Context, req *AuthRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return d.notifier.Notify(ctx, req)
}
