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

// Package disconnect executes forced-disconnect commands on a single
// supervised consumer so that their effects on live connections never race
// with each other.
package disconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/turtacn/brokerguard/pkg/actor"
	"github.com/turtacn/brokerguard/pkg/metrics"
	"github.com/turtacn/brokerguard/pkg/session"
	"github.com/turtacn/brokerguard/pkg/supervisor"
)

// ErrProcessorStopped is returned by Enqueue after Stop.
var ErrProcessorStopped = errors.New("disconnect processor stopped")

// ActorID names the consumer in logs and the supervisor restart metric.
const ActorID = "disconnect-processor"

// Broker is the host broker's outbound surface.
type Broker interface {
	ListLiveConnections() []string
	Disconnect(connectionID string, graceful bool) error
}

// SessionLookup resolves a live connection to its session.
type SessionLookup interface {
	Peek(connectionID string) (*session.SessionContext, bool)
}

// Result is the outcome of one command.
type Result struct {
	Command Command
	Closed  int
	Err     error
}

// Processor is a FIFO queue of commands drained by one consumer actor.
type Processor struct {
	broker   Broker
	lookup   SessionLookup
	graceful bool
	observer func(Result)
	logger   *slog.Logger
	metrics  *metrics.Metrics
	supOpts  []supervisor.Option

	mailbox *actor.Mailbox
	drained chan struct{}
	once    sync.Once

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	sup     *supervisor.OneForOneSupervisor
}

// Option configures a Processor.
type Option func(*Processor)

// WithGraceful selects graceful (protocol-level) disconnects.
func WithGraceful(graceful bool) Option {
	return func(p *Processor) { p.graceful = graceful }
}

// WithObserver receives every Result on the consumer goroutine.
func WithObserver(fn func(Result)) Option {
	return func(p *Processor) { p.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSupervisorOptions passes options to the consumer's supervisor.
func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(p *Processor) { p.supOpts = append(p.supOpts, opts...) }
}

// NewProcessor creates a processor. Commands may be enqueued before Start.
func NewProcessor(broker Broker, lookup SessionLookup, opts ...Option) *Processor {
	p := &Processor{
		broker:   broker,
		lookup:   lookup,
		graceful: true,
		logger:   slog.Default(),
		mailbox:  actor.NewMailbox(64),
		drained:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New(nil)
	}
	p.logger = p.logger.With("component", ActorID)
	return p
}

// Start runs the consumer under a one-for-one supervisor with a permanent
// restart strategy. Queued commands survive a consumer crash.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrProcessorStopped
	}
	if p.sup != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	opts := append([]supervisor.Option{
		supervisor.WithLogger(p.logger),
		supervisor.WithMetrics(p.metrics),
	}, p.supOpts...)
	p.sup = supervisor.NewOneForOneSupervisor(opts...)
	p.cancel = cancel
	return p.sup.Start(ctx, []supervisor.Spec{{
		ID:      ActorID,
		Actor:   consumer{p},
		Restart: supervisor.RestartPermanent,
		Mailbox: p.mailbox,
	}})
}

// Enqueue appends cmd to the queue. It never blocks.
func (p *Processor) Enqueue(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if !p.mailbox.Send(cmd) {
		return ErrProcessorStopped
	}
	p.metrics.DisconnectCommandsEnqueued.WithLabelValues(cmd.Kind()).Inc()
	p.metrics.ProcessorQueueDepth.Set(float64(p.mailbox.Len()))
	p.logger.Debug("disconnect command enqueued", "command", cmd.String())
	return nil
}

// Len returns the number of queued commands.
func (p *Processor) Len() int {
	return p.mailbox.Len()
}

// Stop rejects new commands, waits for the queue to drain or ctx to end, and
// stops the consumer.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mailbox.Close()
	sup, cancel := p.sup, p.cancel
	p.mu.Unlock()

	if sup == nil {
		return nil
	}

	var err error
	select {
	case <-p.drained:
	case <-ctx.Done():
		err = fmt.Errorf("disconnect queue not drained: %w", ctx.Err())
	}
	cancel()
	sup.Wait()
	return err
}

// consumer is the supervised actor draining the mailbox.
type consumer struct {
	p *Processor
}

func (c consumer) Start(ctx context.Context, mb *actor.Mailbox) error {
	p := c.p
	for {
		msg, err := mb.Receive(ctx)
		if errors.Is(err, actor.ErrMailboxClosed) {
			p.once.Do(func() { close(p.drained) })
			<-ctx.Done()
			return nil
		}
		if err != nil {
			return nil
		}
		p.metrics.ProcessorQueueDepth.Set(float64(mb.Len()))

		cmd, ok := msg.(Command)
		if !ok {
			p.logger.Error("unexpected message in disconnect queue", "type", fmt.Sprintf("%T", msg))
			continue
		}
		p.report(p.execute(cmd))
	}
}

func (p *Processor) execute(cmd Command) Result {
	if cmd.Kind() == KindConnection {
		return p.closeConnection(cmd)
	}
	return p.closeIdentity(cmd)
}

func (p *Processor) closeConnection(cmd Command) Result {
	res := Result{Command: cmd}
	live := false
	for _, id := range p.broker.ListLiveConnections() {
		if id == cmd.ConnectionID {
			live = true
			break
		}
	}
	if !live {
		return res
	}
	if err := p.broker.Disconnect(cmd.ConnectionID, p.graceful); err != nil {
		res.Err = fmt.Errorf("disconnect %s: %w", cmd.ConnectionID, err)
		return res
	}
	res.Closed = 1
	return res
}

func (p *Processor) closeIdentity(cmd Command) Result {
	res := Result{Command: cmd}
	want := cmd.Identity()

	var matches []string
	for _, id := range p.broker.ListLiveConnections() {
		sc, ok := p.lookup.Peek(id)
		if !ok || sc.Internal || sc.Identity() != want {
			continue
		}
		matches = append(matches, id)
	}
	if len(matches) > 1 {
		p.metrics.InvariantViolations.Inc()
		p.logger.Error("multiple live sessions for one identity",
			"identity", want.String(), "connections", matches)
	}

	var errs []error
	for _, id := range matches {
		if err := p.broker.Disconnect(id, p.graceful); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", id, err))
			continue
		}
		res.Closed++
	}
	res.Err = errors.Join(errs...)
	return res
}

func (p *Processor) report(res Result) {
	kind := res.Command.Kind()
	switch {
	case res.Err != nil:
		p.metrics.DisconnectCommandsExecuted.WithLabelValues(kind, "error").Inc()
		p.logger.Warn("disconnect command failed", "command", res.Command.String(), "closed", res.Closed, "error", res.Err)
	case res.Closed == 0:
		p.metrics.DisconnectCommandsExecuted.WithLabelValues(kind, "no_match").Inc()
		p.logger.Debug("disconnect command matched nothing", "command", res.Command.String())
	default:
		p.metrics.DisconnectCommandsExecuted.WithLabelValues(kind, "closed").Inc()
		p.logger.Info("connections force-closed", "command", res.Command.String(), "closed", res.Closed)
	}
	p.metrics.ConnectionsForceClosed.Add(float64(res.Closed))

	if p.observer != nil {
		p.observer(res)
	}
}
