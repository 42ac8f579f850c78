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

// package supervisor provides an OTP-style supervisor for managing the
// lifecycle of concurrent actors.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turtacn/brokerguard/pkg/actor"
	"github.com/turtacn/brokerguard/pkg/metrics"
)

// ErrNoSpecs is returned by Start when called without children.
var ErrNoSpecs = errors.New("no child specs provided")

// DefaultRestartDelay is the pause between a child terminating and its restart.
const DefaultRestartDelay = time.Second

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

func (s RestartStrategy) String() string {
	switch s {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("RestartStrategy(%d)", int(s))
	}
}

// Spec defines the specification for a child actor process managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging and
	// the restart metric.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// Mailbox is handed to every incarnation of the actor, so queued messages
	// outlive a crash.
	Mailbox *actor.Mailbox
	// startFunc is an optional function for starting the actor, useful for testing.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every supervised child has stopped for good.
	Wait()
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	restartDelay time.Duration
	wg           sync.WaitGroup
}

// Option configures a OneForOneSupervisor.
type Option func(*OneForOneSupervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *OneForOneSupervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics handle used for the restart counter.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *OneForOneSupervisor) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithRestartDelay overrides DefaultRestartDelay.
func WithRestartDelay(d time.Duration) Option {
	return func(s *OneForOneSupervisor) {
		if d >= 0 {
			s.restartDelay = d
		}
	}
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(opts ...Option) *OneForOneSupervisor {
	s := &OneForOneSupervisor{
		logger:       slog.Default(),
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(childCtx, cancel, spec)
	}()
}

// Wait blocks until all children have exited and will not be restarted.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild runs one child until it stops for good, applying its restart
// strategy after each termination or panic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()
	log := s.logger.With("actor_id", spec.ID, "restart", spec.Restart.String())

	for {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
				}
			}()
			err = s.startActor(ctx, spec)
		}()

		if ctx.Err() != nil {
			log.Debug("actor stopped with supervisor", "error", err)
			return
		}
		if err != nil {
			log.Error("actor terminated abnormally", "error", err)
		} else {
			log.Info("actor terminated")
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		case RestartTemporary:
		}
		if !shouldRestart {
			log.Info("actor will not be restarted")
			return
		}

		s.metrics.SupervisorRestarts.WithLabelValues(spec.ID).Inc()
		log.Warn("restarting actor", "delay", s.restartDelay)

		timer := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) error {
	s.logger.Debug("starting actor", "actor_id", spec.ID)
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
