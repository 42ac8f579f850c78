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

// Package lifecycle drives the per-connection state machine: it binds
// sessions into the registry, resolves stealing-link takeovers and reports
// terminal disconnects to the authorization service exactly once.
package lifecycle

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/turtacn/brokerguard/pkg/authsvc"
	"github.com/turtacn/brokerguard/pkg/disconnect"
	"github.com/turtacn/brokerguard/pkg/metrics"
	"github.com/turtacn/brokerguard/pkg/session"
)

// ErrConnectionTerminated is returned by BindSession for a connection that
// has already reached a terminal state.
var ErrConnectionTerminated = errors.New("connection already terminated")

// DefaultTerminalStateTTL is how long a terminal state is remembered.
const DefaultTerminalStateTTL = time.Minute

// Callbacks is the set of connection events a host broker reports.
type Callbacks interface {
	OnConnectionCreated(connectionID string)
	OnConnectionClosed(connectionID string)
	OnConnectionFailed(connectionID string, err error)
	OnConnectionDestroyed(connectionID string)
	OnConsumerCreated(connectionID string)
}

// AuthSink accepts audit notifications without blocking.
type AuthSink interface {
	Submit(req *authsvc.AuthRequest) error
}

// CommandQueue accepts disconnect commands without blocking.
type CommandQueue interface {
	Enqueue(cmd disconnect.Command) error
}

// Config carries the broker identity stamped on notifications and the
// takeover policy.
type Config struct {
	ClusterName string
	BrokerHost  string
	// NotifyConnect sends a brokerConnect request when a session is bound.
	NotifyConnect bool
	// ForceCloseStolen enqueues a disconnect for a connection evicted by a
	// stealing link.
	ForceCloseStolen bool
	TerminalStateTTL time.Duration
}

type connState struct {
	state    State
	since    time.Time
	stolenBy string
	expiry   *time.Timer
}

// Controller implements Callbacks on top of a session registry.
type Controller struct {
	cfg      Config
	registry *session.Registry
	auth     AuthSink
	commands CommandQueue
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*connState
}

var _ Callbacks = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithCommandQueue sets where stealing-link force-closes are sent.
func WithCommandQueue(q CommandQueue) Option {
	return func(c *Controller) { c.commands = q }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewController creates a controller.
func NewController(cfg Config, registry *session.Registry, auth AuthSink, opts ...Option) *Controller {
	if cfg.TerminalStateTTL <= 0 {
		cfg.TerminalStateTTL = DefaultTerminalStateTTL
	}
	c := &Controller{
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		logger:   slog.Default(),
		now:      time.Now,
		states:   make(map[string]*connState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	c.logger = c.logger.With("component", "lifecycle")
	return c
}

// State returns the recorded state of a connection.
func (c *Controller) State(connectionID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[connectionID]
	if !ok {
		return 0, false
	}
	return st.state, true
}

// OnConnectionCreated records a new connection in the connecting state.
func (c *Controller) OnConnectionCreated(connectionID string) {
	c.mu.Lock()
	if st, ok := c.states[connectionID]; ok && st.expiry != nil {
		st.expiry.Stop()
	}
	c.states[connectionID] = &connState{state: StateConnecting, since: c.now()}
	c.mu.Unlock()

	c.metrics.ConnectionsCreated.Inc()
	c.logger.Debug("connection created", "connection_id", connectionID)
}

// OnConsumerCreated only counts.
func (c *Controller) OnConsumerCreated(connectionID string) {
	c.metrics.ConsumersCreated.Inc()
	c.logger.Debug("consumer created", "connection_id", connectionID)
}

// BindSession registers sc and moves its connection to connected. A
// displaced session (stealing link) is reported and, if configured, queued
// for a forced close; it is also returned.
func (c *Controller) BindSession(sc *session.SessionContext) (*session.SessionContext, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return c.bind(sc, func() (*session.SessionContext, error) { return c.registry.Put(sc) })
}

// OnStealingLink swaps sc in for whatever session holds its identity and
// returns the previous one.
func (c *Controller) OnStealingLink(sc *session.SessionContext) (*session.SessionContext, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return c.bind(sc, func() (*session.SessionContext, error) { return c.registry.Replace(sc.Identity(), sc) })
}

func (c *Controller) bind(sc *session.SessionContext, register func() (*session.SessionContext, error)) (*session.SessionContext, error) {
	connID := sc.ConnectionID

	c.mu.Lock()
	st, ok := c.states[connID]
	if ok && st.state.Terminal() {
		c.mu.Unlock()
		return nil, ErrConnectionTerminated
	}
	if !ok {
		st = &connState{}
		c.states[connID] = st
	}
	st.state = StateConnected
	st.since = c.now()
	c.mu.Unlock()

	evicted, err := register()
	if err != nil {
		return nil, err
	}
	c.metrics.SessionsBound.Inc()
	c.logger.Info("session bound",
		"connection_id", connID,
		"identity", sc.Identity().String(),
		"internal", sc.Internal)

	if c.cfg.NotifyConnect && !sc.Internal {
		c.submit(c.request(authsvc.ActionConnect, sc))
	}
	if evicted != nil {
		c.handleStolen(evicted, sc)
	}

	// A terminal callback may have run between the state change and the
	// registry insert and found nothing to remove.
	c.mu.Lock()
	terminal, reason := st.state.Terminal(), st.state
	c.mu.Unlock()
	if terminal {
		c.cleanup(connID, reason, nil, true)
	}
	return evicted, nil
}

func (c *Controller) handleStolen(old, by *session.SessionContext) {
	c.mu.Lock()
	if st, ok := c.states[old.ConnectionID]; ok && !st.state.Terminal() {
		st.stolenBy = by.ConnectionID
	}
	c.mu.Unlock()

	c.logger.Info("stealing link",
		"identity", old.Identity().String(),
		"connection_id", old.ConnectionID,
		"stolen_by", by.ConnectionID)

	if cause := suppression(old); cause != "" {
		c.metrics.SuppressedDisconnects.WithLabelValues(cause).Inc()
	} else {
		req := c.request(authsvc.ActionDisconnect, old)
		req.ErrorCode = authsvc.ErrorCodeStealingLink
		req.StolenByConnectionID = by.ConnectionID
		c.submit(req)
	}

	if c.cfg.ForceCloseStolen && c.commands != nil {
		if err := c.commands.Enqueue(disconnect.ByConnection(old.ConnectionID)); err != nil {
			c.logger.Warn("cannot enqueue close of stolen connection", "connection_id", old.ConnectionID, "error", err)
		}
	}
}

// OnConnectionClosed handles a normal close.
func (c *Controller) OnConnectionClosed(connectionID string) {
	c.onTerminal(connectionID, StateClosed, nil)
}

// OnConnectionFailed handles an abnormal termination.
func (c *Controller) OnConnectionFailed(connectionID string, err error) {
	c.onTerminal(connectionID, StateFailed, err)
}

// OnConnectionDestroyed handles a forced close by the broker or an
// administrator.
func (c *Controller) OnConnectionDestroyed(connectionID string) {
	c.onTerminal(connectionID, StateDestroyed, nil)
}

func (c *Controller) onTerminal(connectionID string, reason State, cause error) {
	c.mu.Lock()
	st, ok := c.states[connectionID]
	if ok && st.state.Terminal() {
		prev := st.state
		c.mu.Unlock()
		c.logger.Debug("ignoring repeated terminal callback",
			"connection_id", connectionID, "state", prev.String(), "reason", reason.String())
		return
	}
	if !ok {
		st = &connState{}
		c.states[connectionID] = st
	}
	st.state = reason
	st.since = c.now()
	stolen := st.stolenBy != ""
	st.expiry = time.AfterFunc(c.cfg.TerminalStateTTL, func() { c.forget(connectionID, st) })
	c.mu.Unlock()

	c.metrics.TerminalTransitions.WithLabelValues(reason.String()).Inc()
	c.cleanup(connectionID, reason, cause, stolen)
}

// cleanup removes the session and sends its disconnect notification. quiet
// suppresses the lookup-miss warning for connections whose session is known
// to be gone already.
func (c *Controller) cleanup(connectionID string, reason State, cause error, quiet bool) {
	sc, ok := c.registry.Remove(connectionID)
	if !ok {
		if quiet {
			c.logger.Debug("no session to clean up", "connection_id", connectionID, "reason", reason.String())
			return
		}
		c.metrics.CleanupNullSession.Inc()
		c.logger.Warn("cleanup found no session context",
			"connection_id", connectionID, "reason", reason.String())
		return
	}

	code := ClassifyError(reason, cause)
	c.logger.Info("session terminated",
		"connection_id", connectionID,
		"identity", sc.Identity().String(),
		"reason", reason.String(),
		"error_code", code,
		"error", cause)

	if s := suppression(sc); s != "" {
		c.metrics.SuppressedDisconnects.WithLabelValues(s).Inc()
		return
	}
	req := c.request(authsvc.ActionDisconnect, sc)
	req.ErrorCode = code
	c.submit(req)
}

func (c *Controller) forget(connectionID string, st *connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.states[connectionID]; ok && cur == st {
		delete(c.states, connectionID)
	}
}

// Close stops pending tombstone timers.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.states {
		if st.expiry != nil {
			st.expiry.Stop()
		}
	}
}

func (c *Controller) request(action authsvc.Action, sc *session.SessionContext) *authsvc.AuthRequest {
	req := authsvc.NewRequest(action)
	req.ClusterName = c.cfg.ClusterName
	req.BrokerHost = c.cfg.BrokerHost
	req.ScopeID = sc.ScopeID
	req.ClientID = sc.ClientID
	req.AccountName = sc.AccountName
	req.Username = sc.Username
	req.ClientIP = sc.ClientIP
	req.ConnectionID = sc.ConnectionID
	req.ConnectorName = sc.ConnectorName
	return req
}

func (c *Controller) submit(req *authsvc.AuthRequest) {
	if c.auth == nil {
		return
	}
	if err := c.auth.Submit(req); err != nil {
		c.logger.Warn("auth notification not queued",
			"action", string(req.Action), "connection_id", req.ConnectionID, "error", err)
	}
}

func suppression(sc *session.SessionContext) string {
	switch {
	case sc.Internal:
		return "internal"
	case sc.Missing():
		return "missing"
	default:
		return ""
	}
}
