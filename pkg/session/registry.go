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

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/turtacn/brokerguard/pkg/metrics"
	"github.com/turtacn/brokerguard/pkg/storage"
)

const (
	// DefaultShards is the shard count used when none is configured.
	DefaultShards = 32
	// DefaultCacheTTL bounds how long a connection snapshot stays reconstructable.
	DefaultCacheTTL = 10 * time.Minute

	cacheTimeout = 500 * time.Millisecond
)

// shard owns both indices for the identities hashed to it. Every mutation of
// either map, and of the route entries pointing at this shard, happens under mu.
type shard struct {
	mu         sync.RWMutex
	byConn     map[string]*SessionContext
	byIdentity map[ClientIdentity]*SessionContext
}

// Registry is the in-memory map from connection id and from client identity
// to session context.
//
// Identities are spread over shards by hash, so lookups and mutations for
// unrelated identities never contend. A connection's shard is recorded in a
// routing table that is only written while the owning shard is locked; a
// lookup by connection id therefore resolves the shard and then reads both
// indices under the same lock.
//
// Internal sessions are indexed by connection id only and never take part in
// stealing-link resolution.
type Registry struct {
	shards []*shard
	routes sync.Map // connection id -> shard index (int)

	cache    storage.Store
	cacheTTL time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithShards sets the number of shards. Values below 1 are ignored.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*shard, n)
		}
	}
}

// WithCache enables the connection-scoped cache fallback.
func WithCache(store storage.Store, ttl time.Duration) Option {
	return func(r *Registry) {
		r.cache = store
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics handle.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		shards:   make([]*shard, DefaultShards),
		cacheTTL: DefaultCacheTTL,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	r.logger = r.logger.With("component", "session-registry")
	for i := range r.shards {
		r.shards[i] = &shard{
			byConn:     make(map[string]*SessionContext),
			byIdentity: make(map[ClientIdentity]*SessionContext),
		}
	}
	return r
}

func (r *Registry) shardIndex(k ClientIdentity) int {
	h := xxhash.New()
	_, _ = h.WriteString(k.ScopeID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.ClientID)
	return int(h.Sum64() % uint64(len(r.shards)))
}

func (r *Registry) route(connectionID string) (int, bool) {
	v, ok := r.routes.Load(connectionID)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// Put registers sc. If another non-internal connection currently holds the
// same identity, that context is evicted from both indices and returned; this
// is the stealing-link case and the caller owns the follow-up.
func (r *Registry) Put(sc *SessionContext) (*SessionContext, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return r.replace(sc.Identity(), sc)
}

// Replace swaps sc in as the session for identity and returns the context it
// displaced, if any. sc must carry identity.
func (r *Registry) Replace(identity ClientIdentity, sc *SessionContext) (*SessionContext, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if sc.Identity() != identity {
		return nil, fmt.Errorf("%w: registering %s under %s", ErrIdentityMismatch, sc.Identity(), identity)
	}
	return r.replace(identity, sc)
}

func (r *Registry) replace(identity ClientIdentity, sc *SessionContext) (*SessionContext, error) {
	idx := r.shardIndex(identity)
	s := r.shards[idx]

	s.mu.Lock()
	if prev, ok := r.route(sc.ConnectionID); ok && prev != idx {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionRebound, sc.ConnectionID)
	}
	if cur, ok := s.byConn[sc.ConnectionID]; ok && cur.Identity() != identity {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionRebound, sc.ConnectionID)
	}

	refreshed := false
	if cur, ok := s.byConn[sc.ConnectionID]; ok {
		refreshed = true
		if cur.Missing() {
			sc.MarkMissing()
		}
	}

	var evicted *SessionContext
	if !sc.Internal {
		if cur, ok := s.byIdentity[identity]; ok && cur.ConnectionID != sc.ConnectionID {
			evicted = cur
			delete(s.byConn, cur.ConnectionID)
			r.routes.Delete(cur.ConnectionID)
		}
		s.byIdentity[identity] = sc
	}
	r.routes.Store(sc.ConnectionID, idx)
	s.byConn[sc.ConnectionID] = sc
	s.mu.Unlock()

	if !refreshed {
		r.metrics.ActiveSessions.Inc()
	}
	if evicted != nil {
		r.metrics.ActiveSessions.Dec()
		r.metrics.StealingLinks.Inc()
		r.logger.Info("stealing link: session evicted by newer connection",
			"identity", identity.String(),
			"evicted_connection_id", evicted.ConnectionID,
			"connection_id", sc.ConnectionID)
	}

	r.writeSnapshot(sc)
	return evicted, nil
}

// Remove deletes the context bound to connectionID from both indices and
// returns it. The second return is false when nothing was registered; this
// makes removal exactly-once under concurrent terminal callbacks.
//
// The cached snapshot is dropped as well, including for a connection that
// was already evicted by a stealing link, so an ended connection can no
// longer be reconstructed.
func (r *Registry) Remove(connectionID string) (*SessionContext, bool) {
	defer r.deleteSnapshot(connectionID)

	idx, ok := r.route(connectionID)
	if !ok {
		return nil, false
	}
	s := r.shards[idx]

	s.mu.Lock()
	sc, ok := s.byConn[connectionID]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	delete(s.byConn, connectionID)
	if !sc.Internal {
		if cur, ok := s.byIdentity[sc.Identity()]; ok && cur == sc {
			delete(s.byIdentity, sc.Identity())
		}
	}
	r.routes.Delete(connectionID)
	s.mu.Unlock()

	r.metrics.ActiveSessions.Dec()
	return sc, true
}

// Peek returns the live context for connectionID without consulting the
// cache.
func (r *Registry) Peek(connectionID string) (*SessionContext, bool) {
	idx, ok := r.route(connectionID)
	if !ok {
		return nil, false
	}
	s := r.shards[idx]
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.byConn[connectionID]
	return sc, ok
}

// GetByConnectionID returns the context for connectionID. When the live entry
// is gone it falls back to the connection-scoped cache and returns a
// reconstructed, unregistered copy.
func (r *Registry) GetByConnectionID(ctx context.Context, connectionID string) (*SessionContext, bool) {
	if sc, ok := r.Peek(connectionID); ok {
		return sc, true
	}
	if r.cache == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	b, err := r.cache.Get(ctx, connectionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("session cache lookup failed", "connection_id", connectionID, "error", err)
		}
		return nil, false
	}
	sc, err := unmarshalSnapshot(b)
	if err != nil {
		r.logger.Warn("discarding unreadable session snapshot", "connection_id", connectionID, "error", err)
		return nil, false
	}
	r.logger.Debug("session context reconstructed from cache", "connection_id", connectionID)
	return sc, true
}

// GetByClientIdentity returns the active non-internal context for identity.
func (r *Registry) GetByClientIdentity(identity ClientIdentity) (*SessionContext, bool) {
	s := r.shards[r.shardIndex(identity)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.byIdentity[identity]
	return sc, ok
}

// Len returns the number of registered contexts.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.byConn)
		s.mu.RUnlock()
	}
	return n
}

// Range calls fn for every registered context until fn returns false. Each
// shard is copied under its read lock and fn runs without any lock held.
func (r *Registry) Range(fn func(*SessionContext) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		batch := make([]*SessionContext, 0, len(s.byConn))
		for _, sc := range s.byConn {
			batch = append(batch, sc)
		}
		s.mu.RUnlock()
		for _, sc := range batch {
			if !fn(sc) {
				return
			}
		}
	}
}

// CheckConsistency verifies, shard by shard, that the connection index, the
// identity index and the routing table agree.
func (r *Registry) CheckConsistency() error {
	var errs []error
	for i, s := range r.shards {
		s.mu.RLock()
		for id, sc := range s.byIdentity {
			if sc.Internal {
				errs = append(errs, fmt.Errorf("shard %d: internal session %s in identity index", i, sc.ConnectionID))
			}
			if sc.Identity() != id {
				errs = append(errs, fmt.Errorf("shard %d: identity %s maps to session of %s", i, id, sc.Identity()))
			}
			if byConn, ok := s.byConn[sc.ConnectionID]; !ok || byConn != sc {
				errs = append(errs, fmt.Errorf("shard %d: identity %s current session %s missing from connection index", i, id, sc.ConnectionID))
			}
		}
		for connID, sc := range s.byConn {
			if idx, ok := r.route(connID); !ok || idx != i {
				errs = append(errs, fmt.Errorf("shard %d: connection %s has no route", i, connID))
			}
			if sc.Internal {
				continue
			}
			if cur, ok := s.byIdentity[sc.Identity()]; !ok || cur != sc {
				errs = append(errs, fmt.Errorf("shard %d: connection %s is not current for %s", i, connID, sc.Identity()))
			}
		}
		s.mu.RUnlock()
	}
	return errors.Join(errs...)
}

func (r *Registry) writeSnapshot(sc *SessionContext) {
	if r.cache == nil {
		return
	}
	b, err := marshalSnapshot(sc)
	if err != nil {
		r.logger.Warn("cannot encode session snapshot", "connection_id", sc.ConnectionID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := r.cache.Set(ctx, sc.ConnectionID, b, r.cacheTTL); err != nil {
		r.logger.Warn("cannot cache session snapshot", "connection_id", sc.ConnectionID, "error", err)
	}
}

func (r *Registry) deleteSnapshot(connectionID string) {
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := r.cache.Delete(ctx, connectionID); err != nil {
		r.logger.Warn("cannot drop session snapshot", "connection_id", connectionID, "error", err)
	}
}
