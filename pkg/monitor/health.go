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

// Package monitor provides health checking for the brokerguard service:
// registry consistency, backing store reachability and queue backlogs.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	defaultCheckTimeout = 2 * time.Second
)

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

type healthCheck struct {
	fn          CheckFunc
	critical    bool
	lastChecked time.Time
	lastError   error
}

// HealthChecker runs registered checks and keeps the last result.
type HealthChecker struct {
	mu sync.RWMutex

	healthy   bool
	lastCheck time.Time
	checks    map[string]*healthCheck

	node      string
	version   string
	startedAt time.Time
	timeout   time.Duration
	logger    *slog.Logger
}

// HealthStatus is the overall health report.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult is the result of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
}

// Option configures a HealthChecker.
type Option func(*HealthChecker)

func WithNode(node string) Option {
	return func(hc *HealthChecker) { hc.node = node }
}

func WithVersion(v string) Option {
	return func(hc *HealthChecker) { hc.version = v }
}

// WithCheckTimeout bounds each check.
func WithCheckTimeout(d time.Duration) Option {
	return func(hc *HealthChecker) {
		if d > 0 {
			hc.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(hc *HealthChecker) {
		if l != nil {
			hc.logger = l
		}
	}
}

// NewHealthChecker creates a checker with a goroutine sanity check.
func NewHealthChecker(opts ...Option) *HealthChecker {
	hc := &HealthChecker{
		healthy:   true,
		lastCheck: time.Now(),
		checks:    make(map[string]*healthCheck),
		version:   "dev",
		startedAt: time.Now(),
		timeout:   defaultCheckTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(hc)
	}
	hc.logger = hc.logger.With("component", "health")

	hc.RegisterCheck("goroutines", func(context.Context) error {
		if n := runtime.NumGoroutine(); n > 100000 {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck adds or replaces a check. A failing critical check makes the
// service unhealthy.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &healthCheck{fn: fn, critical: critical}
}

func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks executes all checks and records the results.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	now := time.Now()
	hc.lastCheck = now
	healthy := true

	for name, check := range hc.checks {
		cctx, cancel := context.WithTimeout(ctx, hc.timeout)
		start := time.Now()
		err := check.fn(cctx)
		cancel()

		if d := time.Since(start); d > time.Second {
			hc.logger.Warn("slow health check", "check", name, "duration", d)
		}
		check.lastChecked = now
		check.lastError = err
		if err != nil && check.critical {
			healthy = false
			hc.logger.Warn("critical health check failed", "check", name, "error", err)
		}
	}
	hc.healthy = healthy
	return hc.statusLocked()
}

// GetStatus returns the last recorded status without running checks.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.statusLocked()
}

func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

func (hc *HealthChecker) statusLocked() HealthStatus {
	results := make(map[string]CheckResult, len(hc.checks))
	for name, check := range hc.checks {
		res := CheckResult{Status: "unknown", LastChecked: check.lastChecked, Critical: check.critical}
		if !check.lastChecked.IsZero() {
			res.Status = "passed"
			if check.lastError != nil {
				res.Status = "failed"
				res.Message = check.lastError.Error()
			}
		}
		results[name] = res
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := StatusHealthy
	if !hc.healthy {
		status = StatusUnhealthy
	}
	return HealthStatus{
		Status:    status,
		Timestamp: hc.lastCheck,
		Uptime:    int64(time.Since(hc.startedAt).Seconds()),
		Version:   hc.version,
		Node:      hc.node,
		Checks:    results,
		SystemInfo: SystemInfo{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  mem.HeapAlloc,
			NumGC:      mem.NumGC,
			GoVersion:  runtime.Version(),
		},
	}
}

// Failing returns the names of checks whose last run failed, sorted.
func (hc *HealthChecker) Failing() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	var names []string
	for name, check := range hc.checks {
		if check.lastError != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RunPeriodic runs the checks every interval until ctx is done.
func (hc *HealthChecker) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hc.RunChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}

// HealthServer exposes the checker over HTTP.
type HealthServer struct {
	checker *HealthChecker
}

func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// Handlers returns the health routes keyed by path, for mounting next to
// the metrics endpoint.
func (hs *HealthServer) Handlers() map[string]http.Handler {
	return map[string]http.Handler{
		"/healthz":          http.HandlerFunc(hs.handleHealth),
		"/healthz/live":     http.HandlerFunc(hs.handleLiveness),
		"/healthz/ready":    http.HandlerFunc(hs.handleReadiness),
		"/healthz/detailed": http.HandlerFunc(hs.handleDetailedHealth),
	}
}

// RegisterRoutes registers the health routes on mux.
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	for path, h := range hs.Handlers() {
		mux.Handle(path, h)
	}
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code, status := http.StatusOK, "ok"
	if !hs.checker.IsHealthy() {
		code, status = http.StatusServiceUnavailable, StatusUnhealthy
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"time":    time.Now().Format(time.RFC3339),
		"failing": hs.checker.Failing(),
	})
}

func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable"))
}

func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := hs.checker.RunChecks(r.Context())
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
