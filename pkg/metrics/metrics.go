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

// package metrics provides the Prometheus metrics handle shared by the
// session, lifecycle and disconnect components.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "brokerguard"

// Metrics holds every collector used by the subsystem. A single instance is
// built at startup and passed to each component.
type Metrics struct {
	ConnectionsCreated  prometheus.Counter
	ConsumersCreated    prometheus.Counter
	SessionsBound       prometheus.Counter
	ActiveSessions      prometheus.Gauge
	StealingLinks       prometheus.Counter
	InvariantViolations prometheus.Counter

	// CleanupNullSession counts terminal callbacks that found no session.
	CleanupNullSession    prometheus.Counter
	TerminalTransitions   *prometheus.CounterVec
	SuppressedDisconnects *prometheus.CounterVec

	AuthNotifications *prometheus.CounterVec

	MessagesEnriched   *prometheus.CounterVec
	EnrichmentFailures prometheus.Counter
	OversizedMessages  prometheus.Counter

	DisconnectCommandsEnqueued *prometheus.CounterVec
	DisconnectCommandsExecuted *prometheus.CounterVec
	ConnectionsForceClosed     prometheus.Counter
	ProcessorQueueDepth        prometheus.Gauge

	DeviceEvents *prometheus.CounterVec

	SupervisorRestarts *prometheus.CounterVec
}

// New registers all collectors with reg. A nil reg uses a fresh private
// registry, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "The total number of transport connections reported by the broker.",
		}),
		ConsumersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_created_total",
			Help:      "The total number of consumers (subscriptions) created.",
		}),
		SessionsBound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_bound_total",
			Help:      "The total number of session contexts bound to a connection.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "The number of session contexts currently registered.",
		}),
		StealingLinks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stealing_links_total",
			Help:      "The total number of sessions evicted by a newer connection for the same client identity.",
		}),
		InvariantViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_invariant_violations_total",
			Help:      "The total number of duplicate live sessions found for one client identity.",
		}),
		CleanupNullSession: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_null_session_total",
			Help:      "The total number of terminal callbacks that found no session context.",
		}),
		TerminalTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_transitions_total",
			Help:      "The total number of connections reaching a terminal state.",
		}, []string{"reason"}),
		SuppressedDisconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_disconnect_notifications_total",
			Help:      "The total number of disconnect notifications skipped for missing or internal sessions.",
		}, []string{"cause"}),
		AuthNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_notifications_total",
			Help:      "The total number of authorization-service notifications by action and outcome.",
		}, []string{"action", "outcome"}),
		MessagesEnriched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enriched_total",
			Help:      "The total number of messages stamped with session metadata.",
		}, []string{"class"}),
		EnrichmentFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_failures_total",
			Help:      "The total number of messages whose session context could not be resolved.",
		}),
		OversizedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oversized_messages_total",
			Help:      "The total number of messages above the size log threshold.",
		}),
		DisconnectCommandsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnect_commands_enqueued_total",
			Help:      "The total number of disconnect commands enqueued.",
		}, []string{"kind"}),
		DisconnectCommandsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnect_commands_executed_total",
			Help:      "The total number of disconnect commands executed.",
		}, []string{"kind", "outcome"}),
		ConnectionsForceClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_force_closed_total",
			Help:      "The total number of connections closed by disconnect commands.",
		}),
		ProcessorQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "disconnect_queue_depth",
			Help:      "The number of disconnect commands waiting to be executed.",
		}),
		DeviceEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "The total number of device-registry events received by outcome.",
		}, []string{"outcome"}),
		SupervisorRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_restarts_total",
			Help:      "The total number of times a supervised actor has been restarted.",
		}, []string{"actor_id"}),
	}
}

// NewHandler returns the /metrics handler for g.
func NewHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Server exposes metrics and any extra handlers on one HTTP listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds a server on addr. extra maps additional paths (such as
// /healthz) to handlers.
func NewServer(addr string, g prometheus.Gatherer, extra map[string]http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", NewHandler(g))
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Serve blocks until the server stops. It returns nil after Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("metrics server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
