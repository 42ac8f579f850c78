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

package enricher

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/brokerguard/pkg/metrics"
	"github.com/turtacn/brokerguard/pkg/session"
	"github.com/turtacn/brokerguard/pkg/storage"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		address string
		want    MessageClass
	}{
		{"active/foo", ClassBroker},
		{"activepolicy", ClassBroker},
		{"$SYS/stats", ClassSystem},
		{"$SYS", ClassSystem},
		{"$control/x", ClassControl},
		{"$EVENTS/device", ClassControl},
		{"sensor/temp", ClassTelemetry},
		{"acme/dev-1/active", ClassTelemetry},
		{"", ClassNA},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.address, DefaultInternalPrefix))
		})
	}
}

func TestClassify_EmptyPrefix(t *testing.T) {
	assert.Equal(t, ClassTelemetry, Classify("active/foo", ""))
}

type fixture struct {
	registry *session.Registry
	metrics  *metrics.Metrics
	tracker  *AddressTracker
	enricher *Enricher
	now      time.Time
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	f := &fixture{
		registry: session.NewRegistry(append(opts, session.WithMetrics(m))...),
		metrics:  m,
		tracker:  NewAddressTracker(),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.enricher = New(Config{SizeLogThreshold: 16, ConnectorName: "mqtt"}, f.registry,
		WithTracker(f.tracker), WithMetrics(m))
	f.enricher.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) bind(t *testing.T, conn, client string, internal bool) *session.SessionContext {
	t.Helper()
	sc := &session.SessionContext{
		ConnectionID:  conn,
		ScopeID:       "acme",
		ClientID:      client,
		ConnectorName: "mqtts",
		ClientIP:      "10.0.0.1",
		Internal:      internal,
		Token:         "tok-1",
		CreatedAt:     f.now,
	}
	_, err := f.registry.Put(sc)
	require.NoError(t, err)
	return sc
}

func TestEnrich_ExternalHeaders(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "c1", "dev-1", false)

	payload := []byte("21.5")
	msg := &Message{Address: "sensor/temp", Payload: payload}
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", msg))

	assert.Equal(t, map[string]string{
		HeaderScopeID:       "acme",
		HeaderClientID:      "dev-1",
		HeaderConnectorName: "mqtts",
		HeaderReceivedOn:    "2024-05-01T12:00:00Z",
		HeaderSessionToken:  "tok-1",
		HeaderMessageType:   "Telemetry",
		HeaderInternal:      "false",
		HeaderConnectionID:  "c1",
	}, msg.Headers)
	assert.Equal(t, []byte("21.5"), msg.Payload)

	at, ok := f.tracker.LastSeen("sensor/temp")
	require.True(t, ok)
	assert.True(t, at.Equal(f.now))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.MessagesEnriched.WithLabelValues("Telemetry")))
}

func TestEnrich_InternalOmitsConnectionID(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "int-1", "bridge", true)

	msg := &Message{Address: "active/policy", Headers: map[string]string{"x-custom": "kept"}}
	require.NoError(t, f.enricher.Enrich(context.Background(), "int-1", msg))

	assert.Equal(t, "true", msg.Headers[HeaderInternal])
	assert.Equal(t, "Broker", msg.Headers[HeaderMessageType])
	assert.NotContains(t, msg.Headers, HeaderConnectionID)
	assert.Equal(t, "kept", msg.Headers["x-custom"])
}

func TestEnrich_FallbackConnectorName(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Put(&session.SessionContext{ConnectionID: "c1", ScopeID: "acme", ClientID: "dev-1"})
	require.NoError(t, err)

	msg := &Message{Address: "sensor/temp"}
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", msg))
	assert.Equal(t, "mqtt", msg.Headers[HeaderConnectorName])
	assert.NotContains(t, msg.Headers, HeaderSessionToken)
}

func TestEnrich_UnknownConnection(t *testing.T) {
	f := newFixture(t)

	msg := &Message{Address: "sensor/temp"}
	err := f.enricher.Enrich(context.Background(), "ghost", msg)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Empty(t, msg.Headers)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EnrichmentFailures))
	assert.Equal(t, 0, f.tracker.Len())
}

func TestEnrich_CacheFallback(t *testing.T) {
	store := storage.NewMemStore()
	f := newFixture(t, session.WithCache(store, time.Minute))
	f.bind(t, "c1", "dev-1", false)
	// Another stealing connection evicts c1 from the live index.
	f.bind(t, "c2", "dev-1", false)

	msg := &Message{Address: "acme/dev-1/status"}
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", msg))
	assert.Equal(t, "dev-1", msg.Headers[HeaderClientID])
	assert.Equal(t, "c1", msg.Headers[HeaderConnectionID])

	// Once the connection ended nothing is left to resolve.
	f.registry.Remove("c1")
	err := f.enricher.Enrich(context.Background(), "c1", &Message{Address: "acme/dev-1/status"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestEnrich_MissingSuffixMarksSession(t *testing.T) {
	f := newFixture(t)
	sc := f.bind(t, "c1", "dev-1", false)

	msg := &Message{Address: "acme/dev-1/MQTT/MISSING"}
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", msg))
	assert.True(t, sc.Missing())

	// A second placeholder leaves the flag set.
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", &Message{Address: msg.Address}))
	assert.True(t, sc.Missing())

	other := f.bind(t, "c2", "dev-2", false)
	require.NoError(t, f.enricher.Enrich(context.Background(), "c2", &Message{Address: "acme/dev-2/MQTT/MISSING/x"}))
	assert.False(t, other.Missing())
}

func TestEnrich_Oversized(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "c1", "dev-1", false)

	big := []byte(strings.Repeat("x", 17))
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", &Message{Address: "sensor/blob", Payload: big}))
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", &Message{Address: "sensor/blob", Payload: big[:16]}))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OversizedMessages))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.MessagesEnriched.WithLabelValues("Telemetry")))
}

func TestEnrich_EmptyAddress(t *testing.T) {
	f := newFixture(t)
	f.bind(t, "c1", "dev-1", false)

	msg := &Message{}
	require.NoError(t, f.enricher.Enrich(context.Background(), "c1", msg))
	assert.Equal(t, "N/A", msg.Headers[HeaderMessageType])
	assert.Equal(t, 0, f.tracker.Len())
}

func TestAddressTracker(t *testing.T) {
	tr := NewAddressTracker()
	t0 := time.Unix(1000, 0)

	tr.Touch("a", t0)
	tr.Touch("a", t0.Add(-time.Second))
	at, ok := tr.LastSeen("a")
	require.True(t, ok)
	assert.True(t, at.Equal(t0), "older touches never move last-seen backwards")

	tr.Touch("b", t0.Add(time.Minute))
	assert.Equal(t, 2, tr.Len())

	assert.Equal(t, 1, tr.Prune(t0.Add(time.Second)))
	_, ok = tr.LastSeen("a")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Len())
}

func TestAddressTracker_RunPruner(t *testing.T) {
	tr := NewAddressTracker()
	tr.Touch("stale", time.Now().Add(-time.Hour))
	tr.Touch("fresh", time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.RunPruner(ctx, 10*time.Millisecond, time.Minute)
	}()

	assert.Eventually(t, func() bool { return tr.Len() == 1 }, time.Second, 10*time.Millisecond)
	_, ok := tr.LastSeen("fresh")
	assert.True(t, ok)

	cancel()
	<-done
}
