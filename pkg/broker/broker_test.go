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

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/brokerguard/pkg/authsvc"
	"github.com/turtacn/brokerguard/pkg/disconnect"
	"github.com/turtacn/brokerguard/pkg/enricher"
	"github.com/turtacn/brokerguard/pkg/lifecycle"
	"github.com/turtacn/brokerguard/pkg/session"
)

func newTestClient(t *testing.T, id, remote string) *mqtt.Client {
	t.Helper()
	server := mqtt.New(nil)
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	cl := server.NewClient(c1, "mqtt", id, false)
	cl.Net.Remote = remote
	return cl
}

func TestConnectionID(t *testing.T) {
	cl := newTestClient(t, "dev-1", "10.0.0.7:5000")
	assert.Equal(t, "mqtt/10.0.0.7:5000", ConnectionID(cl))

	cl.Net.Inline = true
	assert.Equal(t, InlineConnectionID, ConnectionID(cl))
}

func TestIdentityResolver(t *testing.T) {
	r := IdentityResolver{DefaultAccount: "default", InternalUsers: []string{"sys/bridge"}}
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		username     string
		wantScope    string
		wantUser     string
		wantInternal bool
	}{
		{"acme/alice", "acme", "alice", false},
		{"alice", "default", "alice", false},
		{"", "default", "", false},
		{"/alice", "default", "/alice", false},
		{"acme/", "default", "acme/", false},
		{"sys/bridge", "sys", "bridge", true},
	}
	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			cl := newTestClient(t, "dev-1", "10.0.0.7:5000")
			cl.Properties.Username = []byte(tt.username)

			sc := r.SessionContext(cl, now)
			assert.Equal(t, "mqtt/10.0.0.7:5000", sc.ConnectionID)
			assert.Equal(t, tt.wantScope, sc.ScopeID)
			assert.Equal(t, tt.wantScope, sc.AccountName)
			assert.Equal(t, "dev-1", sc.ClientID)
			assert.Equal(t, tt.wantUser, sc.Username)
			assert.Equal(t, "10.0.0.7", sc.ClientIP)
			assert.Equal(t, "mqtt", sc.ConnectorName)
			assert.Equal(t, tt.wantInternal, sc.Internal)
			assert.True(t, sc.CreatedAt.Equal(now))
			assert.NoError(t, sc.Validate())
		})
	}
}

func TestClassifyDisconnect(t *testing.T) {
	reset := errors.New("read: connection reset by peer")
	tests := []struct {
		name  string
		err   error
		cause error
		want  lifecycle.State
	}{
		{"clean", nil, nil, lifecycle.StateClosed},
		{"eof", io.EOF, io.EOF, lifecycle.StateClosed},
		{"disconnect packet", packets.CodeDisconnect, packets.CodeDisconnect, lifecycle.StateClosed},
		{"taken over", io.EOF, packets.ErrSessionTakenOver, lifecycle.StateDestroyed},
		{"administrative", reset, packets.ErrAdministrativeAction, lifecycle.StateDestroyed},
		{"shutdown", packets.ErrServerShuttingDown, nil, lifecycle.StateDestroyed},
		{"reset", reset, reset, lifecycle.StateFailed},
		{"keepalive", packets.ErrKeepAliveTimeout, packets.ErrKeepAliveTimeout, lifecycle.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDisconnect(tt.err, tt.cause))
		})
	}
}

func TestFailureCause(t *testing.T) {
	err := failureCause(packets.ErrKeepAliveTimeout)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, authsvc.ErrorCodeConnectionTimeout, lifecycle.ClassifyError(lifecycle.StateFailed, err))

	reset := errors.New("reset")
	assert.Same(t, reset, failureCause(reset))
}

func TestMergeUserProperties(t *testing.T) {
	props := []packets.UserProperty{
		{Key: "trace", Val: "abc"},
		{Key: enricher.HeaderScopeID, Val: "spoofed"},
	}
	got := mergeUserProperties(props, map[string]string{
		enricher.HeaderScopeID:  "acme",
		enricher.HeaderClientID: "dev-1",
	})
	assert.Equal(t, []packets.UserProperty{
		{Key: "trace", Val: "abc"},
		{Key: enricher.HeaderClientID, Val: "dev-1"},
		{Key: enricher.HeaderScopeID, Val: "acme"},
	}, got)
}

type lifecycleRecorder struct {
	mu     sync.Mutex
	events []string
	bound  []*session.SessionContext
	bindFn func(*session.SessionContext) error
}

func (l *lifecycleRecorder) record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *lifecycleRecorder) OnConnectionCreated(id string) { l.record("created %s", id) }
func (l *lifecycleRecorder) OnConnectionClosed(id string)  { l.record("closed %s", id) }
func (l *lifecycleRecorder) OnConnectionFailed(id string, err error) {
	l.record("failed %s", id)
}
func (l *lifecycleRecorder) OnConnectionDestroyed(id string) { l.record("destroyed %s", id) }
func (l *lifecycleRecorder) OnConsumerCreated(id string)     { l.record("consumer %s", id) }

func (l *lifecycleRecorder) BindSession(sc *session.SessionContext) (*session.SessionContext, error) {
	if l.bindFn != nil {
		if err := l.bindFn(sc); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	l.bound = append(l.bound, sc)
	l.mu.Unlock()
	l.record("bound %s", sc.ConnectionID)
	return nil, nil
}

func (l *lifecycleRecorder) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type enricherFunc func(ctx context.Context, connectionID string, msg *enricher.Message) error

func (f enricherFunc) Enrich(ctx context.Context, connectionID string, msg *enricher.Message) error {
	return f(ctx, connectionID, msg)
}

func stampingEnricher() enricherFunc {
	return func(_ context.Context, connectionID string, msg *enricher.Message) error {
		if connectionID == "mqtt/unknown:1" {
			return session.ErrSessionNotFound
		}
		msg.Headers = map[string]string{enricher.HeaderConnectionID: connectionID}
		return nil
	}
}

func TestHook_Callbacks(t *testing.T) {
	lc := &lifecycleRecorder{}
	h := NewHook(IdentityResolver{DefaultAccount: "default"}, lc, stampingEnricher(), nil)
	cl := newTestClient(t, "dev-1", "10.0.0.7:5000")

	require.NoError(t, h.OnConnect(cl, packets.Packet{}))
	h.OnSessionEstablished(cl, packets.Packet{})
	h.OnSubscribed(cl, packets.Packet{}, []byte{0})
	h.OnDisconnect(cl, io.EOF, false)

	assert.Equal(t, []string{
		"created mqtt/10.0.0.7:5000",
		"bound mqtt/10.0.0.7:5000",
		"consumer mqtt/10.0.0.7:5000",
		"closed mqtt/10.0.0.7:5000",
	}, lc.snapshot())
}

func TestHook_DisconnectReasons(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		err   error
		want  string
	}{
		{"taken over", packets.ErrSessionTakenOver, io.EOF, "destroyed"},
		{"administrative", packets.ErrAdministrativeAction, io.EOF, "destroyed"},
		{"network", errors.New("reset"), errors.New("reset"), "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := &lifecycleRecorder{}
			h := NewHook(IdentityResolver{DefaultAccount: "default"}, lc, stampingEnricher(), nil)
			cl := newTestClient(t, "dev-1", "10.0.0.7:5000")
			cl.Stop(tt.cause)

			h.OnDisconnect(cl, tt.err, true)
			assert.Equal(t, []string{tt.want + " mqtt/10.0.0.7:5000"}, lc.snapshot())
		})
	}
}

func TestHook_BindFailureStopsClient(t *testing.T) {
	lc := &lifecycleRecorder{bindFn: func(*session.SessionContext) error { return lifecycle.ErrConnectionTerminated }}
	h := NewHook(IdentityResolver{DefaultAccount: "default"}, lc, stampingEnricher(), nil)
	cl := newTestClient(t, "dev-1", "10.0.0.7:5000")

	h.OnSessionEstablished(cl, packets.Packet{})
	assert.True(t, cl.Closed())
	assert.ErrorIs(t, cl.StopCause(), packets.ErrNotAuthorized)
}

func TestHook_OnPublish(t *testing.T) {
	h := NewHook(IdentityResolver{DefaultAccount: "default"}, &lifecycleRecorder{}, stampingEnricher(), nil)

	cl := newTestClient(t, "dev-1", "10.0.0.7:5000")
	pk := packets.Packet{TopicName: "sensor/temp", Payload: []byte("21.5")}
	out, err := h.OnPublish(cl, pk)
	require.NoError(t, err)
	assert.Equal(t, []packets.UserProperty{{Key: enricher.HeaderConnectionID, Val: "mqtt/10.0.0.7:5000"}}, out.Properties.User)
	assert.Equal(t, []byte("21.5"), out.Payload)

	ghost := newTestClient(t, "dev-2", "unknown:1")
	_, err = h.OnPublish(ghost, pk)
	assert.ErrorIs(t, err, packets.ErrRejectPacket)
}

func TestHook_OnWill(t *testing.T) {
	h := NewHook(IdentityResolver{DefaultAccount: "default"}, &lifecycleRecorder{}, stampingEnricher(), nil)

	cl := newTestClient(t, "dev-1", "10.0.0.7:5000")
	will, err := h.OnWill(cl, mqtt.Will{TopicName: "acme/dev-1/MQTT/MISSING", Payload: []byte("gone")})
	require.NoError(t, err)
	assert.Equal(t, []packets.UserProperty{{Key: enricher.HeaderConnectionID, Val: "mqtt/10.0.0.7:5000"}}, will.User)

	ghost := newTestClient(t, "dev-2", "unknown:1")
	_, err = h.OnWill(ghost, mqtt.Will{TopicName: "x"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

type authRecorder struct {
	mu   sync.Mutex
	reqs []*authsvc.AuthRequest
}

func (a *authRecorder) Submit(req *authsvc.AuthRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return nil
}

func (a *authRecorder) disconnects(connectionID string) []*authsvc.AuthRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*authsvc.AuthRequest
	for _, r := range a.reqs {
		if r.Action == authsvc.ActionDisconnect && r.ConnectionID == connectionID {
			out = append(out, r)
		}
	}
	return out
}

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func connectClient(t *testing.T, addr, clientID, username string) pahomqtt.Client {
	t.Helper()
	opts := pahomqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetUsername(username).
		SetAutoReconnect(false)
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(2*time.Second), "timed out connecting")
	require.NoError(t, token.Error())
	return client
}

func TestBroker_Integration(t *testing.T) {
	registry := session.NewRegistry()
	auth := &authRecorder{}
	controller := lifecycle.NewController(lifecycle.Config{ClusterName: "test", BrokerHost: "node-1"}, registry, auth)
	defer controller.Close()
	tracker := enricher.NewAddressTracker()
	enr := enricher.New(enricher.Config{ConnectorName: "mqtt"}, registry, enricher.WithTracker(tracker))

	addr := freeAddress(t)
	b, err := New(Options{
		ListenAddress: addr,
		Identity:      IdentityResolver{DefaultAccount: "default"},
		InlineClient:  true,
	}, controller, enr, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Close()

	identity := session.ClientIdentity{ScopeID: "acme", ClientID: "dev-1"}
	client := connectClient(t, addr, "dev-1", "acme/alice")
	defer client.Disconnect(0)

	require.Eventually(t, func() bool {
		_, ok := registry.GetByClientIdentity(identity)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	sc, _ := registry.GetByClientIdentity(identity)
	assert.Equal(t, "alice", sc.Username)
	assert.Equal(t, []string{sc.ConnectionID}, b.ListLiveConnections())

	token := client.Publish("sensor/temp", 1, false, "21.5")
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())
	require.Eventually(t, func() bool {
		_, ok := tracker.LastSeen("sensor/temp")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Publish("active/status", []byte("online"), false, 0))
	require.Eventually(t, func() bool {
		_, ok := tracker.LastSeen("active/status")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Disconnect(sc.ConnectionID, false))
	require.Eventually(t, func() bool {
		return len(auth.disconnects(sc.ConnectionID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, authsvc.ErrorCodeAdminDisconnect, auth.disconnects(sc.ConnectionID)[0].ErrorCode)

	_, ok := registry.GetByClientIdentity(identity)
	assert.False(t, ok)
	assert.ErrorIs(t, b.Disconnect(sc.ConnectionID, false), ErrConnectionNotFound)
}

func TestBroker_IntegrationTakeover(t *testing.T) {
	registry := session.NewRegistry()
	auth := &authRecorder{}
	controller := lifecycle.NewController(lifecycle.Config{ClusterName: "test", BrokerHost: "node-1"}, registry, auth)
	defer controller.Close()
	enr := enricher.New(enricher.Config{}, registry)

	addr := freeAddress(t)
	b, err := New(Options{ListenAddress: addr, Identity: IdentityResolver{DefaultAccount: "default"}}, controller, enr, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Close()

	identity := session.ClientIdentity{ScopeID: "acme", ClientID: "dev-1"}
	first := connectClient(t, addr, "dev-1", "acme/alice")
	defer first.Disconnect(0)
	require.Eventually(t, func() bool {
		_, ok := registry.GetByClientIdentity(identity)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	old, _ := registry.GetByClientIdentity(identity)

	second := connectClient(t, addr, "dev-1", "acme/alice")
	defer second.Disconnect(0)
	require.Eventually(t, func() bool {
		cur, ok := registry.GetByClientIdentity(identity)
		return ok && cur.ConnectionID != old.ConnectionID
	}, 2*time.Second, 10*time.Millisecond)

	// Takeover and eviction race; either way the old connection is
	// reported once.
	require.Eventually(t, func() bool {
		return len(auth.disconnects(old.ConnectionID)) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	reqs := auth.disconnects(old.ConnectionID)
	require.Len(t, reqs, 1)
	assert.Contains(t, []string{authsvc.ErrorCodeStealingLink, authsvc.ErrorCodeAdminDisconnect}, reqs[0].ErrorCode)
	assert.NoError(t, registry.CheckConsistency())
}

func TestBroker_IntegrationGracefulProcessor(t *testing.T) {
	registry := session.NewRegistry()
	auth := &authRecorder{}
	controller := lifecycle.NewController(lifecycle.Config{ClusterName: "test", BrokerHost: "node-1"}, registry, auth)
	defer controller.Close()
	enr := enricher.New(enricher.Config{}, registry)

	addr := freeAddress(t)
	b, err := New(Options{ListenAddress: addr, Identity: IdentityResolver{DefaultAccount: "default"}}, controller, enr, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Close()

	results := make(chan disconnect.Result, 4)
	p := disconnect.NewProcessor(b, registry,
		disconnect.WithGraceful(true),
		disconnect.WithObserver(func(r disconnect.Result) { results <- r }),
	)
	require.NoError(t, p.Start(context.Background()))
	defer func() { _ = p.Stop(context.Background()) }()

	identity := session.ClientIdentity{ScopeID: "acme", ClientID: "dev-1"}
	client := connectClient(t, addr, "dev-1", "acme/alice")
	defer client.Disconnect(0)
	require.Eventually(t, func() bool {
		_, ok := registry.GetByClientIdentity(identity)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	sc, _ := registry.GetByClientIdentity(identity)

	next := func() disconnect.Result {
		t.Helper()
		select {
		case r := <-results:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("no disconnect result")
			return disconnect.Result{}
		}
	}

	require.NoError(t, p.Enqueue(disconnect.ByIdentity(identity)))
	res := next()
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Closed)

	require.Eventually(t, func() bool {
		return len(auth.disconnects(sc.ConnectionID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, authsvc.ErrorCodeAdminDisconnect, auth.disconnects(sc.ConnectionID)[0].ErrorCode)

	// The connection is already gone; a second close is a no-op.
	require.NoError(t, p.Enqueue(disconnect.ByConnection(sc.ConnectionID)))
	res = next()
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.Closed)
}
