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

package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/brokerguard/pkg/config"
	"github.com/turtacn/brokerguard/pkg/logging"
	"github.com/turtacn/brokerguard/pkg/session"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "brokerguard dev")
	assert.Contains(t, out, "Go version:")
}

func TestCheckConfigCommand(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	cfg := config.DefaultConfig()
	cfg.Broker.ClusterName = "eu-1"
	require.NoError(t, config.SaveConfig(cfg, valid))

	out, err := execute(t, "check-config", "--config", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK (cluster eu-1")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("broker:\n  cluster_name: eu-1\nsession:\n  shards: 0\n"), 0o600))
	_, err = execute(t, "check-config", "--config", invalid)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	unnamed := filepath.Join(dir, "unnamed.yaml")
	require.NoError(t, os.WriteFile(unnamed, []byte("broker:\n  listen_address: \":1884\"\n"), 0o600))
	_, err = execute(t, "check-config", "--config", unnamed)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorContains(t, err, "broker.cluster_name")
}

func freeAddress(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestAppRunAndShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.ClusterName = "test"
	cfg.Broker.ListenAddress = freeAddress(t)
	cfg.Metrics.Address = freeAddress(t)
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, logging.Discard())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	opts := pahomqtt.NewClientOptions().
		AddBroker("tcp://" + cfg.Broker.ListenAddress).
		SetClientID("dev-1").
		SetUsername("acme/alice").
		SetAutoReconnect(false).
		SetConnectRetry(true).
		SetConnectRetryInterval(20 * time.Millisecond)
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "timed out connecting")
	require.NoError(t, token.Error())

	require.Eventually(t, func() bool {
		_, ok := a.registry.GetByClientIdentity(session.ClientIdentity{ScopeID: "acme", ClientID: "dev-1"})
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	client.Disconnect(100)
	require.Eventually(t, func() bool { return a.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not shut down")
	}
}
