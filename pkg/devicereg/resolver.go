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

// Package devicereg resolves device registry entries to the client identity
// the device connects with.
package devicereg

import (
	"context"
	"errors"
	"sync"

	"github.com/turtacn/brokerguard/pkg/session"
)

// ErrDeviceNotFound is returned when the registry has no connection entry for
// the device.
var ErrDeviceNotFound = errors.New("device not found")

// Resolver maps a device of a scope to its client identity.
type Resolver interface {
	Resolve(ctx context.Context, scopeID, deviceID string) (session.ClientIdentity, error)
}

type deviceKey struct {
	scopeID  string
	deviceID string
}

// MemoryResolver is a Resolver backed by a map, used when no registry
// database is configured.
type MemoryResolver struct {
	mu      sync.RWMutex
	devices map[deviceKey]string
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{devices: make(map[deviceKey]string)}
}

// Register records that deviceID of scopeID connects as clientID.
func (m *MemoryResolver) Register(scopeID, deviceID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceKey{scopeID, deviceID}] = clientID
}

func (m *MemoryResolver) Unregister(scopeID, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceKey{scopeID, deviceID})
}

func (m *MemoryResolver) Resolve(_ context.Context, scopeID, deviceID string) (session.ClientIdentity, error) {
	m.mu.RLock()
	clientID, ok := m.devices[deviceKey{scopeID, deviceID}]
	m.mu.RUnlock()
	if !ok {
		return session.ClientIdentity{}, ErrDeviceNotFound
	}
	return session.ClientIdentity{ScopeID: scopeID, ClientID: clientID}, nil
}
