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

// Package devicevent turns device registry service events into disconnect
// commands.
package devicevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent is returned for events that cannot be acted upon.
var ErrMalformedEvent = errors.New("malformed device event")

// Operation is the registry operation an event reports.
type Operation string

const (
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpConnect    Operation = "connect"
	OpDisconnect Operation = "disconnect"
)

// Event is a device service event as published by the device registry.
type Event struct {
	Service       string    `json:"service"`
	EntityType    string    `json:"entityType"`
	Operation     Operation `json:"operation"`
	EntityScopeID string    `json:"entityScopeId"`
	EntityID      string    `json:"entityId"`
	Timestamp     time.Time `json:"timestamp"`
}

// ParseEvent decodes a JSON event.
func ParseEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return ev, nil
}
