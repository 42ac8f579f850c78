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

package disconnect

import (
	"errors"
	"fmt"

	"github.com/turtacn/brokerguard/pkg/session"
)

// ErrInvalidCommand is returned for a command that names neither a single
// connection nor a complete identity.
var ErrInvalidCommand = errors.New("invalid disconnect command")

const (
	KindIdentity   = "identity"
	KindConnection = "connection"
)

// Command asks for connections to be closed, either every live connection
// bound to a client identity or one connection by id.
type Command struct {
	ScopeID      string
	ClientID     string
	ConnectionID string
}

// ByIdentity builds an identity command.
func ByIdentity(id session.ClientIdentity) Command {
	return Command{ScopeID: id.ScopeID, ClientID: id.ClientID}
}

// ByConnection builds a connection command.
func ByConnection(connectionID string) Command {
	return Command{ConnectionID: connectionID}
}

// Kind returns KindConnection or KindIdentity.
func (c Command) Kind() string {
	if c.ConnectionID != "" {
		return KindConnection
	}
	return KindIdentity
}

// Identity returns the targeted identity of an identity command.
func (c Command) Identity() session.ClientIdentity {
	return session.ClientIdentity{ScopeID: c.ScopeID, ClientID: c.ClientID}
}

// Validate checks that exactly one form of target is set.
func (c Command) Validate() error {
	hasConn := c.ConnectionID != ""
	hasIdentity := c.ScopeID != "" || c.ClientID != ""
	switch {
	case hasConn && hasIdentity:
		return fmt.Errorf("%w: both connection %q and identity %q set", ErrInvalidCommand, c.ConnectionID, c.Identity())
	case hasConn:
		return nil
	case c.Identity().IsZero():
		return fmt.Errorf("%w: incomplete identity %q", ErrInvalidCommand, c.Identity())
	default:
		return nil
	}
}

func (c Command) String() string {
	if c.Kind() == KindConnection {
		return "connection:" + c.ConnectionID
	}
	return "identity:" + c.Identity().String()
}
