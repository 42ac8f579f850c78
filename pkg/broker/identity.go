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
	"net"
	"slices"
	"strings"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"

	"github.com/turtacn/brokerguard/pkg/session"
)

// InlineConnectionID is the connection id of the server's inline client.
const InlineConnectionID = "inline"

// ConnectionID derives the transport connection id of a client. It differs
// from the MQTT client id, which a takeover reuses.
func ConnectionID(cl *mqtt.Client) string {
	if cl.Net.Inline {
		return InlineConnectionID
	}
	return cl.Net.Listener + "/" + cl.Net.Remote
}

// IdentityResolver builds session contexts from MQTT client state.
type IdentityResolver struct {
	DefaultAccount string
	InternalUsers  []string
	ConnectorName  string
}

// splitUsername splits "account/user". A username without an account
// belongs to the default account.
func (r IdentityResolver) splitUsername(username string) (account, user string) {
	if i := strings.IndexByte(username, '/'); i > 0 && i < len(username)-1 {
		return username[:i], username[i+1:]
	}
	return r.DefaultAccount, username
}

// SessionContext resolves the session context of an established client.
func (r IdentityResolver) SessionContext(cl *mqtt.Client, now time.Time) *session.SessionContext {
	username := string(cl.Properties.Username)
	account, user := r.splitUsername(username)

	connector := r.ConnectorName
	if cl.Net.Listener != "" {
		connector = cl.Net.Listener
	}
	return &session.SessionContext{
		ConnectionID:  ConnectionID(cl),
		ScopeID:       account,
		ClientID:      cl.ID,
		ConnectorName: connector,
		ClientIP:      clientIP(cl.Net.Remote),
		AccountName:   account,
		Username:      user,
		Internal:      cl.Net.Inline || (username != "" && slices.Contains(r.InternalUsers, username)),
		CreatedAt:     now,
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
