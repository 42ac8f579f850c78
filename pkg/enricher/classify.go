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

import "strings"

// MessageClass is the message-type header value derived from the address.
type MessageClass string

const (
	ClassBroker    MessageClass = "Broker"
	ClassSystem    MessageClass = "System"
	ClassControl   MessageClass = "Control"
	ClassTelemetry MessageClass = "Telemetry"
	ClassNA        MessageClass = "N/A"
)

// DefaultInternalPrefix marks broker-internal addresses.
const DefaultInternalPrefix = "active"

// Classify derives the class of address. An empty address is unknown.
func Classify(address, internalPrefix string) MessageClass {
	switch {
	case address == "":
		return ClassNA
	case internalPrefix != "" && strings.HasPrefix(address, internalPrefix):
		return ClassBroker
	case strings.HasPrefix(address, "$SYS"):
		return ClassSystem
	case strings.HasPrefix(address, "$"):
		return ClassControl
	default:
		return ClassTelemetry
	}
}
