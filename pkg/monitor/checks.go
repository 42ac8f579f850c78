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

package monitor

import (
	"context"
	"fmt"
)

// ConsistencyChecker is implemented by the session registry.
type ConsistencyChecker interface {
	CheckConsistency() error
}

// Pinger is implemented by the Redis session cache and the device registry.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RegistryCheck fails when the registry indices disagree.
func RegistryCheck(r ConsistencyChecker) CheckFunc {
	return func(context.Context) error {
		return r.CheckConsistency()
	}
}

// PingCheck fails when p is unreachable.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// QueueDepthCheck fails when depth reports more than limit queued items.
func QueueDepthCheck(depth func() int, limit int) CheckFunc {
	return func(context.Context) error {
		if n := depth(); n > limit {
			return fmt.Errorf("queue depth %d exceeds %d", n, limit)
		}
		return nil
	}
}
