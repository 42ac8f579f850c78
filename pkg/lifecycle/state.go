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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/turtacn/brokerguard/pkg/authsvc"
)

// State is the lifecycle state of one connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
	StateFailed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is one of the mutually exclusive end states.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed || s == StateDestroyed
}

// ClassifyError maps a terminal state and the broker-supplied error to the
// error code carried by the disconnect notification.
func ClassifyError(s State, err error) string {
	switch s {
	case StateClosed:
		return authsvc.ErrorCodeNone
	case StateDestroyed:
		return authsvc.ErrorCodeAdminDisconnect
	case StateFailed:
	default:
		return authsvc.ErrorCodeNone
	}

	var netErr net.Error
	switch {
	case err == nil:
		return authsvc.ErrorCodeConnectionFailed
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return authsvc.ErrorCodeConnectionTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return authsvc.ErrorCodeConnectionLost
	default:
		return authsvc.ErrorCodeConnectionFailed
	}
}
