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

package authsvc

import (
	"context"
	"log/slog"
)

// LogNotifier only logs requests. It is used when no auth endpoint is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "auth-log-notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, req *AuthRequest) error {
	n.logger.InfoContext(ctx, "auth notification",
		"id", req.ID,
		"action", string(req.Action),
		"cluster", req.ClusterName,
		"broker_host", req.BrokerHost,
		"scope_id", req.ScopeID,
		"client_id", req.ClientID,
		"connection_id", req.ConnectionID,
		"error_code", req.ErrorCode,
		"stolen_by", req.StolenByConnectionID)
	return nil
}
