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

package devicereg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/turtacn/brokerguard/pkg/session"
)

const (
	DefaultQueryTimeout = 2 * time.Second

	resolveQuery = `SELECT client_id FROM device_connection WHERE scope_id = $1 AND id = $2`
)

// PostgresResolver reads the device_connection table of the device registry.
type PostgresResolver struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenPostgres opens dsn with the lib/pq driver and verifies it is reachable.
func OpenPostgres(ctx context.Context, dsn string, timeout time.Duration) (*PostgresResolver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open device registry: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping device registry: %w", err)
	}
	return NewPostgresResolver(db, timeout), nil
}

// NewPostgresResolver wraps an open database handle.
func NewPostgresResolver(db *sql.DB, timeout time.Duration) *PostgresResolver {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &PostgresResolver{db: db, timeout: timeout}
}

func (r *PostgresResolver) Resolve(ctx context.Context, scopeID, deviceID string) (session.ClientIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var clientID string
	err := r.db.QueryRowContext(ctx, resolveQuery, scopeID, deviceID).Scan(&clientID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return session.ClientIdentity{}, fmt.Errorf("%w: %s/%s", ErrDeviceNotFound, scopeID, deviceID)
	case err != nil:
		return session.ClientIdentity{}, fmt.Errorf("failed to resolve device %s/%s: %w", scopeID, deviceID, err)
	case clientID == "":
		return session.ClientIdentity{}, fmt.Errorf("%w: %s/%s has no client id", ErrDeviceNotFound, scopeID, deviceID)
	}
	return session.ClientIdentity{ScopeID: scopeID, ClientID: clientID}, nil
}

// Ping reports whether the registry database is reachable.
func (r *PostgresResolver) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresResolver) Close() error {
	return r.db.Close()
}
