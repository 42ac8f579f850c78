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
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/brokerguard/pkg/session"
)

func TestMemoryResolver(t *testing.T) {
	r := NewMemoryResolver()
	r.Register("acme", "d-1", "dev-1")

	id, err := r.Resolve(context.Background(), "acme", "d-1")
	require.NoError(t, err)
	assert.Equal(t, session.ClientIdentity{ScopeID: "acme", ClientID: "dev-1"}, id)

	_, err = r.Resolve(context.Background(), "other", "d-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	r.Unregister("acme", "d-1")
	_, err = r.Resolve(context.Background(), "acme", "d-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestPostgresResolver(t *testing.T) {
	query := regexp.QuoteMeta(resolveQuery)

	tests := []struct {
		name    string
		device  string
		expect  func(m sqlmock.Sqlmock)
		want    session.ClientIdentity
		wantErr error
	}{
		{
			name:   "found",
			device: "d-1",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(query).WithArgs("acme", "d-1").
					WillReturnRows(sqlmock.NewRows([]string{"client_id"}).AddRow("dev-1"))
			},
			want: session.ClientIdentity{ScopeID: "acme", ClientID: "dev-1"},
		},
		{
			name:   "no rows",
			device: "d-2",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(query).WithArgs("acme", "d-2").
					WillReturnRows(sqlmock.NewRows([]string{"client_id"}))
			},
			wantErr: ErrDeviceNotFound,
		},
		{
			name:   "empty client id",
			device: "d-3",
			expect: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(query).WithArgs("acme", "d-3").
					WillReturnRows(sqlmock.NewRows([]string{"client_id"}).AddRow(""))
			},
			wantErr: ErrDeviceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.expect(mock)

			r := NewPostgresResolver(db, time.Second)
			got, err := r.Resolve(context.Background(), "acme", tt.device)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresResolver_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("connection refused")
	mock.ExpectQuery(regexp.QuoteMeta(resolveQuery)).WillReturnError(boom)

	_, err = NewPostgresResolver(db, time.Second).Resolve(context.Background(), "acme", "d-1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDeviceNotFound)
}
