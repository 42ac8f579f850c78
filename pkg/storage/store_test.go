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

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	assert.NotNil(t, s)

	// Test Set and Get
	err := s.Set(ctx, "key1", []byte("value1"), 0)
	assert.NoError(t, err)

	value, err := s.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, []byte("value1"), value)

	// Test Get not found
	_, err = s.Get(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	// Test Delete
	err = s.Delete(ctx, "key1")
	assert.NoError(t, err)

	_, err = s.Get(ctx, "key1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_CopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in, 0))
	in[0] = 'x'

	out, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	out[1] = 'y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "long", []byte("2"), time.Hour))
	require.NoError(t, s.Set(ctx, "forever", []byte("3"), 0))

	now = now.Add(2 * time.Minute)

	_, err := s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "long")
	assert.NoError(t, err)

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())

	v, err := s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "")
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Set(ctx, "c-1", []byte(`{"clientId":"dev-1"}`), time.Minute))
	assert.True(t, mr.Exists("brokerguard:conn:c-1"))
	assert.Equal(t, time.Minute, mr.TTL("brokerguard:conn:c-1"))

	v, err := s.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientId":"dev-1"}`, string(v))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "c-2", []byte("x"), 0))
	require.NoError(t, s.Delete(ctx, "c-2"))
	_, err = s.Get(ctx, "c-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Unavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client, "p:")
	mr.Close()

	_, err := s.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
