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

import (
	"context"
	"sync"
	"time"
)

// AccessTracker records the last time an address carried a message.
type AccessTracker interface {
	Touch(address string, at time.Time)
}

// AddressTracker is the in-memory AccessTracker.
type AddressTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

func NewAddressTracker() *AddressTracker {
	return &AddressTracker{last: make(map[string]time.Time)}
}

func (t *AddressTracker) Touch(address string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[address]; !ok || at.After(prev) {
		t.last[address] = at
	}
}

// LastSeen returns when address was last touched.
func (t *AddressTracker) LastSeen(address string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.last[address]
	return at, ok
}

func (t *AddressTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.last)
}

// Prune forgets addresses not seen since cutoff and returns how many.
func (t *AddressTracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for addr, at := range t.last {
		if at.Before(cutoff) {
			delete(t.last, addr)
			n++
		}
	}
	return n
}

// RunPruner drops addresses idle for longer than maxAge, checking every
// interval until ctx is done.
func (t *AddressTracker) RunPruner(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Prune(now.Add(-maxAge))
		}
	}
}
