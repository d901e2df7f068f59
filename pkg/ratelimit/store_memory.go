// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store keeps request counts per client and window. Implementations must
// be safe for concurrent use.
type Store interface {
	// Get returns the count of the current period and when it ends. An
	// expired or unknown period reads as zero.
	Get(ctx context.Context, client string, window Window, now time.Time) (int64, time.Time, error)

	// Add adds n to the current period, starting a new one when the last
	// has ended.
	Add(ctx context.Context, client string, window Window, n int64, now time.Time) (int64, time.Time, error)

	// DeleteExpired drops periods that ended before t.
	DeleteExpired(ctx context.Context, t time.Time) error
}

type counterKey struct {
	client string
	window Window
}

type counter struct {
	count int64
	ends  time.Time
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]*counter)}
}

func (s *MemoryStore) Get(ctx context.Context, client string, window Window, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[counterKey{client, window}]
	if !ok || !now.Before(c.ends) {
		return 0, now.Add(window.Duration()), nil
	}
	return c.count, c.ends, nil
}

func (s *MemoryStore) Add(ctx context.Context, client string, window Window, n int64, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{client, window}
	c, ok := s.counters[key]
	if !ok || !now.Before(c.ends) {
		c = &counter{ends: now.Add(window.Duration())}
		s.counters[key] = c
	}
	c.count += n
	return c.count, c.ends, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, c := range s.counters {
		if c.ends.Before(t) {
			delete(s.counters, key)
		}
	}
	return nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
