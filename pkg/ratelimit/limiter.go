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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Limiter admits requests against a set of rules.
type Limiter struct {
	rules []Rule
	store Store
	now   func() time.Time

	// Serializes check-then-add so concurrent requests cannot overshoot.
	mu sync.Mutex
}

func NewLimiter(rules []Rule, store Store) (*Limiter, error) {
	if len(rules) == 0 {
		return nil, errors.New("at least one rule is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Limiter{rules: rules, store: store, now: time.Now}, nil
}

// Allow checks every rule for client and, when all have room, counts the
// request against each of them.
func (l *Limiter) Allow(ctx context.Context, client string) (*Result, error) {
	if client == "" {
		return nil, errors.New("client cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result := &Result{Allowed: true, Usages: make([]Usage, 0, len(l.rules))}

	for _, rule := range l.rules {
		current, ends, err := l.store.Get(ctx, client, rule.Window, now)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s usage: %w", rule.Window, err)
		}
		if current >= rule.Limit && result.Allowed {
			result.Allowed = false
			result.Tripped = rule.Window
			result.Reason = fmt.Sprintf("request limit exceeded for %s window (%d/%d)", rule.Window, current, rule.Limit)
			result.RetryAfter = ends.Sub(now)
		}
		result.Usages = append(result.Usages, usage(rule, current, ends))
	}
	if !result.Allowed {
		return result, nil
	}

	for i, rule := range l.rules {
		current, ends, err := l.store.Add(ctx, client, rule.Window, 1, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record %s usage: %w", rule.Window, err)
		}
		result.Usages[i] = usage(rule, current, ends)
	}
	return result, nil
}

func usage(rule Rule, current int64, ends time.Time) Usage {
	return Usage{
		Window:    rule.Window,
		Current:   current,
		Limit:     rule.Limit,
		Remaining: max(rule.Limit-current, 0),
		ResetsAt:  ends,
	}
}

// RunJanitor drops expired counters every interval until ctx is done.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.store.DeleteExpired(ctx, l.now()); err != nil {
				slog.Warn("Rate limit cleanup failed", "error", err)
			}
		}
	}
}
