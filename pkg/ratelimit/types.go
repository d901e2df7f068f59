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

// Package ratelimit limits requests per client over fixed time windows.
//
// Each rule allows Limit requests per window. A request is admitted only
// when every rule has room, and is then counted against all of them.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/kadirpekel/docagent/pkg/config"
)

// Window is the length of a counting period.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Rule allows Limit requests per Window.
type Rule struct {
	Window Window
	Limit  int64
}

// RulesFromConfig converts configured rules.
func RulesFromConfig(cfg config.RateLimitConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg.Limits))
	for _, r := range cfg.Limits {
		rule := Rule{Window: Window(r.Window), Limit: r.Limit}
		if rule.Window.Duration() == 0 {
			return nil, fmt.Errorf("unsupported window %q", r.Window)
		}
		if rule.Limit < 1 {
			return nil, fmt.Errorf("limit for %s window must be positive", r.Window)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Usage is a client's standing against one rule.
type Usage struct {
	Window    Window
	Current   int64
	Limit     int64
	Remaining int64
	ResetsAt  time.Time
}

// Result is the outcome of Allow.
type Result struct {
	Allowed bool
	Reason  string
	Usages  []Usage

	// RetryAfter is set when the request was rejected.
	RetryAfter time.Duration
	// Tripped is the window of the first rule with no room left.
	Tripped Window
}

// Tightest returns the usage with the fewest remaining requests.
func (r *Result) Tightest() *Usage {
	var tightest *Usage
	for i := range r.Usages {
		if tightest == nil || r.Usages[i].Remaining < tightest.Remaining {
			tightest = &r.Usages[i]
		}
	}
	return tightest
}
