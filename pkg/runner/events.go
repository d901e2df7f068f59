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

package runner

import (
	"log/slog"
	"time"
)

// EventType identifies a turn event.
type EventType string

const (
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
)

// Event reports tool activity during a turn.
type Event struct {
	Type     EventType
	CallID   string
	ToolName string
	Args     map[string]any

	// Result and IsError are set on EventToolCallCompleted.
	Result   string
	IsError  bool
	Duration time.Duration
}

// Observer is called synchronously, in issue order, for every event.
// It must not block for long.
type Observer func(Event)

// ChannelObserver forwards events to ch without blocking. Events that do
// not fit in ch are dropped.
func ChannelObserver(ch chan<- Event) Observer {
	return func(ev Event) {
		select {
		case ch <- ev:
		default:
			slog.Debug("Dropping turn event, channel full", "type", ev.Type, "tool", ev.ToolName)
		}
	}
}

// LogObserver logs every event at info level.
func LogObserver(ev Event) {
	switch ev.Type {
	case EventToolCallStarted:
		slog.Info("Tool call started", "tool", ev.ToolName, "call_id", ev.CallID, "args", ev.Args)
	case EventToolCallCompleted:
		slog.Info("Tool call completed", "tool", ev.ToolName, "call_id", ev.CallID, "is_error", ev.IsError, "elapsed", ev.Duration)
	}
}

// MultiObserver fans events out to every non-nil observer.
func MultiObserver(observers ...Observer) Observer {
	return func(ev Event) {
		for _, o := range observers {
			if o != nil {
				o(ev)
			}
		}
	}
}

// notify delivers ev, isolating the turn from observer panics.
func notify(obs Observer, ev Event) {
	if obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Turn observer panicked", "type", ev.Type, "tool", ev.ToolName, "panic", r)
		}
	}()
	obs(ev)
}
