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

package agent

import (
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	"github.com/kadirpekel/docagent/pkg/tool"
)

// SessionContext is the conversation state of one agent session.
//
// History only grows through Turn.Commit, so a failed turn leaves no trace.
type SessionContext struct {
	id  string
	def *Definition

	mu      sync.RWMutex
	history []*a2a.Message
	turns   int
}

// NewSessionContext creates an empty context bound to def.
func NewSessionContext(def *Definition) *SessionContext {
	return &SessionContext{
		id:  uuid.NewString(),
		def: def,
	}
}

func (s *SessionContext) ID() string {
	return s.id
}

// Definition returns the agent this context is bound to.
func (s *SessionContext) Definition() *Definition {
	return s.def
}

// History returns a copy of the committed messages.
func (s *SessionContext) History() []*a2a.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*a2a.Message(nil), s.history...)
}

// Turns returns the number of committed turns.
func (s *SessionContext) Turns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns
}

// BeginTurn starts staging a turn on top of the committed history.
func (s *SessionContext) BeginTurn() *Turn {
	return &Turn{
		sc:       s,
		base:     s.History(),
		inFlight: make(map[string]tool.ToolCall),
	}
}

// Turn holds the messages and pending tool calls of a turn in progress.
// A Turn is used by a single goroutine.
type Turn struct {
	sc        *SessionContext
	base      []*a2a.Message
	staged    []*a2a.Message
	inFlight  map[string]tool.ToolCall
	committed bool
}

// Append stages messages. Nil messages are ignored.
func (t *Turn) Append(msgs ...*a2a.Message) {
	for _, m := range msgs {
		if m != nil {
			t.staged = append(t.staged, m)
		}
	}
}

// Messages returns committed history followed by the staged messages.
func (t *Turn) Messages() []*a2a.Message {
	out := make([]*a2a.Message, 0, len(t.base)+len(t.staged))
	out = append(out, t.base...)
	return append(out, t.staged...)
}

// Staged returns the messages added during this turn.
func (t *Turn) Staged() []*a2a.Message {
	return append([]*a2a.Message(nil), t.staged...)
}

// StartToolCall records a tool call as in flight.
func (t *Turn) StartToolCall(tc tool.ToolCall) {
	t.inFlight[tc.ID] = tc
}

// FinishToolCall clears an in-flight tool call.
func (t *Turn) FinishToolCall(id string) {
	delete(t.inFlight, id)
}

// InFlight returns the number of tool calls started but not finished.
func (t *Turn) InFlight() int {
	return len(t.inFlight)
}

// Commit appends the staged messages to the session history. It is a no-op
// after the first call.
func (t *Turn) Commit() {
	if t.committed {
		return
	}
	t.committed = true

	s := t.sc
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, t.staged...)
	s.turns++
}
