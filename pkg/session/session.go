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

// Package session hands out agent session contexts to requests.
//
// In persistent mode every request shares one context, created on first
// use. Requests take turns on it: a Lease is exclusive until released. In
// ephemeral mode each Acquire returns a fresh context.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/docagent/pkg/agent"
)

// Mode is the context policy.
type Mode int

const (
	// Ephemeral creates a new context for every turn.
	Ephemeral Mode = iota

	// Persistent shares one context across all turns.
	Persistent
)

func (m Mode) String() string {
	if m == Persistent {
		return "persistent"
	}
	return "ephemeral"
}

// ModeFor maps the keep-context flag to a Mode.
func ModeFor(keepContext bool) Mode {
	if keepContext {
		return Persistent
	}
	return Ephemeral
}

// Manager owns the session contexts of one agent definition.
type Manager struct {
	def  *agent.Definition
	mode Mode

	// slot holds one token while the persistent context is free.
	slot chan struct{}

	mu     sync.Mutex
	shared *agent.SessionContext
}

// NewManager creates a manager for def.
func NewManager(def *agent.Definition, mode Mode) *Manager {
	m := &Manager{def: def, mode: mode}
	if mode == Persistent {
		m.slot = make(chan struct{}, 1)
		m.slot <- struct{}{}
	}
	return m
}

func (m *Manager) Mode() Mode {
	return m.mode
}

// Acquire returns a lease on a session context. In persistent mode it waits
// until the shared context is free or ctx is done.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	if m.mode == Ephemeral {
		sc := agent.NewSessionContext(m.def)
		slog.Debug("Created ephemeral session context", "session", sc.ID())
		return &Lease{sc: sc}, nil
	}

	select {
	case <-m.slot:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for session context: %w", ctx.Err())
	}

	m.mu.Lock()
	if m.shared == nil {
		m.shared = agent.NewSessionContext(m.def)
		slog.Info("Created persistent session context", "session", m.shared.ID())
	}
	sc := m.shared
	m.mu.Unlock()

	return &Lease{
		sc: sc,
		release: func() {
			m.slot <- struct{}{}
		},
	}, nil
}

// Shared returns the persistent context, or nil if none was created yet.
func (m *Manager) Shared() *agent.SessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shared
}

// Lease grants exclusive use of a session context until Release.
type Lease struct {
	sc      *agent.SessionContext
	release func()
	once    sync.Once
}

// Context returns the leased session context.
func (l *Lease) Context() *agent.SessionContext {
	return l.sc
}

// Release returns the context to the manager. It is safe to call more
// than once and on a nil Lease.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}
