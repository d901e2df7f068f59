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

// Package tool defines the tools an agent can invoke and the immutable set
// they are discovered into.
//
// Tools come from remote MCP providers (see mcptoolset) and are aggregated
// once at startup by the registry. After that the Set is shared read-only
// by every conversation turn.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	// Name returns the name the model uses to call the tool.
	Name() string

	// Description returns a human-readable description of what the tool does.
	// Used by the model to decide when to use this tool.
	Description() string

	// Schema returns the JSON schema for the tool's parameters.
	// Returns nil if the tool takes no parameters.
	Schema() map[string]any

	// Call executes the tool with the given arguments.
	//
	// A returned error means the invocation itself failed (transport,
	// protocol). Failures reported by the tool are returned as a result
	// carrying an "error" key.
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Sourced is implemented by tools that know which provider exposed them.
type Sourced interface {
	Source() string
}

// SourceOf returns the provider name of t, or "" if unknown.
func SourceOf(t Tool) string {
	if s, ok := t.(Sourced); ok {
		return s.Source()
	}
	return ""
}

// Definition represents a tool definition for LLM function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Set is an ordered, immutable collection of tools.
//
// Tools with the same name may coexist. Lookup resolves to the first one
// added, so earlier providers shadow later ones.
type Set struct {
	tools      []Tool
	index      map[string]Tool
	collisions []string
}

// NewSet builds a Set preserving the order of tools.
func NewSet(tools ...Tool) *Set {
	s := &Set{
		tools: make([]Tool, 0, len(tools)),
		index: make(map[string]Tool, len(tools)),
	}
	for _, t := range tools {
		if t == nil {
			continue
		}
		s.tools = append(s.tools, t)
		if prev, exists := s.index[t.Name()]; exists {
			s.collisions = append(s.collisions, t.Name())
			slog.Warn("Tool name collision, first registration wins",
				"tool", t.Name(),
				"kept", SourceOf(prev),
				"shadowed", SourceOf(t))
			continue
		}
		s.index[t.Name()] = t
	}
	return s
}

// Len returns the number of tools, shadowed ones included.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// All returns a copy of the tools in order.
func (s *Set) All() []Tool {
	if s == nil {
		return nil
	}
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Names returns tool names in order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.Name()
	}
	return names
}

// Definitions returns the function-calling definitions of every tool.
// Shadowed duplicates are omitted since the model could not address them.
func (s *Set) Definitions() []Definition {
	if s == nil {
		return nil
	}
	defs := make([]Definition, 0, len(s.index))
	for _, t := range s.tools {
		if s.index[t.Name()] != t {
			continue
		}
		defs = append(defs, ToDefinition(t))
	}
	return defs
}

// Lookup returns the tool registered under name.
func (s *Set) Lookup(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.index[name]
	return t, ok
}

// Collisions returns the names that were registered more than once.
func (s *Set) Collisions() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.collisions...)
}

// FormatResult renders a tool result as the text handed back to the model.
func FormatResult(result map[string]any) string {
	if len(result) == 0 {
		return ""
	}
	if len(result) == 1 {
		if text, ok := result["result"].(string); ok {
			return text
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}

// ResultError returns the error message a tool reported in its result.
func ResultError(result map[string]any) (string, bool) {
	msg, ok := result["error"].(string)
	return msg, ok
}
