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

// Package agent defines the conversational agent and its session context.
//
// A Definition is built once, after tool discovery, and never changes:
//
//	def, err := agent.Build(agent.Config{
//	    Name:        "Jorge",
//	    Instruction: "Use tools when needed.",
//	    Model:       llm,
//	    Tools:       set,
//	})
//
// SessionContext carries the conversation history bound to a Definition.
// Turns stage their messages and commit them only when they succeed.
package agent

import (
	"errors"
	"fmt"

	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/tool"
)

// Config contains the configuration for building the agent.
type Config struct {
	// Name identifies the agent.
	Name string

	// Description is a short human-readable summary.
	Description string

	// Instruction is the system prompt sent with every model call.
	Instruction string

	// Model answers conversation turns.
	Model model.LLM

	// Tools is the discovered tool set. Nil means no tools.
	Tools *tool.Set
}

// Definition is the immutable agent shared by every request.
type Definition struct {
	Name        string
	Description string
	Instruction string
	Model       model.LLM
	Tools       *tool.Set
}

// Build validates cfg and returns the agent definition.
func Build(cfg Config) (*Definition, error) {
	if cfg.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("agent %q: model is required", cfg.Name)
	}

	tools := cfg.Tools
	if tools == nil {
		tools = tool.NewSet()
	}

	return &Definition{
		Name:        cfg.Name,
		Description: cfg.Description,
		Instruction: cfg.Instruction,
		Model:       cfg.Model,
		Tools:       tools,
	}, nil
}

// ToolNames returns the names of the agent's tools in dispatch order.
func (d *Definition) ToolNames() []string {
	return d.Tools.Names()
}
