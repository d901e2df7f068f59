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

// Package modeltest provides deterministic model.LLM and tool.Tool doubles
// for tests.
package modeltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/tool"
)

// Step is one scripted model reply. Exactly one of Response, Err or Func
// is used, checked in that order of precedence: Func, Err, Response.
type Step struct {
	Response *model.Response
	Err      error
	Func     func(ctx context.Context, req *model.Request) (*model.Response, error)
}

// ScriptedModel replays steps in order and records every request.
type ScriptedModel struct {
	name string

	mu       sync.Mutex
	index    int
	steps    []Step
	requests []*model.Request
}

// NewScriptedModel creates a model that answers with steps in order.
func NewScriptedModel(steps ...Step) *ScriptedModel {
	cloned := make([]Step, len(steps))
	copy(cloned, steps)
	return &ScriptedModel{name: "scripted", steps: cloned}
}

var _ model.LLM = (*ScriptedModel)(nil)

func (m *ScriptedModel) Name() string             { return m.name }
func (m *ScriptedModel) Provider() model.Provider { return model.ProviderUnknown }
func (m *ScriptedModel) Close() error             { return nil }

func (m *ScriptedModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, cloneRequest(req))
	if m.index >= len(m.steps) {
		n := m.index + 1
		m.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at step %d", n)
	}
	current := m.steps[m.index]
	m.index++
	m.mu.Unlock()

	switch {
	case current.Func != nil:
		return current.Func(ctx, req)
	case current.Err != nil:
		return nil, current.Err
	default:
		return current.Response, nil
	}
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Request(nil), m.requests...)
}

// Calls returns how many times Generate was called.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func cloneRequest(req *model.Request) *model.Request {
	if req == nil {
		return nil
	}
	clone := *req
	clone.Messages = append([]*a2a.Message(nil), req.Messages...)
	clone.Tools = append([]tool.Definition(nil), req.Tools...)
	return &clone
}

// Text is a step answering with plain text.
func Text(text string) Step {
	return Step{Response: &model.Response{
		Content: &model.Content{
			Parts: []a2a.Part{a2a.TextPart{Text: text}},
			Role:  a2a.MessageRoleAgent,
		},
		FinishReason: model.FinishReasonStop,
	}}
}

// Error is a step failing with err.
func Error(err error) Step {
	return Step{Err: err}
}

// ToolCalls is a step requesting the given tool calls.
func ToolCalls(calls ...tool.ToolCall) Step {
	parts := make([]a2a.Part, 0, len(calls))
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
		parts = append(parts, model.ToolUsePart(calls[i]))
	}
	return Step{Response: &model.Response{
		Content:      &model.Content{Parts: parts, Role: a2a.MessageRoleAgent},
		ToolCalls:    calls,
		FinishReason: model.FinishReasonToolCalls,
	}}
}

// FuncTool is a tool.Tool backed by a function.
type FuncTool struct {
	ToolName   string
	ToolDesc   string
	ToolSource string
	Fn         func(ctx context.Context, args map[string]any) (map[string]any, error)
}

var _ tool.Tool = (*FuncTool)(nil)

func (f *FuncTool) Name() string        { return f.ToolName }
func (f *FuncTool) Description() string { return f.ToolDesc }
func (f *FuncTool) Source() string      { return f.ToolSource }

func (f *FuncTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (f *FuncTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	if f.Fn == nil {
		return map[string]any{}, nil
	}
	return f.Fn(ctx, args)
}

// TextTool returns a tool that always answers with text.
func TextTool(name, text string) *FuncTool {
	return &FuncTool{
		ToolName: name,
		ToolDesc: "returns " + text,
		Fn: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"result": text}, nil
		},
	}
}
