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

// Package runner executes conversation turns.
//
// A turn is a reasoning loop: the model is called with the instruction,
// the session history and the tool definitions. Requested tool calls are
// executed in order and their results fed back until the model answers
// with plain text or the iteration limit is reached.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/docagent/pkg/agent"
	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/observability"
	"github.com/kadirpekel/docagent/pkg/tool"
)

const DefaultMaxIterations = 10

// Config contains the configuration for creating a Runner.
type Config struct {
	// MaxIterations bounds model calls per turn.
	MaxIterations int

	// TurnTimeout bounds a whole turn. Zero means no limit beyond ctx.
	TurnTimeout time.Duration

	// Observer receives tool-call events of every turn. Optional.
	Observer Observer

	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Runner executes turns for one agent definition.
type Runner struct {
	def           *agent.Definition
	maxIterations int
	turnTimeout   time.Duration
	observer      Observer
	metrics       *observability.Metrics
	tracer        trace.Tracer
}

// New creates a Runner for def.
func New(def *agent.Definition, cfg Config) (*Runner, error) {
	if def == nil {
		return nil, errors.New("agent definition is required")
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("runner")
	}

	return &Runner{
		def:           def,
		maxIterations: maxIterations,
		turnTimeout:   cfg.TurnTimeout,
		observer:      cfg.Observer,
		metrics:       cfg.Metrics,
		tracer:        tracer,
	}, nil
}

// RunTurn answers query within sc and returns the final text.
//
// On failure no text is returned and sc is left untouched.
func (r *Runner) RunTurn(ctx context.Context, query string, sc *agent.SessionContext) (string, error) {
	return r.RunTurnObserved(ctx, query, sc, r.observer)
}

// RunTurnObserved is RunTurn with a per-turn observer. A nil observer
// disables events.
func (r *Runner) RunTurnObserved(ctx context.Context, query string, sc *agent.SessionContext, obs Observer) (string, error) {
	if sc == nil {
		return "", apperr.New(apperr.AgentNotReady, "runner.RunTurn", "no session context")
	}
	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}

	ctx, span := r.tracer.Start(ctx, observability.SpanTurn,
		trace.WithAttributes(
			attribute.String("session.id", sc.ID()),
			attribute.Int(observability.AttrToolCount, r.def.Tools.Len()),
		))
	defer span.End()

	start := time.Now()
	answer, err := r.runLoop(ctx, query, sc, obs)
	elapsed := time.Since(start)

	r.metrics.RecordTurn(ctx, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		slog.Error("Turn failed",
			"session", sc.ID(),
			"kind", apperr.KindOf(err).String(),
			"elapsed", elapsed,
			"error", err)
		return "", err
	}

	slog.Info("Turn completed", "session", sc.ID(), "elapsed", elapsed, "answer_length", len(answer))
	return answer, nil
}

func (r *Runner) runLoop(ctx context.Context, query string, sc *agent.SessionContext, obs Observer) (string, error) {
	turn := sc.BeginTurn()
	turn.Append(a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: query}))

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", apperr.Wrap(apperr.InferenceUnavailable, "runner.RunTurn", err)
		}

		resp, err := r.callModel(ctx, turn, iteration)
		if err != nil {
			return "", err
		}

		if !resp.HasToolCalls() {
			turn.Append(resp.ToMessage())
			turn.Commit()
			return resp.TextContent(), nil
		}

		turn.Append(assistantMessage(resp))
		results, err := r.executeToolCalls(ctx, turn, resp.ToolCalls, obs)
		if err != nil {
			return "", err
		}
		turn.Append(a2a.NewMessage(a2a.MessageRoleUser, results...))
	}

	return "", apperr.New(apperr.InferenceError, "runner.RunTurn",
		fmt.Sprintf("reasoning loop limit exceeded (%d iterations)", r.maxIterations))
}

func (r *Runner) callModel(ctx context.Context, turn *agent.Turn, iteration int) (*model.Response, error) {
	llm := r.def.Model

	ctx, span := r.tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrModel, llm.Name()),
			attribute.Int(observability.AttrIteration, iteration),
		))
	defer span.End()

	req := &model.Request{
		Messages:          turn.Messages(),
		Tools:             r.def.Tools.Definitions(),
		SystemInstruction: r.def.Instruction,
	}

	start := time.Now()
	resp, err := llm.Generate(ctx, req)
	if err == nil && resp == nil {
		err = apperr.New(apperr.InferenceError, "runner.callModel", "model returned no response")
	}
	err = model.ClassifyError("runner.callModel", err)

	var in, out int
	if resp != nil && resp.Usage != nil {
		in, out = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	r.metrics.RecordLLMCall(ctx, llm.Name(), time.Since(start), in, out, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		return nil, err
	}

	slog.Debug("Model responded",
		"iteration", iteration,
		"tool_calls", len(resp.ToolCalls),
		"finish_reason", resp.FinishReason)
	return resp, nil
}

// assistantMessage returns the model's message for history, making sure it
// carries a tool_use part for every requested call.
func assistantMessage(resp *model.Response) *a2a.Message {
	var parts []a2a.Part
	seen := make(map[string]bool)
	if resp.Content != nil {
		for _, p := range resp.Content.Parts {
			if model.PartType(p) == model.PartTypeToolUse {
				if dp, ok := p.(a2a.DataPart); ok {
					if id, _ := dp.Data["id"].(string); id != "" {
						seen[id] = true
					}
				}
			}
			parts = append(parts, p)
		}
	}
	for _, tc := range resp.ToolCalls {
		if !seen[tc.ID] {
			parts = append(parts, model.ToolUsePart(tc))
		}
	}
	return a2a.NewMessage(a2a.MessageRoleAgent, parts...)
}

// executeToolCalls runs calls sequentially, in the order the model issued
// them. Unknown tools and tool-reported errors become error results for the
// model. A failed invocation fails the turn.
func (r *Runner) executeToolCalls(ctx context.Context, turn *agent.Turn, calls []tool.ToolCall, obs Observer) ([]a2a.Part, error) {
	parts := make([]a2a.Part, 0, len(calls))

	for _, tc := range calls {
		notify(obs, Event{Type: EventToolCallStarted, CallID: tc.ID, ToolName: tc.Name, Args: tc.Args})
		turn.StartToolCall(tc)

		content, isError, elapsed, err := r.invoke(ctx, tc)
		turn.FinishToolCall(tc.ID)
		if err != nil {
			return nil, err
		}

		notify(obs, Event{
			Type:     EventToolCallCompleted,
			CallID:   tc.ID,
			ToolName: tc.Name,
			Args:     tc.Args,
			Result:   content,
			IsError:  isError,
			Duration: elapsed,
		})
		parts = append(parts, model.ToolResultPart(tc.ID, tc.Name, content, isError))
	}
	return parts, nil
}

func (r *Runner) invoke(ctx context.Context, tc tool.ToolCall) (string, bool, time.Duration, error) {
	ctx, span := r.tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, tc.Name)))
	defer span.End()

	t, ok := r.def.Tools.Lookup(tc.Name)
	if !ok {
		slog.Warn("Model requested unknown tool", "tool", tc.Name, "available", strings.Join(r.def.Tools.Names(), ","))
		span.SetStatus(codes.Error, "unknown tool")
		return fmt.Sprintf("Error: tool %q not found", tc.Name), true, 0, nil
	}

	slog.Info("Calling tool", "tool", tc.Name, "endpoint", tool.SourceOf(t), "args", tc.Args)
	start := time.Now()
	result, err := t.Call(ctx, tc.Args)
	elapsed := time.Since(start)

	if err != nil {
		r.metrics.RecordToolCall(ctx, tc.Name, elapsed, true)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		kind := apperr.InferenceError
		if ctx.Err() != nil {
			kind = apperr.InferenceUnavailable
		}
		return "", false, elapsed, apperr.Wrapf(kind, "runner.invoke", err, "tool %s failed", tc.Name)
	}

	msg, isError := tool.ResultError(result)
	content := msg
	if !isError {
		content = tool.FormatResult(result)
	}
	r.metrics.RecordToolCall(ctx, tc.Name, elapsed, isError)
	if isError {
		span.SetStatus(codes.Error, msg)
	}
	slog.Info("Tool completed", "tool", tc.Name, "elapsed", elapsed, "is_error", isError)
	return content, isError, elapsed, nil
}
