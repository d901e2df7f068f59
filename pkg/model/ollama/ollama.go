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

// Package ollama provides an Ollama LLM implementation over the /api/chat
// endpoint. Requests are non-streaming; images are sent base64-encoded for
// vision models.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/httpclient"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/tool"
)

const (
	defaultBaseURL   = "http://localhost:11434"
	defaultModel     = "llama3.2"
	defaultTimeout   = 300 * time.Second // first request loads the model
	defaultKeepAlive = "5m"
)

// Config configures the Ollama client.
type Config struct {
	// BaseURL is the Ollama server URL (default: http://localhost:11434)
	BaseURL string

	// Model is the model name (e.g., "llama3.2", "qwen2.5vl")
	Model string

	// Temperature controls randomness (0-2)
	Temperature *float64

	// NumCtx sets the context window size
	NumCtx *int

	// KeepAlive controls how long the model stays loaded (default: "5m")
	KeepAlive string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries for HTTP requests with retry/backoff
	MaxRetries int

	// HTTPClient overrides the retrying client, mostly for tests.
	HTTPClient *httpclient.Client
}

// Client is an Ollama LLM implementation.
type Client struct {
	httpClient  *httpclient.Client
	baseURL     string
	modelName   string
	temperature *float64
	numCtx      *int
	keepAlive   string
}

// New creates a new Ollama client.
func New(cfg Config) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("invalid Ollama URL %q", cfg.BaseURL)
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	keepAlive := cfg.KeepAlive
	if keepAlive == "" {
		keepAlive = defaultKeepAlive
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithBaseDelay(2*time.Second),
		)
	}

	return &Client{
		httpClient:  hc,
		baseURL:     baseURL,
		modelName:   modelName,
		temperature: cfg.Temperature,
		numCtx:      cfg.NumCtx,
		keepAlive:   keepAlive,
	}, nil
}

// Name returns the model identifier.
func (c *Client) Name() string {
	return c.modelName
}

// Provider returns the provider type.
func (c *Client) Provider() model.Provider {
	return model.ProviderOllama
}

// Close releases resources.
func (c *Client) Close() error {
	return nil
}

// Generate performs one non-streaming chat call.
func (c *Client) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	const op = "ollama.Generate"

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, apperr.Wrapf(apperr.InferenceError, op, err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrapf(apperr.InferenceError, op, err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		var re *httpclient.RetryableError
		if errors.As(err, &re) {
			return nil, apperr.Wrap(statusKind(re.StatusCode), op, err)
		}
		return nil, apperr.Wrapf(apperr.InferenceUnavailable, op, err, "ollama unreachable at %s", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, apperr.New(statusKind(resp.StatusCode), op,
			fmt.Sprintf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		if model.IsTransportError(err) {
			return nil, apperr.Wrapf(apperr.InferenceUnavailable, op, err, "failed to read response")
		}
		return nil, apperr.Wrapf(apperr.InferenceError, op, err, "failed to decode response")
	}

	return c.parseResponse(&apiResp), nil
}

// statusKind classifies a failed response. Gateway statuses mean the
// endpoint is down rather than that the request was wrong.
func statusKind(status int) apperr.Kind {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return apperr.InferenceUnavailable
	default:
		return apperr.InferenceError
	}
}

// buildRequest creates an API request from model.Request.
func (c *Client) buildRequest(req *model.Request) *chatRequest {
	apiReq := &chatRequest{
		Model:     c.modelName,
		Stream:    false,
		KeepAlive: c.keepAlive,
	}

	options := make(map[string]any)
	if c.temperature != nil {
		options["temperature"] = *c.temperature
	} else if req.Config != nil && req.Config.Temperature != nil {
		options["temperature"] = *req.Config.Temperature
	}
	if req.Config != nil && req.Config.MaxTokens != nil {
		options["num_predict"] = *req.Config.MaxTokens
	}
	if c.numCtx != nil {
		options["num_ctx"] = *c.numCtx
	}
	if len(options) > 0 {
		apiReq.Options = options
	}

	if req.SystemInstruction != "" {
		apiReq.Messages = append(apiReq.Messages, &chatMessage{
			Role:    "system",
			Content: req.SystemInstruction,
		})
	}
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		apiReq.Messages = append(apiReq.Messages, c.convertMessage(msg)...)
	}

	if len(req.Tools) > 0 {
		apiReq.Tools = c.convertTools(req.Tools)
	}

	return apiReq
}

// convertMessage converts an a2a.Message to Ollama format. Each tool result
// becomes its own "tool" message.
func (c *Client) convertMessage(msg *a2a.Message) []*chatMessage {
	role := "user"
	if msg.Role == a2a.MessageRoleAgent {
		role = "assistant"
	}

	ollamaMsg := &chatMessage{Role: role}
	var toolMsgs []*chatMessage
	var textParts []string

	for _, part := range msg.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			if p.Text != "" {
				textParts = append(textParts, p.Text)
			}

		case a2a.FilePart:
			if data, _, ok := model.ImageData(p); ok {
				ollamaMsg.Images = append(ollamaMsg.Images, base64.StdEncoding.EncodeToString(data))
			}

		case a2a.DataPart:
			switch model.PartType(p) {
			case model.PartTypeToolUse:
				if name, ok := p.Data["name"].(string); ok {
					args, _ := p.Data["arguments"].(map[string]any)
					ollamaMsg.ToolCalls = append(ollamaMsg.ToolCalls, &toolCall{
						Function: &functionCall{
							Name:      name,
							Arguments: args,
						},
					})
				}
			case model.PartTypeToolResult:
				content, _ := p.Data["content"].(string)
				toolName, _ := p.Data["tool_name"].(string)
				toolMsgs = append(toolMsgs, &chatMessage{
					Role:     "tool",
					Content:  content,
					ToolName: toolName,
				})
			}
		}
	}

	ollamaMsg.Content = strings.Join(textParts, "\n")

	var out []*chatMessage
	if ollamaMsg.Content != "" || len(ollamaMsg.ToolCalls) > 0 || len(ollamaMsg.Images) > 0 {
		out = append(out, ollamaMsg)
	}
	return append(out, toolMsgs...)
}

// convertTools converts tool definitions to Ollama format.
func (c *Client) convertTools(tools []tool.Definition) []*apiTool {
	result := make([]*apiTool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = &apiTool{
			Type: "function",
			Function: &functionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

// parseResponse converts API response to model.Response.
func (c *Client) parseResponse(resp *chatResponse) *model.Response {
	result := &model.Response{
		FinishReason: model.FinishReasonStop,
	}

	if resp.DoneReason == "length" {
		result.FinishReason = model.FinishReasonLength
	}

	var parts []a2a.Part

	if resp.Message != nil {
		if resp.Message.Content != "" {
			parts = append(parts, a2a.TextPart{Text: resp.Message.Content})
		}

		for i, tc := range resp.Message.ToolCalls {
			if tc.Function == nil {
				continue
			}
			call := tool.ToolCall{
				ID:   fmt.Sprintf("call_%d", i),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}
			if call.Args == nil {
				call.Args = map[string]any{}
			}
			result.ToolCalls = append(result.ToolCalls, call)
			parts = append(parts, model.ToolUsePart(call))
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = model.FinishReasonToolCalls
		}
	}

	if len(parts) > 0 {
		result.Content = &model.Content{
			Parts: parts,
			Role:  a2a.MessageRoleAgent,
		}
	}

	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		result.Usage = &model.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}

	return result
}

// API types

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []*chatMessage `json:"messages"`
	Tools     []*apiTool     `json:"tools,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type chatMessage struct {
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Images    []string    `json:"images,omitempty"`
	ToolCalls []*toolCall `json:"tool_calls,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
}

type toolCall struct {
	Function *functionCall `json:"function,omitempty"`
}

type functionCall struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type apiTool struct {
	Type     string       `json:"type"`
	Function *functionDef `json:"function"`
}

type functionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatResponse struct {
	Model           string       `json:"model"`
	CreatedAt       string       `json:"created_at"`
	Message         *chatMessage `json:"message,omitempty"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
}

var _ model.LLM = (*Client)(nil)
