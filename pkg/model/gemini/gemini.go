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

// Package gemini implements the model.LLM interface for Google Gemini models
// using the google.golang.org/genai SDK.
package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/a2aproject/a2a-go/a2a"
	"google.golang.org/genai"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/tool"
)

const defaultModel = "gemini-2.0-flash"

// Config contains configuration for the Gemini model.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name (e.g., "gemini-2.0-flash", "gemini-1.5-pro").
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0-2).
	Temperature *float64

	// BaseURL overrides the API endpoint.
	BaseURL string

	// HTTPClient overrides the transport used by the SDK.
	HTTPClient *http.Client
}

// geminiModel implements model.LLM for Gemini.
type geminiModel struct {
	client *genai.Client
	name   string
	config Config
}

// New creates a new Gemini model instance.
func New(cfg Config) (model.LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &geminiModel{
		client: client,
		name:   cfg.Model,
		config: cfg,
	}, nil
}

// Name returns the model identifier.
func (m *geminiModel) Name() string {
	return m.name
}

// Provider returns the provider type.
func (m *geminiModel) Provider() model.Provider {
	return model.ProviderGemini
}

// Close releases resources.
func (m *geminiModel) Close() error {
	return nil
}

// Generate performs non-streaming generation.
func (m *geminiModel) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	const op = "gemini.Generate"

	contents, systemInstruction := buildContents(req)
	config := m.buildConfig(req.Config, systemInstruction, req.Tools)

	genResp, err := m.client.Models.GenerateContent(ctx, m.name, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && isGatewayStatus(apiErr.Code) {
			return nil, apperr.Wrapf(apperr.InferenceUnavailable, op, err, "Gemini unavailable (status %d)", apiErr.Code)
		}
		return nil, model.ClassifyError(op, fmt.Errorf("Gemini generation failed: %w", err))
	}

	resp, err := parseResponse(genResp)
	if err != nil {
		return nil, apperr.Wrap(apperr.InferenceError, op, err)
	}
	return resp, nil
}

func isGatewayStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// stableCallID derives an ID for function calls Gemini returns without one.
func stableCallID(name string, args map[string]any) string {
	data := map[string]any{
		"name": name,
		"args": args,
	}
	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("call-%x", hash[:8])
}

// buildContents converts a request to Gemini contents plus system instruction.
func buildContents(req *model.Request) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	if req.SystemInstruction != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
			Role:  "user",
		}
	}

	for _, msg := range req.Messages {
		if content := messageToContent(msg); content != nil {
			contents = append(contents, content)
		}
	}

	return contents, systemInstruction
}

// messageToContent converts an a2a.Message to genai.Content.
func messageToContent(msg *a2a.Message) *genai.Content {
	if msg == nil {
		return nil
	}

	var parts []*genai.Part

	for _, p := range msg.Parts {
		switch part := p.(type) {
		case a2a.TextPart:
			if part.Text != "" {
				parts = append(parts, &genai.Part{Text: part.Text})
			}

		case a2a.DataPart:
			switch model.PartType(part) {
			case model.PartTypeToolUse:
				if name, ok := part.Data["name"].(string); ok {
					args, _ := part.Data["arguments"].(map[string]any)
					id, _ := part.Data["id"].(string)
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							ID:   id,
							Name: name,
							Args: args,
						},
					})
				}
			case model.PartTypeToolResult:
				name, _ := part.Data["tool_name"].(string)
				id, _ := part.Data["tool_call_id"].(string)
				content, _ := part.Data["content"].(string)

				key := "result"
				if isErr, _ := part.Data["is_error"].(bool); isErr {
					key = "error"
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       id,
						Name:     name,
						Response: map[string]any{key: content},
					},
				})
			}

		case a2a.FilePart:
			if data, mimeType, ok := model.ImageData(part); ok {
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{
						MIMEType: mimeType,
						Data:     data,
					},
				})
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}

	role := "user"
	if msg.Role == a2a.MessageRoleAgent {
		role = "model"
	}

	return &genai.Content{
		Parts: parts,
		Role:  role,
	}
}

// buildConfig creates Gemini generation config.
func (m *geminiModel) buildConfig(cfg *model.GenerateConfig, systemInstruction *genai.Content, tools []tool.Definition) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}

	if cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens != nil {
			config.MaxOutputTokens = int32(*cfg.MaxTokens)
		}
	}

	if config.Temperature == nil && m.config.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*m.config.Temperature))
	}
	if config.MaxOutputTokens == 0 && m.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.config.MaxTokens)
	}

	if len(tools) > 0 {
		config.Tools = buildTools(tools)
	}

	return config
}

// buildTools declares every tool in a single genai.Tool.
func buildTools(tools []tool.Definition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toGenaiSchema(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGenaiSchema converts a JSON schema to Gemini schema.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	switch required := schema["required"].(type) {
	case []any:
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	case []string:
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

// parseResponse converts a Gemini response to model.Response.
func parseResponse(genResp *genai.GenerateContentResponse) (*model.Response, error) {
	if genResp == nil || len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	candidate := genResp.Candidates[0]

	resp := &model.Response{
		FinishReason: mapFinishReason(candidate.FinishReason),
	}

	if candidate.Content != nil {
		var parts []a2a.Part
		var toolCalls []tool.ToolCall

		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				parts = append(parts, a2a.TextPart{Text: part.Text})
			}
			if part.FunctionCall != nil {
				tc := tool.ToolCall{
					ID:   part.FunctionCall.ID,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				if tc.ID == "" {
					tc.ID = stableCallID(tc.Name, tc.Args)
				}
				if tc.Args == nil {
					tc.Args = map[string]any{}
				}
				toolCalls = append(toolCalls, tc)
				parts = append(parts, model.ToolUsePart(tc))
			}
		}

		resp.Content = &model.Content{
			Parts: parts,
			Role:  a2a.MessageRoleAgent,
		}
		resp.ToolCalls = toolCalls
		if len(toolCalls) > 0 {
			resp.FinishReason = model.FinishReasonToolCalls
		}
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = &model.Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	return resp, nil
}

// mapFinishReason converts Gemini finish reason to model.FinishReason.
func mapFinishReason(reason genai.FinishReason) model.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return model.FinishReasonStop
	case genai.FinishReasonMaxTokens:
		return model.FinishReasonLength
	case genai.FinishReasonSafety:
		return model.FinishReasonContent
	default:
		return model.FinishReasonStop
	}
}

var _ model.LLM = (*geminiModel)(nil)
