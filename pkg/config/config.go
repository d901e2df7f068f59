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

// Package config holds the docagent configuration model.
//
// Configuration is assembled in layers: an optional YAML file, environment
// variable overrides, then defaults. See Load.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/docagent/pkg/instruction"
)

// Provider names accepted in LLMConfig.Provider.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// MCP transports.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
	TransportStdio          = "stdio"
)

// Defaults.
const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8000
	DefaultOllamaURL        = "http://localhost:11434"
	DefaultModel            = "llama3.2"
	DefaultGeminiModel      = "gemini-2.0-flash"
	DefaultLLMTimeout       = 300 * time.Second
	DefaultLLMRetries       = 3
	DefaultKeepAlive        = "5m"
	DefaultAgentName        = "Jorge"
	DefaultAgentDescription = "Un asistente que puede responder"
	DefaultMaxIterations    = 10
	DefaultTurnTimeout      = 2 * time.Minute
	DefaultRetryInterval    = 2 * time.Second
	DefaultMaxAttempts      = 30
	DefaultAttemptTimeout   = 30 * time.Second
	DefaultStagingDir       = "uploads"
	DefaultDPI              = 300
	DefaultOCRTimeout       = 5 * time.Minute
	DefaultOCRConcurrency   = 2
	DefaultMaxUploadBytes   = 64 << 20
	DefaultRenderer         = "pdftoppm"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "simple"
	DefaultMetricsPath      = "/metrics"
	DefaultTraceExporter    = "otlp"
	DefaultTraceEndpoint    = "localhost:4317"
	DefaultServiceName      = "docagent"

	DefaultRateLimitPerMinute = 30
)

// DefaultInstruction is the agent's system prompt.
const DefaultInstruction = "Usa herramientas cuando sea necesario. " +
	"Si la información ya está en el contexto de la conversación, puedes responder sin usar tools. " +
	"Si no sabes la respuesta, responde con \"No sé\"."

// DefaultGroundingTemplate wraps extracted document text and the user's
// question into one message. It must reference {document} and {question}.
const DefaultGroundingTemplate = "Sos un asistente que responde preguntas usando texto proporcionado.\n\n" +
	"TEXTO DEL DOCUMENTO:\n" +
	"-------------------\n" +
	"{document}\n" +
	"-------------------\n\n" +
	"PREGUNTA:\n" +
	"{question}"

// DefaultOCRPrompt instructs the vision model to transcribe the pages.
const DefaultOCRPrompt = "Extraé TODO el texto del documento. Mantené el orden de lectura y respetá saltos de línea."

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
	LLM           LLMConfig           `yaml:"llm,omitempty" json:"llm,omitempty"`
	Agent         AgentConfig         `yaml:"agent,omitempty" json:"agent,omitempty"`
	MCP           MCPConfig           `yaml:"mcp,omitempty" json:"mcp,omitempty"`
	Session       SessionConfig       `yaml:"session,omitempty" json:"session,omitempty"`
	Document      DocumentConfig      `yaml:"document,omitempty" json:"document,omitempty"`
	Logger        LoggerConfig        `yaml:"logger,omitempty" json:"logger,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// ReadTimeout bounds reading a request, including uploads.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout must exceed the OCR and turn timeouts combined.
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`

	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// RateLimitConfig limits requests per client on the upload and agent
// routes. Disabled by default.
type RateLimitConfig struct {
	Enabled bool            `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Limits  []RateLimitRule `yaml:"limits,omitempty" json:"limits,omitempty"`

	// TrustForwardedFor keys clients by X-Forwarded-For when set.
	TrustForwardedFor bool `yaml:"trust_forwarded_for,omitempty" json:"trust_forwarded_for,omitempty"`
}

// RateLimitRule allows Limit requests per Window ("minute", "hour" or "day").
type RateLimitRule struct {
	Window string `yaml:"window" json:"window"`
	Limit  int64  `yaml:"limit" json:"limit"`
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig configures the inference backend used for chat and OCR.
type LLMConfig struct {
	// Provider is "ollama" (default) or "gemini".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`

	// BaseURL of the Ollama server.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// APIKey for hosted providers.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Model used for conversation turns.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// OCRModel is the vision model. Defaults to Model.
	OCRModel string `yaml:"ocr_model,omitempty" json:"ocr_model,omitempty"`

	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`

	// KeepAlive controls how long Ollama keeps the model loaded.
	KeepAlive string `yaml:"keep_alive,omitempty" json:"keep_alive,omitempty"`

	// Timeout is the HTTP timeout per inference request.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries for transient HTTP failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// AgentConfig describes the single conversational agent.
type AgentConfig struct {
	Name          string        `yaml:"name,omitempty" json:"name,omitempty"`
	Description   string        `yaml:"description,omitempty" json:"description,omitempty"`
	Instruction   string        `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	MaxIterations int           `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	TurnTimeout   time.Duration `yaml:"turn_timeout,omitempty" json:"turn_timeout,omitempty"`
}

// MCPConfig configures tool discovery.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers,omitempty" json:"servers,omitempty"`

	// RetryInterval is the wait between attempts against one endpoint.
	RetryInterval time.Duration `yaml:"retry_interval,omitempty" json:"retry_interval,omitempty"`

	// MaxAttempts per endpoint before it is skipped.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// AttemptTimeout bounds one connect-and-list attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout,omitempty" json:"attempt_timeout,omitempty"`
}

// MCPServerConfig is one tool-provider endpoint.
type MCPServerConfig struct {
	Name      string            `yaml:"name,omitempty" json:"name,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Transport string            `yaml:"transport,omitempty" json:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// SessionConfig selects the conversation context policy.
type SessionConfig struct {
	// KeepContext shares one conversation history across all requests.
	KeepContext bool `yaml:"keep_context,omitempty" json:"keep_context,omitempty"`
}

// DocumentConfig configures ingestion.
type DocumentConfig struct {
	// StagingDir is the root for upload and page-image staging areas.
	StagingDir string `yaml:"staging_dir,omitempty" json:"staging_dir,omitempty"`

	DPI int `yaml:"dpi,omitempty" json:"dpi,omitempty"`

	// Renderer is the pdftoppm executable.
	Renderer string `yaml:"renderer,omitempty" json:"renderer,omitempty"`

	OCRPrompt      string        `yaml:"ocr_prompt,omitempty" json:"ocr_prompt,omitempty"`
	OCRTimeout     time.Duration `yaml:"ocr_timeout,omitempty" json:"ocr_timeout,omitempty"`
	OCRConcurrency int           `yaml:"ocr_concurrency,omitempty" json:"ocr_concurrency,omitempty"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes,omitempty" json:"max_upload_bytes,omitempty"`

	// GroundingTemplate builds the message for a question about an upload.
	// Placeholders: {document}, {question}.
	GroundingTemplate string `yaml:"grounding_template,omitempty" json:"grounding_template,omitempty"`
}

// LoggerConfig configures logging.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// IsEnabled reports whether metrics are served. Defaults to true.
func (c MetricsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Exporter is "otlp" or "stdout".
	Exporter     string  `yaml:"exporter,omitempty" json:"exporter,omitempty"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	s := &c.Server
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 60 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.RateLimit.Enabled && len(s.RateLimit.Limits) == 0 {
		s.RateLimit.Limits = []RateLimitRule{{Window: "minute", Limit: DefaultRateLimitPerMinute}}
	}

	l := &c.LLM
	if l.Provider == "" {
		l.Provider = ProviderOllama
	}
	if l.Provider == ProviderOllama && l.BaseURL == "" {
		l.BaseURL = DefaultOllamaURL
	}
	if l.Model == "" {
		if l.Provider == ProviderGemini {
			l.Model = DefaultGeminiModel
		} else {
			l.Model = DefaultModel
		}
	}
	if l.OCRModel == "" {
		l.OCRModel = l.Model
	}
	if l.KeepAlive == "" {
		l.KeepAlive = DefaultKeepAlive
	}
	if l.Timeout == 0 {
		l.Timeout = DefaultLLMTimeout
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = DefaultLLMRetries
	}

	a := &c.Agent
	if a.Name == "" {
		a.Name = DefaultAgentName
	}
	if a.Description == "" {
		a.Description = DefaultAgentDescription
	}
	if a.Instruction == "" {
		a.Instruction = DefaultInstruction
	}
	if a.MaxIterations == 0 {
		a.MaxIterations = DefaultMaxIterations
	}
	if a.TurnTimeout == 0 {
		a.TurnTimeout = DefaultTurnTimeout
	}

	m := &c.MCP
	if m.RetryInterval == 0 {
		m.RetryInterval = DefaultRetryInterval
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}
	if m.AttemptTimeout == 0 {
		m.AttemptTimeout = DefaultAttemptTimeout
	}
	for i := range m.Servers {
		m.Servers[i].setDefaults(i)
	}

	d := &c.Document
	if d.StagingDir == "" {
		d.StagingDir = DefaultStagingDir
	}
	if d.DPI == 0 {
		d.DPI = DefaultDPI
	}
	if d.Renderer == "" {
		d.Renderer = DefaultRenderer
	}
	if d.OCRPrompt == "" {
		d.OCRPrompt = DefaultOCRPrompt
	}
	if d.GroundingTemplate == "" {
		d.GroundingTemplate = DefaultGroundingTemplate
	}
	if d.OCRTimeout == 0 {
		d.OCRTimeout = DefaultOCRTimeout
	}
	if d.OCRConcurrency == 0 {
		d.OCRConcurrency = DefaultOCRConcurrency
	}
	if d.MaxUploadBytes == 0 {
		d.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if s.WriteTimeout == 0 {
		s.WriteTimeout = d.OCRTimeout + a.TurnTimeout + 30*time.Second
	}

	if c.Logger.Level == "" {
		c.Logger.Level = DefaultLogLevel
	}
	if c.Logger.Format == "" {
		c.Logger.Format = DefaultLogFormat
	}

	if c.Observability.Metrics.Endpoint == "" {
		c.Observability.Metrics.Endpoint = DefaultMetricsPath
	}
	t := &c.Observability.Tracing
	if t.Exporter == "" {
		t.Exporter = DefaultTraceExporter
	}
	if t.Endpoint == "" {
		t.Endpoint = DefaultTraceEndpoint
	}
	if t.SamplingRate == 0 {
		t.SamplingRate = 1.0
	}
	if t.ServiceName == "" {
		t.ServiceName = DefaultServiceName
	}
}

func (c *MCPServerConfig) setDefaults(index int) {
	if c.Transport == "" {
		c.Transport = DetectTransport(c.URL, c.Command)
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("mcp-%d", index+1)
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: invalid port %d", c.Server.Port))
	}

	for i, rule := range c.Server.RateLimit.Limits {
		switch rule.Window {
		case "minute", "hour", "day":
		default:
			errs = append(errs, fmt.Errorf("server.rate_limit.limits[%d]: unsupported window %q", i, rule.Window))
		}
		if rule.Limit < 1 {
			errs = append(errs, fmt.Errorf("server.rate_limit.limits[%d]: limit must be positive", i))
		}
	}

	switch c.LLM.Provider {
	case ProviderOllama:
	case ProviderGemini:
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("llm.api_key: required for gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unsupported provider %q (valid: ollama, gemini)", c.LLM.Provider))
	}

	if err := instruction.Validate(c.Agent.Instruction, "agent_name", "tools"); err != nil {
		errs = append(errs, fmt.Errorf("agent.instruction: %w", err))
	}
	if err := instruction.Validate(c.Document.GroundingTemplate, "document", "question"); err != nil {
		errs = append(errs, fmt.Errorf("document.grounding_template: %w", err))
	} else if !containsAll(instruction.ListPlaceholders(c.Document.GroundingTemplate), "document", "question") {
		errs = append(errs, errors.New("document.grounding_template: must reference {document} and {question}"))
	}

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations: must be positive, got %d", c.Agent.MaxIterations))
	}

	if c.MCP.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("mcp.max_attempts: must be positive, got %d", c.MCP.MaxAttempts))
	}
	if c.MCP.RetryInterval < 0 {
		errs = append(errs, fmt.Errorf("mcp.retry_interval: must not be negative"))
	}
	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, srv := range c.MCP.Servers {
		if err := srv.validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: %w", i, err))
		}
		if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, srv.Name))
		}
		seen[srv.Name] = true
	}

	if c.Document.DPI < 1 {
		errs = append(errs, fmt.Errorf("document.dpi: must be positive, got %d", c.Document.DPI))
	}
	if c.Document.OCRConcurrency < 1 {
		errs = append(errs, fmt.Errorf("document.ocr_concurrency: must be positive, got %d", c.Document.OCRConcurrency))
	}

	switch c.Observability.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		errs = append(errs, fmt.Errorf("observability.tracing.exporter: unsupported exporter %q", c.Observability.Tracing.Exporter))
	}

	return errors.Join(errs...)
}

func (c MCPServerConfig) validate() error {
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return errors.New("command is required for stdio transport")
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s transport", c.Transport)
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	return nil
}

func containsAll(have []string, want ...string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
