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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables recognized by ApplyEnv.
const (
	EnvOllamaURL      = "OLLAMA_URL"
	EnvModel          = "MODEL"
	EnvOCRModel       = "OCR_MODEL"
	EnvProvider       = "LLM_PROVIDER"
	EnvGeminiAPIKey   = "GEMINI_API_KEY"
	EnvMCPServers     = "MCP_SERVERS"
	EnvKeepContext    = "KEEP_CONTEXT"
	EnvRetryInterval  = "MCP_RETRY_INTERVAL"
	EnvMaxRetries     = "MCP_MAX_RETRIES"
	EnvUploadDir      = "UPLOAD_DIR"
	EnvHost           = "HOST"
	EnvPort           = "PORT"
	EnvOCRTimeout     = "OCR_TIMEOUT"
	EnvTurnTimeout    = "TURN_TIMEOUT"
	EnvRasterDPI      = "RASTER_DPI"
	EnvMetricsEnabled = "METRICS_ENABLED"
	EnvTracingEnabled = "TRACING_ENABLED"
	EnvRateLimit      = "RATE_LIMIT_PER_MINUTE"
)

// LoadDotEnv loads .env.local and .env from the working directory.
// Variables already present in the environment win.
func LoadDotEnv() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with values from the environment.
func ApplyEnv(cfg *Config) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str(EnvProvider, &cfg.LLM.Provider)
	str(EnvOllamaURL, &cfg.LLM.BaseURL)
	str(EnvModel, &cfg.LLM.Model)
	str(EnvOCRModel, &cfg.LLM.OCRModel)
	str(EnvGeminiAPIKey, &cfg.LLM.APIKey)
	str(EnvUploadDir, &cfg.Document.StagingDir)
	str(EnvHost, &cfg.Server.Host)
	num(EnvPort, &cfg.Server.Port)
	num(EnvMaxRetries, &cfg.MCP.MaxAttempts)
	num(EnvRasterDPI, &cfg.Document.DPI)
	dur(EnvRetryInterval, &cfg.MCP.RetryInterval)
	dur(EnvOCRTimeout, &cfg.Document.OCRTimeout)
	dur(EnvTurnTimeout, &cfg.Agent.TurnTimeout)

	if v, ok := os.LookupEnv(EnvKeepContext); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvKeepContext, err))
		} else {
			cfg.Session.KeepContext = b
		}
	}
	if v, ok := os.LookupEnv(EnvMetricsEnabled); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMetricsEnabled, err))
		} else {
			cfg.Observability.Metrics.Enabled = &b
		}
	}
	if v, ok := os.LookupEnv(EnvTracingEnabled); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvTracingEnabled, err))
		} else {
			cfg.Observability.Tracing.Enabled = b
		}
	}

	if v, ok := os.LookupEnv(EnvRateLimit); ok && v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", EnvRateLimit, err))
		case n <= 0:
			cfg.Server.RateLimit.Enabled = false
		default:
			cfg.Server.RateLimit.Enabled = true
			cfg.Server.RateLimit.Limits = []RateLimitRule{{Window: "minute", Limit: n}}
		}
	}

	if v, ok := os.LookupEnv(EnvMCPServers); ok && strings.TrimSpace(v) != "" {
		cfg.MCP.Servers = ParseMCPServers(v)
	}

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("2s") and bare seconds ("2").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// ParseMCPServers parses a comma-separated endpoint list. Entries are URLs,
// or "stdio:<command> [args...]" for subprocess servers.
func ParseMCPServers(list string) []MCPServerConfig {
	var servers []MCPServerConfig
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(entry, "stdio:"); ok {
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				continue
			}
			servers = append(servers, MCPServerConfig{
				Name:      fields[0],
				Transport: TransportStdio,
				Command:   fields[0],
				Args:      fields[1:],
			})
			continue
		}

		srv := MCPServerConfig{
			URL:       entry,
			Transport: DetectTransport(entry, ""),
		}
		if u, err := url.Parse(entry); err == nil && u.Host != "" {
			srv.Name = u.Host
		}
		servers = append(servers, srv)
	}

	for i := range servers {
		if servers[i].Name == "" {
			servers[i].Name = fmt.Sprintf("mcp-%d", i+1)
		}
	}
	dedupeNames(servers)
	return servers
}

func dedupeNames(servers []MCPServerConfig) {
	counts := make(map[string]int, len(servers))
	for i := range servers {
		name := servers[i].Name
		counts[name]++
		if n := counts[name]; n > 1 {
			servers[i].Name = fmt.Sprintf("%s#%d", name, n)
		}
	}
}

// DetectTransport picks the MCP transport for an endpoint: stdio when a
// command is given, sse for URLs whose path ends in /sse, otherwise
// streamable-http.
func DetectTransport(rawURL, command string) string {
	if command != "" {
		return TransportStdio
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}
	if strings.HasSuffix(strings.TrimSuffix(path, "/"), "/sse") {
		return TransportSSE
	}
	return TransportStreamableHTTP
}
