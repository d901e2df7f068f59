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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/docagent/pkg/apperr"
)

// Metrics records docagent's operational metrics. Instruments are created
// through the OpenTelemetry metric API and exported to a dedicated
// Prometheus registry served by Handler.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	discoveryAttempts metric.Int64Counter
	discoveredTools   metric.Int64Counter

	turnDuration metric.Float64Histogram
	turnsTotal   metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter

	ocrDuration metric.Float64Histogram
	ocrPages    metric.Int64Counter

	stagingActive metric.Int64UpDownCounter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
	rateLimited  metric.Int64Counter
}

// NewMetrics creates the instruments on a fresh registry. The registry also
// carries the Go runtime and process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(instrumentationName)

	m := &Metrics{registry: registry, provider: provider}
	b := &builder{meter: meter}

	m.discoveryAttempts = b.counter("docagent_discovery_attempts", "MCP discovery attempts by endpoint and outcome")
	m.discoveredTools = b.counter("docagent_discovered_tools", "Tools discovered per MCP endpoint")
	m.turnDuration = b.histogram("docagent_turn_duration_seconds", "Conversation turn duration in seconds")
	m.turnsTotal = b.counter("docagent_turns", "Conversation turns by outcome")
	m.toolDuration = b.histogram("docagent_tool_call_duration_seconds", "Tool call duration in seconds")
	m.toolCalls = b.counter("docagent_tool_calls", "Tool calls by tool and outcome")
	m.llmDuration = b.histogram("docagent_llm_request_duration_seconds", "LLM request duration in seconds")
	m.llmInputTokens = b.counter("docagent_llm_tokens_input", "Input tokens sent to the LLM")
	m.llmOutputTokens = b.counter("docagent_llm_tokens_output", "Output tokens received from the LLM")
	m.ocrDuration = b.histogram("docagent_ocr_duration_seconds", "OCR extraction duration in seconds")
	m.ocrPages = b.counter("docagent_ocr_pages", "Pages sent to OCR")
	m.stagingActive = b.upDownCounter("docagent_staging_areas_active", "Staging areas currently on disk")
	m.httpDuration = b.histogram("docagent_http_request_duration_seconds", "HTTP request duration in seconds")
	m.httpRequests = b.counter("docagent_http_requests", "HTTP requests by route and status")
	m.rateLimited = b.counter("docagent_rate_limited_requests", "Requests rejected by the rate limiter")

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
	return c
}

func (b *builder) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
	return c
}

func (b *builder) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to create %s: %w", name, err)
	}
	return h
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func outcome(err error) attribute.KeyValue {
	if err == nil {
		return attribute.String("outcome", "ok")
	}
	return attribute.String("outcome", apperr.KindOf(err).String())
}

func (m *Metrics) RecordDiscoveryAttempt(ctx context.Context, endpoint string, err error) {
	if m == nil {
		return
	}
	m.discoveryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("success", err == nil),
	))
}

func (m *Metrics) RecordDiscoveredTools(ctx context.Context, endpoint string, n int) {
	if m == nil {
		return
	}
	m.discoveredTools.Add(ctx, int64(n), metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(outcome(err))
	m.turnDuration.Record(ctx, d.Seconds(), attrs)
	m.turnsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordToolCall(ctx context.Context, toolName string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", toolName)))
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", toolName),
		attribute.String("outcome", result),
	))
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, d time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	modelAttr := attribute.String("model", model)
	m.llmDuration.Record(ctx, d.Seconds(), metric.WithAttributes(modelAttr, outcome(err)))
	if inputTokens > 0 {
		m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(modelAttr))
	}
	if outputTokens > 0 {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(modelAttr))
	}
}

func (m *Metrics) RecordOCR(ctx context.Context, pages int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ocrDuration.Record(ctx, d.Seconds(), metric.WithAttributes(outcome(err)))
	m.ocrPages.Add(ctx, int64(pages))
}

// StagingAreaOpened and StagingAreaReleased track areas on disk by kind.
func (m *Metrics) StagingAreaOpened(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.stagingActive.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) StagingAreaReleased(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.stagingActive.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpDuration.Record(ctx, d.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

// RecordRateLimited counts a rejected request. window is the rule that
// tripped.
func (m *Metrics) RecordRateLimited(ctx context.Context, window string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("window", window)))
}
