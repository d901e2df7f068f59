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

// Package registry aggregates tools from the configured MCP endpoints into
// the process-wide tool set.
//
// Every endpoint is contacted independently with its own retry budget. An
// endpoint that exhausts its budget is skipped for the rest of the process
// lifetime; it never aborts discovery of the others.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/observability"
	"github.com/kadirpekel/docagent/pkg/tool"
	"github.com/kadirpekel/docagent/pkg/tool/mcptoolset"
)

// Endpoint is one tool provider plus its retry policy.
type Endpoint struct {
	Name      string
	Address   string
	Transport string
	Command   string
	Args      []string
	Env       map[string]string

	RetryInterval  time.Duration
	MaxAttempts    int
	AttemptTimeout time.Duration
}

// EndpointsFromConfig builds endpoints from the MCP configuration.
func EndpointsFromConfig(cfg config.MCPConfig) []Endpoint {
	endpoints := make([]Endpoint, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		endpoints = append(endpoints, Endpoint{
			Name:           s.Name,
			Address:        s.URL,
			Transport:      s.Transport,
			Command:        s.Command,
			Args:           s.Args,
			Env:            s.Env,
			RetryInterval:  cfg.RetryInterval,
			MaxAttempts:    cfg.MaxAttempts,
			AttemptTimeout: cfg.AttemptTimeout,
		})
	}
	return endpoints
}

// Provider is a live connection to one endpoint.
type Provider interface {
	Tools(ctx context.Context) ([]tool.Tool, error)
	Close() error
}

// Connector creates an unconnected Provider for an endpoint.
type Connector func(ep Endpoint) (Provider, error)

// MCPConnector connects to endpoints with the mcp-go client.
func MCPConnector(clientName, clientVersion string) Connector {
	return func(ep Endpoint) (Provider, error) {
		return mcptoolset.New(mcptoolset.Config{
			Name:          ep.Name,
			URL:           ep.Address,
			Transport:     ep.Transport,
			Command:       ep.Command,
			Args:          ep.Args,
			Env:           ep.Env,
			ClientName:    clientName,
			ClientVersion: clientVersion,
		})
	}
}

// EndpointReport is the discovery outcome of one endpoint.
type EndpointReport struct {
	Name     string
	Attempts int
	Tools    int
	Elapsed  time.Duration
	Err      error
}

// Report summarises a discovery pass.
type Report struct {
	Endpoints  []EndpointReport
	TotalTools int
	Collisions []string
	// Degraded is set with kind NoToolsAvailable when no tool was found.
	Degraded error
}

// Failed returns the endpoints that were skipped.
func (r *Report) Failed() []EndpointReport {
	var failed []EndpointReport
	for _, ep := range r.Endpoints {
		if ep.Err != nil {
			failed = append(failed, ep)
		}
	}
	return failed
}

// Registry runs discovery and keeps the resulting connections open.
type Registry struct {
	connect Connector
	metrics *observability.Metrics
	tracer  trace.Tracer
	sleep   func(context.Context, time.Duration) error

	mu        sync.Mutex
	done      bool
	set       *tool.Set
	report    *Report
	providers []Provider
}

type Option func(*Registry)

// WithConnector replaces the MCP connector.
func WithConnector(c Connector) Option {
	return func(r *Registry) {
		r.connect = c
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		r.tracer = t
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		connect: MCPConnector("docagent", "dev"),
		tracer:  noop.NewTracerProvider().Tracer("registry"),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover contacts every endpoint and returns the aggregated tool set.
//
// The set is the concatenation, in endpoint order, of the tools of every
// endpoint that answered. It runs once; later calls return the first result.
func (r *Registry) Discover(ctx context.Context, endpoints []Endpoint) (*tool.Set, *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		slog.Warn("Tool discovery already ran, returning existing tool set")
		return r.set, r.report
	}

	ctx, span := r.tracer.Start(ctx, observability.SpanDiscovery)
	defer span.End()

	start := time.Now()
	slog.Info("Discovering tools", "endpoints", len(endpoints))

	results := make([]endpointResult, len(endpoints))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = r.discoverEndpoint(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{}
	var tools []tool.Tool
	for _, res := range results {
		report.Endpoints = append(report.Endpoints, res.report)
		if res.report.Err != nil {
			continue
		}
		tools = append(tools, res.tools...)
		r.providers = append(r.providers, res.provider)
	}

	set := tool.NewSet(tools...)
	report.TotalTools = set.Len()
	report.Collisions = set.Collisions()

	for _, t := range set.All() {
		slog.Info("Tool available", "tool", t.Name(), "endpoint", tool.SourceOf(t), "description", t.Description())
	}

	if set.Len() == 0 {
		report.Degraded = apperr.New(apperr.NoToolsAvailable, "registry.Discover",
			"no tools discovered; agent will run without tools")
		slog.Warn("Service degraded", "kind", apperr.NoToolsAvailable.String(), "endpoints", len(endpoints))
		span.SetStatus(codes.Error, apperr.NoToolsAvailable.String())
	}

	span.SetAttributes(attribute.Int(observability.AttrToolCount, set.Len()))
	slog.Info("Tool discovery complete",
		"tools", set.Len(),
		"endpoints", len(endpoints),
		"failed", len(report.Failed()),
		"elapsed", time.Since(start))

	r.done = true
	r.set = set
	r.report = report
	return set, report
}

type endpointResult struct {
	tools    []tool.Tool
	provider Provider
	report   EndpointReport
}

func (r *Registry) discoverEndpoint(ctx context.Context, ep Endpoint) endpointResult {
	ctx, span := r.tracer.Start(ctx, observability.SpanDiscoverEndpoint,
		trace.WithAttributes(attribute.String(observability.AttrEndpoint, ep.Name)))
	defer span.End()

	maxAttempts := ep.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	res := endpointResult{report: EndpointReport{Name: ep.Name}}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.report.Attempts = attempt

		tools, provider, err := r.attempt(ctx, ep)
		r.metrics.RecordDiscoveryAttempt(ctx, ep.Name, err)
		if err == nil {
			res.tools = tools
			res.provider = provider
			res.report.Tools = len(tools)
			res.report.Elapsed = time.Since(start)
			r.metrics.RecordDiscoveredTools(ctx, ep.Name, len(tools))
			span.SetAttributes(
				attribute.Int(observability.AttrAttempts, attempt),
				attribute.Int(observability.AttrToolCount, len(tools)),
			)
			slog.Info("MCP endpoint discovered", "endpoint", ep.Name, "tools", len(tools), "attempt", attempt)
			return res
		}

		lastErr = err
		slog.Warn("MCP endpoint attempt failed",
			"endpoint", ep.Name,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err)

		if attempt == maxAttempts {
			break
		}
		if err := r.sleep(ctx, ep.RetryInterval); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	res.report.Elapsed = time.Since(start)
	res.report.Err = apperr.Wrapf(apperr.ProviderUnreachable, "registry.Discover", lastErr,
		"endpoint %s unreachable after %d attempts", ep.Name, res.report.Attempts)
	span.SetAttributes(attribute.Int(observability.AttrAttempts, res.report.Attempts))
	span.SetStatus(codes.Error, apperr.ProviderUnreachable.String())
	slog.Error("MCP endpoint skipped",
		"endpoint", ep.Name,
		"kind", apperr.ProviderUnreachable.String(),
		"attempts", res.report.Attempts,
		"elapsed", res.report.Elapsed,
		"error", lastErr)
	return res
}

// attempt makes one connection attempt bounded by the endpoint's attempt
// timeout. On failure the provider is closed.
func (r *Registry) attempt(ctx context.Context, ep Endpoint) ([]tool.Tool, Provider, error) {
	provider, err := r.connect(ep)
	if err != nil {
		return nil, nil, err
	}

	attemptCtx := ctx
	if ep.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, ep.AttemptTimeout)
		defer cancel()
	}

	tools, err := provider.Tools(attemptCtx)
	if err != nil {
		_ = provider.Close()
		return nil, nil, err
	}
	return tools, provider, nil
}

// Close releases every provider connection kept by Discover.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.providers = nil
	if len(errs) > 0 {
		return fmt.Errorf("failed to close tool providers: %w", errors.Join(errs...))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
