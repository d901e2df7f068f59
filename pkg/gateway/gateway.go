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

// Package gateway assembles the agent at startup and serves requests.
//
// Start runs tool discovery once and builds the agent definition. Until it
// returns, requests fail with AgentNotReady. Ask answers one message,
// optionally grounded in the text of a previously uploaded PDF.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/docagent/pkg/agent"
	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/document"
	"github.com/kadirpekel/docagent/pkg/instruction"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/observability"
	"github.com/kadirpekel/docagent/pkg/registry"
	"github.com/kadirpekel/docagent/pkg/runner"
	"github.com/kadirpekel/docagent/pkg/session"
)

// Client-facing messages.
const (
	msgEmptyMessage  = "El campo 'message' no puede estar vacío."
	msgInvalidPDF    = "El archivo enviado no es un pdf valido"
	msgUnknownFile   = "El archivo a procesar no existe (%s)"
	msgNotReady      = "Agent no inicializado aún."
	msgAlreadyActive = "agent already started"
)

// Options wires a Gateway. Models and Renderer are created from Config
// when nil.
type Options struct {
	Config *config.Config

	ChatModel model.LLM
	OCRModel  model.LLM
	Renderer  document.Renderer

	// Connector overrides how tool endpoints are reached.
	Connector registry.Connector

	Observability *observability.Manager

	// Observer receives tool-call events of every turn.
	Observer runner.Observer

	Version string
}

// Gateway holds everything a request needs. It is safe for concurrent use.
type Gateway struct {
	cfg      *config.Config
	chat     model.LLM
	ocrModel model.LLM
	registry *registry.Registry
	stager   *document.Stager
	pipeline *document.Pipeline
	obs      *observability.Manager
	observer runner.Observer

	startMu  sync.Mutex
	started  bool
	ready    atomic.Bool
	def      *agent.Definition
	sessions *session.Manager
	runner   *runner.Runner
	report   *registry.Report
}

// New creates a Gateway. It does not contact any endpoint; see Start.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	obs := opts.Observability
	if obs == nil {
		obs = observability.NoopManager()
	}

	chat := opts.ChatModel
	if chat == nil {
		var err error
		if chat, err = NewLLM(cfg.LLM, cfg.LLM.Model); err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
	}
	ocrModel := opts.OCRModel
	if ocrModel == nil {
		if cfg.LLM.OCRModel == "" || cfg.LLM.OCRModel == chat.Name() {
			ocrModel = chat
		} else {
			var err error
			if ocrModel, err = NewLLM(cfg.LLM, cfg.LLM.OCRModel); err != nil {
				return nil, fmt.Errorf("failed to create OCR model: %w", err)
			}
		}
	}

	stager, err := document.NewStager(cfg.Document.StagingDir, obs.Metrics())
	if err != nil {
		return nil, err
	}

	renderer := opts.Renderer
	if renderer == nil {
		renderer = document.PdftoppmRenderer{Command: cfg.Document.Renderer}
	}
	rasterizer := document.NewRasterizer(stager,
		document.WithRenderer(renderer),
		document.WithDPI(cfg.Document.DPI),
		document.WithRasterTracer(obs.Tracer("document")),
	)
	engine, err := document.NewOCREngine(ocrModel, document.OCRConfig{
		Prompt:      cfg.Document.OCRPrompt,
		Timeout:     cfg.Document.OCRTimeout,
		Concurrency: cfg.Document.OCRConcurrency,
		Metrics:     obs.Metrics(),
		Tracer:      obs.Tracer("document"),
	})
	if err != nil {
		return nil, err
	}

	connector := opts.Connector
	if connector == nil {
		version := opts.Version
		if version == "" {
			version = "dev"
		}
		connector = registry.MCPConnector(cfg.Agent.Name, version)
	}

	return &Gateway{
		cfg:      cfg,
		chat:     chat,
		ocrModel: ocrModel,
		registry: registry.New(
			registry.WithConnector(connector),
			registry.WithMetrics(obs.Metrics()),
			registry.WithTracer(obs.Tracer("registry")),
		),
		stager:   stager,
		pipeline: document.NewPipeline(rasterizer, engine),
		obs:      obs,
		observer: opts.Observer,
	}, nil
}

// Start discovers tools and builds the agent. Once it succeeds later calls
// fail; after a failure it may be called again. Unreachable endpoints or an
// empty tool set do not fail startup.
func (g *Gateway) Start(ctx context.Context) error {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	if g.started {
		return errors.New(msgAlreadyActive)
	}

	start := time.Now()
	set, report := g.registry.Discover(ctx, registry.EndpointsFromConfig(g.cfg.MCP))

	prompt, err := instruction.Render(g.cfg.Agent.Instruction, instruction.Values{
		"agent_name": g.cfg.Agent.Name,
		"tools":      strings.Join(set.Names(), ", "),
	})
	if err != nil {
		return fmt.Errorf("failed to render agent instruction: %w", err)
	}

	def, err := agent.Build(agent.Config{
		Name:        g.cfg.Agent.Name,
		Description: g.cfg.Agent.Description,
		Instruction: prompt,
		Model:       g.chat,
		Tools:       set,
	})
	if err != nil {
		return fmt.Errorf("failed to build agent: %w", err)
	}

	run, err := runner.New(def, runner.Config{
		MaxIterations: g.cfg.Agent.MaxIterations,
		TurnTimeout:   g.cfg.Agent.TurnTimeout,
		Observer:      runner.MultiObserver(runner.LogObserver, g.observer),
		Metrics:       g.obs.Metrics(),
		Tracer:        g.obs.Tracer("runner"),
	})
	if err != nil {
		return err
	}

	g.def = def
	g.report = report
	g.sessions = session.NewManager(def, session.ModeFor(g.cfg.Session.KeepContext))
	g.runner = run
	g.started = true
	g.ready.Store(true)

	slog.Info("Agent ready",
		"agent", def.Name,
		"model", g.chat.Name(),
		"tools", set.Len(),
		"session_mode", g.sessions.Mode().String(),
		"elapsed", time.Since(start))
	return nil
}

// Ready reports whether Start has completed.
func (g *Gateway) Ready() bool {
	return g.ready.Load()
}

// Report returns the discovery report, or nil before Start.
func (g *Gateway) Report() *registry.Report {
	if !g.Ready() {
		return nil
	}
	return g.report
}

// Definition returns the agent, or nil before Start.
func (g *Gateway) Definition() *agent.Definition {
	if !g.Ready() {
		return nil
	}
	return g.def
}

// Upload stores a PDF for a later grounded request and returns its
// reference. The upload stays on disk until a request consumes it or the
// gateway closes.
func (g *Gateway) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	const op = "gateway.Upload"

	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return "", apperr.New(apperr.InvalidInput, op, msgInvalidPDF)
	}

	area, err := g.stager.Stage(document.KindUpload)
	if err != nil {
		return "", err
	}

	if err := g.writeUpload(ctx, area.Path(name), r); err != nil {
		area.Release()
		return "", err
	}

	slog.Info("Document uploaded", "file_ref", area.ID, "file", name)
	return area.ID, nil
}

func (g *Gateway) writeUpload(ctx context.Context, path string, r io.Reader) error {
	const op = "gateway.Upload"

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	limit := g.cfg.Document.MaxUploadBytes
	n, copyErr := io.Copy(f, io.LimitReader(r, limit+1))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		return fmt.Errorf("%s: %w", op, copyErr)
	case closeErr != nil:
		return fmt.Errorf("%s: %w", op, closeErr)
	case n == 0:
		return apperr.New(apperr.InvalidInput, op, msgInvalidPDF)
	case n > limit:
		return apperr.New(apperr.InvalidInput, op, fmt.Sprintf("el archivo supera el tamaño máximo (%d bytes)", limit))
	}
	return ctx.Err()
}

// Ask answers message. When fileRef names an upload, the document text is
// extracted and folded into the query, and the upload is removed whatever
// the outcome.
func (g *Gateway) Ask(ctx context.Context, message, fileRef string) (string, error) {
	const op = "gateway.Ask"

	if !g.Ready() {
		return "", apperr.New(apperr.AgentNotReady, op, msgNotReady)
	}

	query := strings.TrimSpace(message)
	if query == "" {
		return "", apperr.New(apperr.InvalidInput, op, msgEmptyMessage)
	}

	start := time.Now()
	if fileRef != "" {
		grounded, err := g.groundQuery(ctx, query, fileRef)
		if err != nil {
			return "", err
		}
		query = grounded
	}

	lease, err := g.sessions.Acquire(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.AgentNotReady, op, err)
	}
	defer lease.Release()

	answer, err := g.runner.RunTurn(ctx, query, lease.Context())
	if err != nil {
		return "", err
	}

	slog.Info("Request completed", "grounded", fileRef != "", "elapsed", time.Since(start))
	return answer, nil
}

func (g *Gateway) groundQuery(ctx context.Context, query, fileRef string) (string, error) {
	const op = "gateway.Ask"

	area, ok := g.stager.Claim(document.KindUpload, fileRef)
	if !ok {
		return "", apperr.New(apperr.NotFound, op, fmt.Sprintf(msgUnknownFile, fileRef))
	}
	defer area.Release()

	path, err := singleFile(area.Dir)
	if err != nil {
		return "", apperr.Wrapf(apperr.InvalidInput, op, err,
			"Error al intentar procesar el archivo, intente cargarlo nuevamente.")
	}

	start := time.Now()
	text, err := g.pipeline.Extract(ctx, path)
	if err != nil {
		return "", err
	}
	slog.Info("Document text extracted", "file_ref", fileRef, "chars", len(text), "elapsed", time.Since(start))

	return instruction.Render(g.cfg.Document.GroundingTemplate, instruction.Values{
		"document": text,
		"question": query,
	})
}

func singleFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) != 1 || entries[0].IsDir() {
		return "", fmt.Errorf("expected one file in upload, found %d entries", len(entries))
	}
	return filepath.Join(dir, entries[0].Name()), nil
}

// GroundedQuery embeds document text verbatim ahead of the question using
// the default grounding template.
func GroundedQuery(documentText, question string) string {
	q, _ := instruction.Render(config.DefaultGroundingTemplate, instruction.Values{
		"document": documentText,
		"question": question,
	})
	return q
}

// Close releases tool connections, staged files and models.
func (g *Gateway) Close() error {
	g.ready.Store(false)
	g.stager.ReleaseAll()

	var errs []error
	if err := g.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := g.chat.Close(); err != nil {
		errs = append(errs, err)
	}
	if g.ocrModel != g.chat {
		if err := g.ocrModel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
