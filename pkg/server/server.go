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

// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/observability"
	"github.com/kadirpekel/docagent/pkg/ratelimit"
)

// Agent is the part of the gateway the HTTP layer depends on.
type Agent interface {
	Ready() bool
	Upload(ctx context.Context, filename string, r io.Reader) (string, error)
	Ask(ctx context.Context, message, fileRef string) (string, error)
}

const (
	msgNoFile      = "No se recibió ningún archivo."
	msgBadJSON     = "El cuerpo de la solicitud no es JSON válido."
	msgUploadLarge = "El archivo supera el tamaño máximo permitido."

	// multipartOverhead is added to the upload limit for form boundaries
	// and headers.
	multipartOverhead = 1 << 20
)

// Options configures an HTTPServer.
type Options struct {
	Server         config.ServerConfig
	MaxUploadBytes int64
	Observability  *observability.Manager
	MetricsPath    string
}

// HTTPServer serves the upload and agent endpoints.
type HTTPServer struct {
	agent   Agent
	opts    Options
	limiter *ratelimit.Limiter
	server  *http.Server
}

func NewHTTPServer(agent Agent, opts Options) (*HTTPServer, error) {
	if opts.Observability == nil {
		opts.Observability = observability.NoopManager()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = config.DefaultMaxUploadBytes
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = config.DefaultMetricsPath
	}

	s := &HTTPServer{agent: agent, opts: opts}
	if rl := opts.Server.RateLimit; rl.Enabled {
		rules, err := ratelimit.RulesFromConfig(rl)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit: %w", err)
		}
		if s.limiter, err = ratelimit.NewLimiter(rules, ratelimit.NewMemoryStore()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Handler returns the routed handler with the middleware chain applied.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	// Outermost first: observability sees every request.
	r.Use(observability.HTTPMiddleware(s.opts.Observability.Tracer("http"), s.opts.Observability.Metrics()))
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(ratelimit.Middleware(s.limiter,
				ratelimit.RemoteClient(s.opts.Server.RateLimit.TrustForwardedFor),
				s.opts.Observability.Metrics()))
		}
		r.Post("/load_file", s.handleLoadFile)
		r.Post("/api/agent", s.handleAgent)
	})

	if m := s.opts.Observability.Metrics(); m != nil {
		r.Method(http.MethodGet, s.opts.MetricsPath, m.Handler())
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	cfg := s.opts.Server
	s.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	if s.limiter != nil {
		go s.limiter.RunJanitor(ctx, time.Minute)
	}

	slog.Info("HTTP server starting", "address", cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the configured shutdown timeout.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	timeout := s.opts.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.agent.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLoadFile stores a multipart "file" field and answers with the
// reference to pass back as file_name.
func (s *HTTPServer) handleLoadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeDetail(w, http.StatusRequestEntityTooLarge, msgUploadLarge)
		default:
			slog.Warn("Upload rejected", "error", err)
			writeDetail(w, http.StatusBadRequest, msgNoFile)
		}
		return
	}
	defer file.Close()

	ref, err := s.agent.Upload(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_time": ref})
}

type agentRequest struct {
	Message string `json:"message"`
}

type agentResponse struct {
	Response string `json:"response"`
}

// handleAgent answers one message, grounded in the upload named by the
// file_name query parameter when present.
func (s *HTTPServer) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusBadRequest, msgBadJSON)
		return
	}

	answer, err := s.agent.Ask(r.Context(), req.Message, r.URL.Query().Get("file_name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentResponse{Response: answer})
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "kind", kind.String(), "error", err)
	} else {
		slog.Warn("Request rejected", "kind", kind.String(), "error", err)
	}
	writeDetail(w, status, apperr.Message(err))
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Response encode failed", "error", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
