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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/docagent"
	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/gateway"
	"github.com/kadirpekel/docagent/pkg/observability"
	"github.com/kadirpekel/docagent/pkg/server"
)

// ServeCmd starts the gateway. The listener opens immediately and reports
// not-ready until tool discovery finishes.
type ServeCmd struct {
	Host        string `help:"Address to bind."`
	Port        int    `help:"Port to listen on."`
	KeepContext *bool  `name:"keep-context" negatable:"" help:"Share one conversation context across requests."`
	MCPServers  string `name:"mcp-servers" help:"Comma-separated MCP endpoints; overrides the config file." placeholder:"URL,..."`
}

func (c *ServeCmd) apply(cfg *config.Config) error {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.KeepContext != nil {
		cfg.Session.KeepContext = *c.KeepContext
	}
	if c.MCPServers != "" {
		cfg.MCP.Servers = config.ParseMCPServers(c.MCPServers)
	}
	return cfg.Validate()
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if err := c.apply(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	version := docagent.GetVersion().Version

	obs := observability.NewManager(cfg.Observability, version)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}()

	gw, err := gateway.New(gateway.Options{
		Config:        cfg,
		Observability: obs,
		Version:       version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			slog.Warn("Gateway close failed", "error", err)
		}
	}()

	srv, err := server.NewHTTPServer(gw, server.Options{
		Server:         cfg.Server,
		MaxUploadBytes: cfg.Document.MaxUploadBytes,
		Observability:  obs,
		MetricsPath:    cfg.Observability.Metrics.Endpoint,
	})
	if err != nil {
		return err
	}

	slog.Info("Starting docagent",
		"version", version,
		"address", cfg.Server.Address(),
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"ocr_model", cfg.LLM.OCRModel,
		"mcp_servers", len(cfg.MCP.Servers),
		"keep_context", cfg.Session.KeepContext,
		"rate_limit", cfg.Server.RateLimit.Enabled,
		"metrics", cfg.Observability.Metrics.IsEnabled(),
		"tracing", cfg.Observability.Tracing.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		// Shutdown during discovery is not a startup failure.
		if err := gw.Start(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	err = g.Wait()
	slog.Info("Shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
