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

// Command docagent serves a document-grounded agent over HTTP.
//
// Usage:
//
//	docagent serve --config docagent.yaml
//	docagent discover
//	docagent ocr invoice.pdf
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/docagent"
	"github.com/kadirpekel/docagent/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Start the HTTP server."`
	Discover DiscoverCmd `cmd:"" help:"Contact the configured MCP endpoints and list their tools."`
	OCR      OCRCmd      `cmd:"" name:"ocr" help:"Extract the text of a local PDF."`
	Schema   SchemaCmd   `cmd:"" help:"Print the JSON Schema of the config file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`

	logCleanup func()
}

// loadConfig reads the config file and environment, then initializes the
// logger from flags, environment and config in that order of precedence.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	cleanup, err := initLogger(c.LogLevel, c.LogFile, c.LogFormat, &cfg.Logger)
	if err != nil {
		return nil, err
	}
	c.logCleanup = cleanup
	if c.Config != "" {
		slog.Info("Loaded configuration", "path", c.Config)
	}
	return cfg, nil
}

func (c *CLI) close() {
	if c.logCleanup != nil {
		c.logCleanup()
	}
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(docagent.GetVersion().String())
	return nil
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("docagent"),
		kong.Description("Document-grounded agent gateway with MCP tool discovery"),
		kong.UsageOnError(),
	)

	// Default logger until a command loads its config.
	if _, err := initLogger(cli.LogLevel, "", cli.LogFormat, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	err := ctx.Run(&cli)
	cli.close()
	ctx.FatalIfErrorf(err)
}
