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
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/docagent"
	"github.com/kadirpekel/docagent/pkg/registry"
	"github.com/kadirpekel/docagent/pkg/tool"
)

// DiscoverCmd runs one discovery pass with the configured retry budget and
// prints what each endpoint offered.
type DiscoverCmd struct {
	Strict bool `help:"Exit with an error when no tool is found."`

	out io.Writer
}

func (c *DiscoverCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	reg := registry.New(registry.WithConnector(
		registry.MCPConnector(cfg.Agent.Name, docagent.GetVersion().Version),
	))
	defer reg.Close()

	set, report := reg.Discover(ctx, registry.EndpointsFromConfig(cfg.MCP))

	out := c.out
	if out == nil {
		out = os.Stdout
	}

	fmt.Fprintf(out, "Endpoints (%d):\n", len(report.Endpoints))
	for _, ep := range report.Endpoints {
		status := "ok"
		if ep.Err != nil {
			status = "skipped: " + ep.Err.Error()
		}
		fmt.Fprintf(out, "  - %-24s tools=%-3d attempts=%-3d %s\n", ep.Name, ep.Tools, ep.Attempts, status)
	}

	fmt.Fprintf(out, "\nTools (%d):\n", set.Len())
	for _, t := range set.All() {
		fmt.Fprintf(out, "  - %s [%s]: %s\n", t.Name(), tool.SourceOf(t), t.Description())
	}
	for _, name := range report.Collisions {
		fmt.Fprintf(out, "  ! %s is offered by more than one endpoint; the first one wins\n", name)
	}

	if c.Strict && report.Degraded != nil {
		return report.Degraded
	}
	return nil
}
