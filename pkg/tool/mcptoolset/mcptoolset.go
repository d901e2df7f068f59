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

// Package mcptoolset exposes the tools of one MCP server as tool.Tool values.
//
// All transports (stdio, sse, streamable-http) go through the mcp-go client.
// A Toolset owns one client session; the tools it returns stay callable
// until Close.
package mcptoolset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/docagent/pkg/tool"
)

const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"

	defaultClientName    = "docagent"
	defaultClientVersion = "dev"
)

// ErrNotConnected is returned when a tool is called on a closed toolset.
var ErrNotConnected = errors.New("MCP client not connected")

// Config configures an MCP toolset.
type Config struct {
	// Name identifies this toolset in logs and tool sources.
	Name string

	// URL is the MCP server URL (for HTTP transports).
	URL string

	// Transport specifies the MCP transport (sse, streamable-http, stdio).
	Transport string

	// Command for stdio transport.
	Command string

	// Args for stdio transport.
	Args []string

	// Env for stdio transport.
	Env map[string]string

	// Filter limits which tools are exposed.
	Filter []string

	// ClientName and ClientVersion are sent in the initialize handshake.
	ClientName    string
	ClientVersion string
}

// Toolset is an MCP-backed toolset with lazy initialization.
type Toolset struct {
	cfg       Config
	filterSet map[string]bool

	mu        sync.Mutex
	client    *client.Client
	cancel    context.CancelFunc
	tools     []tool.Tool
	connected bool
}

// New creates a new MCP toolset. No connection is made until Connect or Tools.
func New(cfg Config) (*Toolset, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required")
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportStreamableHTTP
		if cfg.Command != "" {
			cfg.Transport = TransportStdio
		}
	}
	switch cfg.Transport {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
	default:
		return nil, fmt.Errorf("unsupported MCP transport %q", cfg.Transport)
	}
	if cfg.ClientName == "" {
		cfg.ClientName = defaultClientName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = defaultClientVersion
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &Toolset{
		cfg:       cfg,
		filterSet: filterSet,
	}, nil
}

// Name returns the toolset name.
func (t *Toolset) Name() string {
	return t.cfg.Name
}

// Tools returns the available tools, connecting first if needed.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %s: %w", t.cfg.Name, err)
		}
	}
	return append([]tool.Tool(nil), t.tools...), nil
}

// connect runs the handshake and lists tools. ctx bounds the handshake
// only; the session itself lives until Close.
func (t *Toolset) connect(ctx context.Context) error {
	mcpClient, err := t.newClient()
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fail := func(err error) error {
		cancel()
		_ = mcpClient.Close()
		return err
	}

	if err := mcpClient.Start(sessionCtx); err != nil {
		return fail(fmt.Errorf("failed to start MCP client: %w", err))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    t.cfg.ClientName,
		Version: t.cfg.ClientVersion,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return fail(fmt.Errorf("failed to initialize MCP: %w", err))
	}

	listed, err := listAllTools(ctx, mcpClient)
	if err != nil {
		return fail(fmt.Errorf("failed to list tools: %w", err))
	}

	tools := make([]tool.Tool, 0, len(listed))
	for _, mcpTool := range listed {
		if t.filterSet != nil && !t.filterSet[mcpTool.Name] {
			continue
		}
		tools = append(tools, &mcpToolWrapper{
			toolset: t,
			name:    mcpTool.Name,
			desc:    mcpTool.Description,
			schema:  convertSchema(mcpTool),
		})
	}

	t.client = mcpClient
	t.cancel = cancel
	t.tools = tools
	t.connected = true

	slog.Debug("Connected to MCP server",
		"name", t.cfg.Name,
		"transport", t.cfg.Transport,
		"tools", len(tools),
	)
	return nil
}

func (t *Toolset) newClient() (*client.Client, error) {
	switch t.cfg.Transport {
	case TransportStdio:
		return client.NewStdioMCPClient(t.cfg.Command, convertEnv(t.cfg.Env), t.cfg.Args...)
	case TransportSSE:
		return client.NewSSEMCPClient(t.cfg.URL)
	default:
		return client.NewStreamableHttpClient(t.cfg.URL)
	}
}

func listAllTools(ctx context.Context, c *client.Client) ([]mcp.Tool, error) {
	var all []mcp.Tool
	req := mcp.ListToolsRequest{}
	for {
		resp, err := c.ListTools(ctx, req)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Tools...)
		if resp.NextCursor == "" {
			return all, nil
		}
		req.Params.Cursor = resp.NextCursor
	}
}

// convertEnv converts map to slice of "KEY=VALUE" in stable order.
func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// Close closes the MCP connection. Tools obtained earlier fail afterwards.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.connected = false
	t.tools = nil
	return err
}

func (t *Toolset) currentClient() *client.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// mcpToolWrapper wraps an MCP tool as tool.Tool.
type mcpToolWrapper struct {
	toolset *Toolset
	name    string
	desc    string
	schema  map[string]any
}

func (w *mcpToolWrapper) Name() string {
	return w.name
}

func (w *mcpToolWrapper) Description() string {
	return w.desc
}

func (w *mcpToolWrapper) Schema() map[string]any {
	return w.schema
}

func (w *mcpToolWrapper) Source() string {
	return w.toolset.cfg.Name
}

func (w *mcpToolWrapper) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	mcpClient := w.toolset.currentClient()
	if mcpClient == nil {
		return nil, ErrNotConnected
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call %s failed: %w", w.name, err)
	}
	return parseToolResponse(resp), nil
}

// parseToolResponse flattens an MCP tool result. Text blocks become
// "result" (one) or "results" (several); isError results become "error".
// Structured content is kept under "structured" when no text accompanies it.
func parseToolResponse(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)

	var texts []string
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			texts = append(texts, c.Text)
		case *mcp.TextContent:
			texts = append(texts, c.Text)
		}
	}

	if resp.IsError {
		if len(texts) > 0 {
			result["error"] = texts[0]
		} else {
			result["error"] = "unknown error"
		}
		return result
	}

	if len(texts) == 1 {
		result["result"] = texts[0]
	} else if len(texts) > 1 {
		result["results"] = texts
	} else if resp.StructuredContent != nil {
		result["structured"] = resp.StructuredContent
	}
	return result
}

// convertSchema converts MCP tool schema to map.
func convertSchema(t mcp.Tool) map[string]any {
	var data []byte
	var err error
	if len(t.RawInputSchema) > 0 {
		data = t.RawInputSchema
	} else {
		data, err = json.Marshal(t.InputSchema)
		if err != nil {
			return nil
		}
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

var _ tool.Tool = (*mcpToolWrapper)(nil)
