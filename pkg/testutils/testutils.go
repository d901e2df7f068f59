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

// Package testutils provides fixtures shared by package tests: in-process
// MCP servers and generated PDF documents.
package testutils

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tool is a tool definition served by a test MCP server.
type Tool struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// EchoTool returns a tool that echoes its "text" argument.
func EchoTool(name string) Tool {
	return Tool{
		Tool: mcp.NewTool(name,
			mcp.WithDescription("Echoes the given text"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, _ := req.GetArguments()["text"].(string)
			return mcp.NewToolResultText(text), nil
		},
	}
}

// StaticTool returns a tool that always answers with text.
func StaticTool(name, description, text string) Tool {
	return Tool{
		Tool: mcp.NewTool(name, mcp.WithDescription(description)),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(text), nil
		},
	}
}

// FailingTool returns a tool that reports msg as a tool-level error.
func FailingTool(name, msg string) Tool {
	return Tool{
		Tool: mcp.NewTool(name, mcp.WithDescription("Always fails")),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError(msg), nil
		},
	}
}

func newMCPServer(name string, tools []Tool) *server.MCPServer {
	s := server.NewMCPServer(name, "1.0.0", server.WithToolCapabilities(true))
	for _, t := range tools {
		s.AddTool(t.Tool, t.Handler)
	}
	return s
}

// NewStreamableMCPServer starts a streamable-http MCP server and returns its
// endpoint URL. The server is closed when the test ends.
func NewStreamableMCPServer(t testing.TB, name string, tools ...Tool) string {
	t.Helper()
	ts := httptest.NewServer(server.NewStreamableHTTPServer(newMCPServer(name, tools)))
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

// NewSSEMCPServer starts an SSE MCP server and returns its /sse URL.
func NewSSEMCPServer(t testing.TB, name string, tools ...Tool) string {
	t.Helper()
	ts := server.NewTestServer(newMCPServer(name, tools))
	t.Cleanup(ts.Close)
	return ts.URL + "/sse"
}

// PDF returns a valid PDF document with the given number of pages. Each page
// shows "Page N".
func PDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int

	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")

	// 1 catalog, 2 pages, 3 font, then a page and a content stream per page.
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	for i := 0; i < pages; i++ {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] "+
			"/Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		stream := fmt.Sprintf("BT /F1 24 Tf 72 720 Td (Page %d) Tj ET", i+1)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// PNGRenderer writes one blank PNG per page in place of a real rasterizer.
// Pages reports the page count of a PDF.
type PNGRenderer struct {
	Pages func(pdfPath string) (int, error)
}

func (r PNGRenderer) Render(ctx context.Context, pdfPath, outDir string, dpi int) error {
	n, err := r.Pages(pdfPath)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		if err := os.WriteFile(filepath.Join(outDir, fmt.Sprintf("page-%d.png", i)), buf.Bytes(), 0o644); err != nil {
			return err
		}
	}
	return ctx.Err()
}
