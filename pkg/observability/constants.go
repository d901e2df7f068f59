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

// Span names.
const (
	SpanHTTPRequest      = "http.request"
	SpanDiscovery        = "registry.discover"
	SpanDiscoverEndpoint = "registry.endpoint"
	SpanTurn             = "runner.turn"
	SpanLLMRequest       = "runner.llm_request"
	SpanToolExecution    = "runner.tool_execution"
	SpanRasterize        = "document.rasterize"
	SpanOCR              = "document.ocr"
)

// Span attribute keys.
const (
	AttrHTTPMethod       = "http.method"
	AttrHTTPRoute        = "http.route"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
	AttrErrorType        = "error.type"
	AttrEndpoint         = "mcp.endpoint"
	AttrAttempts         = "mcp.attempts"
	AttrToolName         = "tool.name"
	AttrToolCount        = "tool.count"
	AttrModel            = "llm.model"
	AttrIteration        = "agent.iteration"
	AttrPages            = "document.pages"
)

const (
	DefaultServiceName  = "docagent"
	instrumentationName = "github.com/kadirpekel/docagent"
)
