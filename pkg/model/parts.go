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

package model

import (
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/docagent/pkg/tool"
)

// DataPart type tags.
const (
	PartTypeToolUse    = "tool_use"
	PartTypeToolResult = "tool_result"
)

// ToolUsePart records a tool call requested by the model.
func ToolUsePart(tc tool.ToolCall) a2a.DataPart {
	return a2a.DataPart{
		Data: map[string]any{
			"type":      PartTypeToolUse,
			"id":        tc.ID,
			"name":      tc.Name,
			"arguments": tc.Args,
		},
	}
}

// ToolResultPart carries a tool's output back to the model.
func ToolResultPart(callID, toolName, content string, isError bool) a2a.DataPart {
	return a2a.DataPart{
		Data: map[string]any{
			"type":         PartTypeToolResult,
			"tool_call_id": callID,
			"tool_name":    toolName,
			"content":      content,
			"is_error":     isError,
		},
	}
}

// ImagePart embeds raw image bytes.
func ImagePart(mimeType string, data []byte) a2a.FilePart {
	return a2a.FilePart{
		File: a2a.FileBytes{
			FileMeta: a2a.FileMeta{MimeType: mimeType},
			Bytes:    string(data),
		},
	}
}

// PartType returns the "type" tag of a DataPart, or "".
func PartType(p a2a.Part) string {
	dp, ok := p.(a2a.DataPart)
	if !ok {
		return ""
	}
	t, _ := dp.Data["type"].(string)
	return t
}

// ImageData returns the bytes and MIME type of an image FilePart.
func ImageData(p a2a.Part) (data []byte, mimeType string, ok bool) {
	fp, isFile := p.(a2a.FilePart)
	if !isFile {
		return nil, "", false
	}
	fb, isBytes := fp.File.(a2a.FileBytes)
	if !isBytes || !strings.HasPrefix(fb.MimeType, "image/") {
		return nil, "", false
	}
	return []byte(fb.Bytes), fb.MimeType, true
}

// MessageText joins the text parts of msg.
func MessageText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var texts []string
	for _, part := range msg.Parts {
		if tp, ok := part.(a2a.TextPart); ok && tp.Text != "" {
			texts = append(texts, tp.Text)
		}
	}
	return strings.Join(texts, "\n")
}
