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

package document

import (
	"context"
	"log/slog"
	"time"
)

// Pipeline runs rasterization and OCR for one document.
type Pipeline struct {
	rasterizer *Rasterizer
	ocr        *OCREngine
}

func NewPipeline(rasterizer *Rasterizer, ocr *OCREngine) *Pipeline {
	return &Pipeline{rasterizer: rasterizer, ocr: ocr}
}

// Extract returns the text of the PDF at pdfPath. Page images are removed
// before it returns, whatever the outcome.
func (p *Pipeline) Extract(ctx context.Context, pdfPath string) (string, error) {
	start := time.Now()

	images, area, err := p.rasterizer.Rasterize(ctx, pdfPath)
	if err != nil {
		return "", err
	}
	defer area.Release()

	text, err := p.ocr.ExtractText(ctx, images)
	if err != nil {
		return "", err
	}

	slog.Info("Document processed", "pages", len(images), "elapsed", time.Since(start))
	return text, nil
}
