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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/observability"
)

// OCRConfig configures an OCREngine.
type OCRConfig struct {
	// Prompt is the extraction instruction. Defaults to config.DefaultOCRPrompt.
	Prompt string

	// Timeout bounds one extraction. Defaults to config.DefaultOCRTimeout.
	Timeout time.Duration

	// Concurrency bounds simultaneous extractions. Defaults to 1.
	Concurrency int

	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// OCREngine extracts text from page images with a vision model.
type OCREngine struct {
	llm     model.LLM
	prompt  string
	timeout time.Duration
	sem     *semaphore.Weighted
	metrics *observability.Metrics
	tracer  trace.Tracer
}

func NewOCREngine(llm model.LLM, cfg OCRConfig) (*OCREngine, error) {
	if llm == nil {
		return nil, errors.New("ocr model is required")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = config.DefaultOCRPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultOCRTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("document")
	}
	return &OCREngine{
		llm:     llm,
		prompt:  cfg.Prompt,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}, nil
}

// ExtractText sends all images, in order, in a single request and returns
// the model's text verbatim. No images means no text and no model call.
func (e *OCREngine) ExtractText(ctx context.Context, images []string) (string, error) {
	const op = "document.ExtractText"

	if len(images) == 0 {
		return "", nil
	}

	ctx, span := e.tracer.Start(ctx, observability.SpanOCR,
		trace.WithAttributes(
			attribute.Int(observability.AttrPages, len(images)),
			attribute.String(observability.AttrModel, e.llm.Name()),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	text, err := e.extract(ctx, op, images)
	elapsed := time.Since(start)

	e.metrics.RecordOCR(ctx, len(images), elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		slog.Error("Text extraction failed", "pages", len(images), "elapsed", elapsed, "error", err)
		return "", err
	}

	slog.Info("Text extracted", "pages", len(images), "chars", len(text), "elapsed", elapsed)
	return text, nil
}

func (e *OCREngine) extract(ctx context.Context, op string, images []string) (string, error) {
	parts := make([]a2a.Part, 0, len(images)+1)
	parts = append(parts, a2a.TextPart{Text: e.prompt})
	for _, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%s: failed to read page image: %w", op, err)
		}
		parts = append(parts, model.ImagePart(http.DetectContentType(data), data))
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", apperr.Wrap(apperr.InferenceUnavailable, op, err)
	}
	defer e.sem.Release(1)

	resp, err := e.llm.Generate(ctx, &model.Request{
		Messages: []*a2a.Message{a2a.NewMessage(a2a.MessageRoleUser, parts...)},
	})
	if err != nil {
		return "", model.ClassifyError(op, err)
	}
	if resp == nil {
		return "", apperr.New(apperr.InferenceError, op, "model returned no response")
	}
	return resp.TextContent(), nil
}
