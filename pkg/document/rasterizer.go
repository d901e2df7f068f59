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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/observability"
)

const DefaultDPI = 300

// Renderer renders every page of a PDF as a PNG file in outDir. File names
// must end in the page number, e.g. page-1.png or page-01.png.
type Renderer interface {
	Render(ctx context.Context, pdfPath, outDir string, dpi int) error
}

// PdftoppmRenderer renders pages with poppler's pdftoppm.
type PdftoppmRenderer struct {
	// Command is the executable, "pdftoppm" when empty.
	Command string
}

func (r PdftoppmRenderer) Render(ctx context.Context, pdfPath, outDir string, dpi int) error {
	command := r.Command
	if command == "" {
		command = "pdftoppm"
	}

	cmd := exec.CommandContext(ctx, command, "-png", "-r", strconv.Itoa(dpi), pdfPath, filepath.Join(outDir, "page"))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s failed: %w: %s", command, err, msg)
		}
		return fmt.Errorf("%s failed: %w", command, err)
	}
	return nil
}

// CountPages validates path as a PDF and returns its page count.
func CountPages(path string) (n int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}

// Rasterizer renders PDFs into ordered page images.
type Rasterizer struct {
	stager   *Stager
	renderer Renderer
	dpi      int
	tracer   trace.Tracer
}

type RasterizerOption func(*Rasterizer)

func WithRenderer(renderer Renderer) RasterizerOption {
	return func(r *Rasterizer) {
		r.renderer = renderer
	}
}

func WithDPI(dpi int) RasterizerOption {
	return func(r *Rasterizer) {
		if dpi > 0 {
			r.dpi = dpi
		}
	}
}

func WithRasterTracer(tracer trace.Tracer) RasterizerOption {
	return func(r *Rasterizer) {
		r.tracer = tracer
	}
}

// NewRasterizer creates a rasterizer staging its output in stager.
func NewRasterizer(stager *Stager, opts ...RasterizerOption) *Rasterizer {
	r := &Rasterizer{
		stager:   stager,
		renderer: PdftoppmRenderer{},
		dpi:      DefaultDPI,
		tracer:   noop.NewTracerProvider().Tracer("document"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rasterize renders every page of pdfPath and returns the image paths in
// page order, page_1.png through page_N.png, inside a fresh pages area.
// The caller releases the area. On error no area is left behind.
func (r *Rasterizer) Rasterize(ctx context.Context, pdfPath string) ([]string, *Area, error) {
	const op = "document.Rasterize"

	ctx, span := r.tracer.Start(ctx, observability.SpanRasterize)
	defer span.End()

	fail := func(err error) ([]string, *Area, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.KindOf(err).String())
		return nil, nil, err
	}

	pages, err := CountPages(pdfPath)
	if err != nil {
		return fail(apperr.Wrapf(apperr.UnprocessableDocument, op, err, "not a readable PDF"))
	}
	if pages == 0 {
		return fail(apperr.New(apperr.UnprocessableDocument, op, "document has no pages"))
	}
	span.SetAttributes(attribute.Int(observability.AttrPages, pages))

	area, err := r.stager.Stage(KindPages)
	if err != nil {
		return fail(err)
	}

	start := time.Now()
	images, err := r.render(ctx, pdfPath, area, pages)
	if err != nil {
		area.Release()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(fmt.Errorf("%s: %w", op, ctxErr))
		}
		return fail(apperr.Wrapf(apperr.UnprocessableDocument, op, err, "failed to render document"))
	}

	slog.Info("Rasterized document", "pages", pages, "dpi", r.dpi, "elapsed", time.Since(start))
	return images, area, nil
}

func (r *Rasterizer) render(ctx context.Context, pdfPath string, area *Area, pages int) ([]string, error) {
	if err := r.renderer.Render(ctx, pdfPath, area.Dir, r.dpi); err != nil {
		return nil, err
	}

	images, err := normalizePages(area.Dir)
	if err != nil {
		return nil, err
	}
	if len(images) != pages {
		return nil, fmt.Errorf("renderer produced %d images for %d pages", len(images), pages)
	}
	return images, nil
}

var pageNumber = regexp.MustCompile(`(\d+)\.png$`)

// normalizePages renames the PNG files in dir to page_<n>.png, numbered
// from 1 in the order of the page number embedded in their names.
func normalizePages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type page struct {
		num  int
		name string
	}
	var found []page
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pageNumber.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, page{num: num, name: e.Name()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].num < found[j].num })

	// Two passes so a target name never clobbers a file not yet renamed.
	tmp := make([]string, len(found))
	for i, p := range found {
		tmp[i] = filepath.Join(dir, fmt.Sprintf(".tmp_%d", i+1))
		if err := os.Rename(filepath.Join(dir, p.name), tmp[i]); err != nil {
			return nil, err
		}
	}

	images := make([]string, len(found))
	for i := range found {
		images[i] = filepath.Join(dir, fmt.Sprintf("page_%d.png", i+1))
		if err := os.Rename(tmp[i], images[i]); err != nil {
			return nil, err
		}
	}
	if len(images) == 0 {
		return nil, errors.New("renderer produced no images")
	}
	return images, nil
}
