package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/model/modeltest"
	"github.com/kadirpekel/docagent/pkg/testutils"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

// fakeRenderer writes one zero-padded PNG per page, like pdftoppm does.
type fakeRenderer struct {
	img   []byte
	pages int // overrides the real page count when > 0
	err   error
	dpi   int
}

func (f *fakeRenderer) Render(ctx context.Context, pdfPath, outDir string, dpi int) error {
	f.dpi = dpi
	if f.err != nil {
		return f.err
	}
	n := f.pages
	if n == 0 {
		var err error
		if n, err = CountPages(pdfPath); err != nil {
			return err
		}
	}
	for i := n; i >= 1; i-- {
		name := filepath.Join(outDir, fmt.Sprintf("page-%02d.png", i))
		if err := os.WriteFile(name, append([]byte(nil), f.img...), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writePDF(t *testing.T, pages int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, testutils.PDF(pages), 0o644))
	return path
}

func newStager(t *testing.T) *Stager {
	t.Helper()
	s, err := NewStager(filepath.Join(t.TempDir(), "staging"), nil)
	require.NoError(t, err)
	return s
}

func TestStager_StageAndRelease(t *testing.T) {
	s := newStager(t)

	area, err := s.Stage(KindUpload)
	require.NoError(t, err)
	assert.DirExists(t, area.Dir)
	assert.Equal(t, filepath.Join(s.Root(), KindUpload, area.ID), area.Dir)
	assert.Equal(t, filepath.Join(area.Dir, "x.pdf"), area.Path("../x.pdf"))
	assert.Equal(t, 1, s.Active())

	require.NoError(t, os.WriteFile(area.Path("f"), []byte("data"), 0o644))
	area.Release()
	area.Release()
	assert.NoDirExists(t, area.Dir)
	assert.Equal(t, 0, s.Active())

	var nilArea *Area
	assert.NotPanics(t, nilArea.Release)
}

func TestStager_InvalidKind(t *testing.T) {
	s := newStager(t)
	for _, kind := range []string{"", "../escape", "a/b"} {
		_, err := s.Stage(kind)
		assert.Error(t, err, kind)
	}
}

func TestStager_ClaimOnce(t *testing.T) {
	s := newStager(t)
	area, err := s.Stage(KindUpload)
	require.NoError(t, err)

	_, ok := s.Claim(KindPages, area.ID)
	assert.False(t, ok, "kind must match")

	claimed, ok := s.Claim(KindUpload, area.ID)
	require.True(t, ok)
	assert.Same(t, area, claimed)

	_, ok = s.Claim(KindUpload, area.ID)
	assert.False(t, ok, "an area can only be claimed once")

	_, ok = s.Claim(KindUpload, "missing")
	assert.False(t, ok)

	claimed.Release()
	assert.Equal(t, 0, s.Active())
}

func TestStager_ReleaseAll(t *testing.T) {
	s := newStager(t)
	a, err := s.Stage(KindUpload)
	require.NoError(t, err)
	b, err := s.Stage(KindPages)
	require.NoError(t, err)

	s.ReleaseAll()
	assert.NoDirExists(t, a.Dir)
	assert.NoDirExists(t, b.Dir)
	assert.Equal(t, 0, s.Active())
}

func TestCountPages(t *testing.T) {
	n, err := CountPages(writePDF(t, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	bad := filepath.Join(t.TempDir(), "bad.pdf")
	require.NoError(t, os.WriteFile(bad, []byte("this is not a pdf"), 0o644))
	_, err = CountPages(bad)
	assert.Error(t, err)

	_, err = CountPages(filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}

func TestRasterize_OrderedPages(t *testing.T) {
	s := newStager(t)
	renderer := &fakeRenderer{img: pngBytes(t)}
	r := NewRasterizer(s, WithRenderer(renderer))

	images, area, err := r.Rasterize(context.Background(), writePDF(t, 3))
	require.NoError(t, err)
	defer area.Release()

	assert.Equal(t, DefaultDPI, renderer.dpi)
	assert.Equal(t, KindPages, area.Kind)
	require.Len(t, images, 3)
	for i, img := range images {
		assert.Equal(t, filepath.Join(area.Dir, fmt.Sprintf("page_%d.png", i+1)), img)
		assert.FileExists(t, img)
	}
}

func TestRasterize_Failures(t *testing.T) {
	notPDF := filepath.Join(t.TempDir(), "notes.pdf")
	require.NoError(t, os.WriteFile(notPDF, []byte("hello"), 0o644))

	tests := []struct {
		name     string
		path     string
		renderer *fakeRenderer
	}{
		{"not_a_pdf", notPDF, &fakeRenderer{}},
		{"zero_pages", writePDF(t, 0), &fakeRenderer{}},
		{"renderer_error", writePDF(t, 2), &fakeRenderer{err: errors.New("pdftoppm: crashed")}},
		{"page_count_mismatch", writePDF(t, 3), &fakeRenderer{pages: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.renderer.img = pngBytes(t)
			s := newStager(t)
			r := NewRasterizer(s, WithRenderer(tt.renderer), WithDPI(150))

			images, area, err := r.Rasterize(context.Background(), tt.path)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.UnprocessableDocument), err.Error())
			assert.Nil(t, images)
			assert.Nil(t, area)
			assert.Equal(t, 0, s.Active(), "no staging area may survive a failure")

			entries, _ := os.ReadDir(filepath.Join(s.Root(), KindPages))
			assert.Empty(t, entries)
		})
	}
}

func TestNormalizePages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"page-10.png", "page-2.png", "page-1.png", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	images, err := normalizePages(dir)
	require.NoError(t, err)
	require.Len(t, images, 3)

	data, err := os.ReadFile(images[2])
	require.NoError(t, err)
	assert.Equal(t, "page-10.png", string(data))

	_, err = normalizePages(t.TempDir())
	assert.Error(t, err)
}

func TestPdftoppmRenderer_MissingBinary(t *testing.T) {
	r := PdftoppmRenderer{Command: "docagent-no-such-renderer"}
	err := r.Render(context.Background(), "in.pdf", t.TempDir(), 300)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "docagent-no-such-renderer")
}

func writeImages(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	img := pngBytes(t)
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("page_%d.png", i+1))
		require.NoError(t, os.WriteFile(paths[i], img, 0o644))
	}
	return paths
}

func TestExtractText_SingleRequestInOrder(t *testing.T) {
	llm := modeltest.NewScriptedModel(modeltest.Text("Línea 1\nLínea 2\n"))
	engine, err := NewOCREngine(llm, OCRConfig{Prompt: "extract"})
	require.NoError(t, err)

	text, err := engine.ExtractText(context.Background(), writeImages(t, 3))
	require.NoError(t, err)
	assert.Equal(t, "Línea 1\nLínea 2\n", text, "model text is returned verbatim")

	require.Equal(t, 1, llm.Calls())
	msgs := llm.Requests()[0].Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, a2a.MessageRoleUser, msgs[0].Role)

	parts := msgs[0].Parts
	require.Len(t, parts, 4)
	assert.Equal(t, "extract", parts[0].(a2a.TextPart).Text)
	for _, p := range parts[1:] {
		_, mime, ok := model.ImageData(p)
		assert.True(t, ok)
		assert.Equal(t, "image/png", mime)
	}
}

func TestExtractText_EmptyInput(t *testing.T) {
	llm := modeltest.NewScriptedModel()
	engine, err := NewOCREngine(llm, OCRConfig{})
	require.NoError(t, err)

	text, err := engine.ExtractText(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, 0, llm.Calls())
}

func TestExtractText_Errors(t *testing.T) {
	tests := []struct {
		name string
		step modeltest.Step
		kind apperr.Kind
	}{
		{"unreachable", modeltest.Error(context.DeadlineExceeded), apperr.InferenceUnavailable},
		{"bad_response", modeltest.Error(errors.New("unexpected status 500")), apperr.InferenceError},
		{"classified", modeltest.Error(apperr.New(apperr.InferenceUnavailable, "ollama", "down")), apperr.InferenceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewOCREngine(modeltest.NewScriptedModel(tt.step), OCRConfig{})
			require.NoError(t, err)
			_, err = engine.ExtractText(context.Background(), writeImages(t, 1))
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestExtractText_Timeout(t *testing.T) {
	slow := modeltest.Step{Func: func(ctx context.Context, _ *model.Request) (*model.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	engine, err := NewOCREngine(modeltest.NewScriptedModel(slow), OCRConfig{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = engine.ExtractText(context.Background(), writeImages(t, 1))
	assert.True(t, apperr.Is(err, apperr.InferenceUnavailable))
}

func TestNewOCREngine_RequiresModel(t *testing.T) {
	_, err := NewOCREngine(nil, OCRConfig{})
	assert.Error(t, err)
}

func TestPipeline_Extract(t *testing.T) {
	s := newStager(t)
	llm := modeltest.NewScriptedModel(modeltest.Text("Page 1\nPage 2"))
	engine, err := NewOCREngine(llm, OCRConfig{})
	require.NoError(t, err)
	p := NewPipeline(NewRasterizer(s, WithRenderer(&fakeRenderer{img: pngBytes(t)})), engine)

	text, err := p.Extract(context.Background(), writePDF(t, 2))
	require.NoError(t, err)
	assert.Equal(t, "Page 1\nPage 2", text)
	assert.Equal(t, 0, s.Active(), "page images are removed after extraction")
}

func TestPipeline_ExtractFailureReleasesPages(t *testing.T) {
	s := newStager(t)
	llm := modeltest.NewScriptedModel(modeltest.Error(errors.New("boom")))
	engine, err := NewOCREngine(llm, OCRConfig{})
	require.NoError(t, err)
	p := NewPipeline(NewRasterizer(s, WithRenderer(&fakeRenderer{img: pngBytes(t)})), engine)

	_, err = p.Extract(context.Background(), writePDF(t, 1))
	require.Error(t, err)
	assert.Equal(t, 0, s.Active())
}
