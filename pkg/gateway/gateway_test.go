package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/docagent/pkg/apperr"
	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/document"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/model/modeltest"
	"github.com/kadirpekel/docagent/pkg/runner"
	"github.com/kadirpekel/docagent/pkg/testutils"
	"github.com/kadirpekel/docagent/pkg/tool"
)

func testConfig(t *testing.T, servers ...config.MCPServerConfig) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.MCP.Servers = servers
	cfg.MCP.RetryInterval = time.Millisecond
	cfg.MCP.MaxAttempts = 2
	cfg.Document.StagingDir = filepath.Join(t.TempDir(), "uploads")
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

type fixture struct {
	gw     *Gateway
	chat   *modeltest.ScriptedModel
	ocr    *modeltest.ScriptedModel
	events []runner.Event
}

func newFixture(t *testing.T, cfg *config.Config, chat, ocr *modeltest.ScriptedModel) *fixture {
	t.Helper()
	f := &fixture{chat: chat, ocr: ocr}
	gw, err := New(Options{
		Config:    cfg,
		ChatModel: chat,
		OCRModel:  ocr,
		Renderer:  testutils.PNGRenderer{Pages: document.CountPages},
		Observer:  func(ev runner.Event) { f.events = append(f.events, ev) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	f.gw = gw
	return f
}

func stagedEntries(t *testing.T, cfg *config.Config, kind string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(cfg.Document.StagingDir, kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func TestAsk_NotReady(t *testing.T) {
	f := newFixture(t, testConfig(t), modeltest.NewScriptedModel(), modeltest.NewScriptedModel())

	_, err := f.gw.Ask(context.Background(), "hola", "")
	assert.True(t, apperr.Is(err, apperr.AgentNotReady))
	assert.False(t, f.gw.Ready())
	assert.Nil(t, f.gw.Report())
	assert.Nil(t, f.gw.Definition())
}

func TestAsk_HolaWithoutToolsOrDocument(t *testing.T) {
	f := newFixture(t, testConfig(t), modeltest.NewScriptedModel(modeltest.Text("¡Hola! ¿En qué te ayudo?")), modeltest.NewScriptedModel())
	require.NoError(t, f.gw.Start(context.Background()))

	answer, err := f.gw.Ask(context.Background(), "  hola  ", "")
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
	assert.Empty(t, f.events)
	assert.Equal(t, "hola", model.MessageText(f.chat.Requests()[0].Messages[0]))
	assert.Equal(t, config.DefaultInstruction, f.chat.Requests()[0].SystemInstruction)
	assert.Equal(t, 0, f.ocr.Calls())
}

func TestAsk_EmptyMessage(t *testing.T) {
	f := newFixture(t, testConfig(t), modeltest.NewScriptedModel(), modeltest.NewScriptedModel())
	require.NoError(t, f.gw.Start(context.Background()))

	_, err := f.gw.Ask(context.Background(), " \n\t", "")
	assert.True(t, apperr.Is(err, apperr.InvalidInput))
	assert.Equal(t, 0, f.chat.Calls())
}

func TestStart_AllEndpointsFail(t *testing.T) {
	cfg := testConfig(t,
		config.MCPServerConfig{Name: "a", URL: "http://127.0.0.1:1/mcp", Transport: config.TransportStreamableHTTP},
		config.MCPServerConfig{Name: "b", URL: "http://127.0.0.1:1/sse", Transport: config.TransportSSE},
	)
	f := newFixture(t, cfg, modeltest.NewScriptedModel(modeltest.Text("ok")), modeltest.NewScriptedModel())

	require.NoError(t, f.gw.Start(context.Background()))
	assert.True(t, f.gw.Ready())
	assert.Equal(t, 0, f.gw.Definition().Tools.Len())
	assert.Len(t, f.gw.Report().Failed(), 2)
	assert.True(t, apperr.Is(f.gw.Report().Degraded, apperr.NoToolsAvailable))

	assert.Error(t, f.gw.Start(context.Background()), "the agent is built once")
}

func TestAsk_UsesDiscoveredTools(t *testing.T) {
	url := testutils.NewStreamableMCPServer(t, "clima", testutils.StaticTool("weather", "Current weather", "soleado"))
	cfg := testConfig(t, config.MCPServerConfig{Name: "clima", URL: url, Transport: config.TransportStreamableHTTP})

	chat := modeltest.NewScriptedModel(
		modeltest.ToolCalls(tool.ToolCall{Name: "weather", Args: map[string]any{}}),
		modeltest.Text("Está soleado"),
	)
	f := newFixture(t, cfg, chat, modeltest.NewScriptedModel())
	require.NoError(t, f.gw.Start(context.Background()))

	answer, err := f.gw.Ask(context.Background(), "¿clima?", "")
	require.NoError(t, err)
	assert.Equal(t, "Está soleado", answer)

	require.Len(t, f.events, 2)
	assert.Equal(t, runner.EventToolCallStarted, f.events[0].Type)
	assert.Equal(t, "soleado", f.events[1].Result)
}

func TestStart_RendersInstruction(t *testing.T) {
	url := testutils.NewStreamableMCPServer(t, "clima", testutils.StaticTool("weather", "Current weather", "soleado"))
	cfg := testConfig(t, config.MCPServerConfig{Name: "clima", URL: url, Transport: config.TransportStreamableHTTP})
	cfg.Agent.Instruction = "Sos {agent_name}. Herramientas: {tools?}."

	f := newFixture(t, cfg, modeltest.NewScriptedModel(modeltest.Text("ok")), modeltest.NewScriptedModel())
	require.NoError(t, f.gw.Start(context.Background()))

	_, err := f.gw.Ask(context.Background(), "hola", "")
	require.NoError(t, err)
	assert.Equal(t, "Sos "+config.DefaultAgentName+". Herramientas: weather.", f.chat.Requests()[0].SystemInstruction)
}

func TestAsk_CustomGroundingTemplate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Document.GroundingTemplate = "Q: {question}\nDOC: {document}"
	chat := modeltest.NewScriptedModel(modeltest.Text("uno"))
	ocr := modeltest.NewScriptedModel(modeltest.Text("texto {con llaves}"))
	f := newFixture(t, cfg, chat, ocr)
	require.NoError(t, f.gw.Start(context.Background()))

	ref, err := f.gw.Upload(context.Background(), "a.pdf", bytes.NewReader(testutils.PDF(1)))
	require.NoError(t, err)

	_, err = f.gw.Ask(context.Background(), "¿qué?", ref)
	require.NoError(t, err)
	assert.Equal(t, "Q: ¿qué?\nDOC: texto {con llaves}", model.MessageText(chat.Requests()[0].Messages[0]))
}

func TestAsk_GroundedInDocument(t *testing.T) {
	cfg := testConfig(t)
	chat := modeltest.NewScriptedModel(modeltest.Text("tres páginas"))
	ocr := modeltest.NewScriptedModel(modeltest.Text("Page1\nPage2\nPage3"))
	f := newFixture(t, cfg, chat, ocr)
	require.NoError(t, f.gw.Start(context.Background()))

	ref, err := f.gw.Upload(context.Background(), "informe.PDF", bytes.NewReader(testutils.PDF(3)))
	require.NoError(t, err)
	require.Len(t, stagedEntries(t, cfg, document.KindUpload), 1)

	answer, err := f.gw.Ask(context.Background(), "¿cuántas páginas?", ref)
	require.NoError(t, err)
	assert.Equal(t, "tres páginas", answer)

	query := model.MessageText(chat.Requests()[0].Messages[0])
	assert.Equal(t, GroundedQuery("Page1\nPage2\nPage3", "¿cuántas páginas?"), query)
	assert.Less(t, strings.Index(query, "Page1\nPage2\nPage3"), strings.Index(query, "¿cuántas páginas?"))

	ocrParts := ocr.Requests()[0].Messages[0].Parts
	assert.Len(t, ocrParts, 4, "prompt plus one image per page")

	assert.Empty(t, stagedEntries(t, cfg, document.KindUpload), "the upload is consumed")
	assert.Empty(t, stagedEntries(t, cfg, document.KindPages))

	_, err = f.gw.Ask(context.Background(), "otra vez", ref)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestAsk_CleanupOnEveryFailure(t *testing.T) {
	tests := []struct {
		name string
		doc  []byte
		ocr  modeltest.Step
		chat modeltest.Step
		kind apperr.Kind
	}{
		{
			name: "invalid_document",
			doc:  []byte("%PDF-garbage"),
			kind: apperr.UnprocessableDocument,
		},
		{
			name: "ocr_unavailable",
			doc:  testutils.PDF(2),
			ocr:  modeltest.Error(apperr.New(apperr.InferenceUnavailable, "ollama", "connection refused")),
			kind: apperr.InferenceUnavailable,
		},
		{
			name: "turn_fails_after_extraction",
			doc:  testutils.PDF(1),
			ocr:  modeltest.Text("texto"),
			chat: modeltest.Error(errors.New("model exploded")),
			kind: apperr.InferenceError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			f := newFixture(t, cfg, modeltest.NewScriptedModel(tt.chat), modeltest.NewScriptedModel(tt.ocr))
			require.NoError(t, f.gw.Start(context.Background()))

			ref, err := f.gw.Upload(context.Background(), "doc.pdf", bytes.NewReader(tt.doc))
			require.NoError(t, err)

			answer, err := f.gw.Ask(context.Background(), "resumí", ref)
			require.Error(t, err)
			assert.Empty(t, answer)
			assert.Equal(t, tt.kind, apperr.KindOf(err))

			assert.Empty(t, stagedEntries(t, cfg, document.KindUpload))
			assert.Empty(t, stagedEntries(t, cfg, document.KindPages))
		})
	}
}

func TestUpload_Validation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Document.MaxUploadBytes = 16
	f := newFixture(t, cfg, modeltest.NewScriptedModel(), modeltest.NewScriptedModel())

	_, err := f.gw.Upload(context.Background(), "notes.txt", strings.NewReader("data"))
	assert.True(t, apperr.Is(err, apperr.InvalidInput))

	_, err = f.gw.Upload(context.Background(), "empty.pdf", strings.NewReader(""))
	assert.True(t, apperr.Is(err, apperr.InvalidInput))

	_, err = f.gw.Upload(context.Background(), "big.pdf", strings.NewReader(strings.Repeat("x", 17)))
	assert.True(t, apperr.Is(err, apperr.InvalidInput))

	assert.Empty(t, stagedEntries(t, cfg, document.KindUpload), "rejected uploads leave nothing behind")
}

func TestClose_RemovesUnconsumedUploads(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(Options{Config: cfg, ChatModel: modeltest.NewScriptedModel(), Renderer: testutils.PNGRenderer{Pages: document.CountPages}})
	require.NoError(t, err)

	_, err = gw.Upload(context.Background(), "doc.pdf", bytes.NewReader(testutils.PDF(1)))
	require.NoError(t, err)
	require.Len(t, stagedEntries(t, cfg, document.KindUpload), 1)

	require.NoError(t, gw.Close())
	assert.Empty(t, stagedEntries(t, cfg, document.KindUpload))
}

func TestAsk_PersistentContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.KeepContext = true
	chat := modeltest.NewScriptedModel(modeltest.Text("uno"), modeltest.Text("dos"))
	f := newFixture(t, cfg, chat, modeltest.NewScriptedModel())
	require.NoError(t, f.gw.Start(context.Background()))

	_, err := f.gw.Ask(context.Background(), "primera", "")
	require.NoError(t, err)
	_, err = f.gw.Ask(context.Background(), "segunda", "")
	require.NoError(t, err)

	assert.Len(t, chat.Requests()[1].Messages, 3, "second turn sees the first one")
}

func TestAsk_EphemeralContext(t *testing.T) {
	chat := modeltest.NewScriptedModel(modeltest.Text("uno"), modeltest.Text("dos"))
	f := newFixture(t, testConfig(t), chat, modeltest.NewScriptedModel())
	require.NoError(t, f.gw.Start(context.Background()))

	_, err := f.gw.Ask(context.Background(), "primera", "")
	require.NoError(t, err)
	_, err = f.gw.Ask(context.Background(), "segunda", "")
	require.NoError(t, err)

	assert.Len(t, chat.Requests()[1].Messages, 1)
}

func TestAsk_EphemeralContextConcurrent(t *testing.T) {
	const n = 20
	steps := make([]modeltest.Step, n)
	for i := range steps {
		steps[i] = modeltest.Text("ok")
	}
	chat := modeltest.NewScriptedModel(steps...)
	f := newFixture(t, testConfig(t), chat, modeltest.NewScriptedModel())
	require.NoError(t, f.gw.Start(context.Background()))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.gw.Ask(context.Background(), fmt.Sprintf("pregunta %d", i), "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, chat.Requests(), n)
	for _, req := range chat.Requests() {
		assert.Len(t, req.Messages, 1, "ephemeral turns never see each other")
	}
}

func TestStart_RetryAfterFailure(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg, modeltest.NewScriptedModel(modeltest.Text("ok")), modeltest.NewScriptedModel())

	cfg.Agent.Instruction = "Sos {persona}."
	require.Error(t, f.gw.Start(context.Background()))
	assert.False(t, f.gw.Ready())

	cfg.Agent.Instruction = config.DefaultInstruction
	require.NoError(t, f.gw.Start(context.Background()))
	assert.True(t, f.gw.Ready())
	assert.Error(t, f.gw.Start(context.Background()), "a started gateway cannot start again")
}

func TestGroundedQuery(t *testing.T) {
	q := GroundedQuery("línea 1\nlínea 2", "¿qué dice?")
	assert.True(t, strings.HasPrefix(q, "Sos un asistente"))
	assert.Contains(t, q, "TEXTO DEL DOCUMENTO:\n-------------------\nlínea 1\nlínea 2\n-------------------")
	assert.True(t, strings.HasSuffix(q, "PREGUNTA:\n¿qué dice?"))
}

func TestNewLLM(t *testing.T) {
	llm, err := NewLLM(config.LLMConfig{Provider: config.ProviderOllama, BaseURL: "http://localhost:11434"}, "llava")
	require.NoError(t, err)
	assert.Equal(t, "llava", llm.Name())
	assert.Equal(t, model.ProviderOllama, llm.Provider())

	_, err = NewLLM(config.LLMConfig{Provider: "bedrock"}, "x")
	assert.Error(t, err)
}
