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
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/docagent/pkg/document"
	"github.com/kadirpekel/docagent/pkg/gateway"
)

// OCRCmd rasterizes a local PDF and prints the extracted text.
type OCRCmd struct {
	File string `arg:"" type:"existingfile" help:"PDF to extract."`
	DPI  int    `help:"Rasterization resolution; defaults to the configured value."`
}

func (c *OCRCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	dpi := cfg.Document.DPI
	if c.DPI > 0 {
		dpi = c.DPI
	}

	llm, err := gateway.NewLLM(cfg.LLM, cfg.LLM.OCRModel)
	if err != nil {
		return err
	}
	defer llm.Close()

	stagingDir, err := os.MkdirTemp("", "docagent-ocr-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stagingDir)

	stager, err := document.NewStager(stagingDir, nil)
	if err != nil {
		return err
	}
	defer stager.ReleaseAll()

	engine, err := document.NewOCREngine(llm, document.OCRConfig{
		Prompt:      cfg.Document.OCRPrompt,
		Timeout:     cfg.Document.OCRTimeout,
		Concurrency: cfg.Document.OCRConcurrency,
	})
	if err != nil {
		return err
	}
	pipeline := document.NewPipeline(
		document.NewRasterizer(stager,
			document.WithRenderer(document.PdftoppmRenderer{Command: cfg.Document.Renderer}),
			document.WithDPI(dpi),
		),
		engine,
	)

	text, err := pipeline.Extract(ctx, c.File)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}
