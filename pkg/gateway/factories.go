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

package gateway

import (
	"fmt"

	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/model"
	"github.com/kadirpekel/docagent/pkg/model/gemini"
	"github.com/kadirpekel/docagent/pkg/model/ollama"
)

// NewLLM creates the model named modelName on the configured provider.
func NewLLM(cfg config.LLMConfig, modelName string) (model.LLM, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return gemini.New(gemini.Config{
			APIKey:      cfg.APIKey,
			Model:       modelName,
			Temperature: cfg.Temperature,
			BaseURL:     cfg.BaseURL,
		})

	case config.ProviderOllama, "":
		return ollama.New(ollama.Config{
			BaseURL:     cfg.BaseURL,
			Model:       modelName,
			Temperature: cfg.Temperature,
			KeepAlive:   cfg.KeepAlive,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
		})

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
