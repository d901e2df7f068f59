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
	"fmt"
	"io"
	"os"

	"github.com/kadirpekel/docagent/pkg/config"
	"github.com/kadirpekel/docagent/pkg/logger"
)

const (
	LogFileEnvVar   = "LOG_FILE"
	LogLevelEnvVar  = "LOG_LEVEL"
	LogFormatEnvVar = "LOG_FORMAT"
)

// initLogger installs the default logger. Each setting is taken from the
// CLI flag, then the environment, then cfg (which may be nil).
func initLogger(cliLevel, cliFile, cliFormat string, cfg *config.LoggerConfig) (func(), error) {
	if cfg == nil {
		cfg = &config.LoggerConfig{}
	}

	levelStr := firstNonEmpty(cliLevel, os.Getenv(LogLevelEnvVar), cfg.Level, "info")
	file := firstNonEmpty(cliFile, os.Getenv(LogFileEnvVar), cfg.File)
	format := firstNonEmpty(cliFormat, os.Getenv(LogFormatEnvVar), cfg.Format, config.DefaultLogFormat)

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer = os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
