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

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kadirpekel/docagent/pkg/config"
)

// Manager owns the tracer provider and metrics for the process lifetime.
type Manager struct {
	tracerProvider trace.TracerProvider
	metrics        *Metrics
	config         config.ObservabilityConfig
	version        string
	mu             sync.RWMutex
}

func NewManager(cfg config.ObservabilityConfig, version string) *Manager {
	return &Manager{
		config:  cfg,
		version: version,
	}
}

// NoopManager returns a Manager with tracing and metrics disabled.
func NoopManager() *Manager {
	return &Manager{tracerProvider: noop.NewTracerProvider()}
}

func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitTracer(ctx, m.config.Tracing, m.version)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	if m.config.Metrics.IsEnabled() {
		metrics, err := NewMetrics()
		if err != nil {
			return err
		}
		m.metrics = metrics
	}
	return nil
}

func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Metrics returns nil when metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		errs = append(errs, spt.Shutdown(ctx))
	}
	errs = append(errs, m.metrics.Shutdown(ctx))
	return errors.Join(errs...)
}
