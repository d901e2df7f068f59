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

// Package document turns uploaded PDFs into text.
//
// The pipeline stages the upload on disk, renders every page to a PNG
// image and sends the images to a vision model. Every directory it
// creates lives in a staging Area that is removed when its owner is done.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/docagent/pkg/observability"
)

// Staging area kinds.
const (
	KindUpload = "uploads"
	KindPages  = "pages"
)

// Area is a request-owned directory. Release removes it.
type Area struct {
	ID   string
	Kind string
	Dir  string

	stager *Stager
	once   sync.Once
}

// Path returns the path of name inside the area.
func (a *Area) Path(name string) string {
	return filepath.Join(a.Dir, filepath.Base(name))
}

// Release removes the area and everything in it. It is idempotent, safe
// on a nil Area and never fails; removal errors are logged.
func (a *Area) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if err := os.RemoveAll(a.Dir); err != nil {
			slog.Error("Failed to remove staging area", "area", a.ID, "kind", a.Kind, "dir", a.Dir, "error", err)
		} else {
			slog.Debug("Released staging area", "area", a.ID, "kind", a.Kind)
		}
		if a.stager != nil {
			a.stager.forget(a)
		}
	})
}

// Stager creates staging areas under a root directory and tracks the live
// ones so they can be reclaimed at shutdown.
type Stager struct {
	root    string
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	areas   map[string]*Area
	claimed map[string]bool
}

// NewStager creates root if needed. Metrics may be nil.
func NewStager(root string, metrics *observability.Metrics) (*Stager, error) {
	if root == "" {
		return nil, fmt.Errorf("staging root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve staging root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	return &Stager{
		root:    abs,
		metrics: metrics,
		now:     time.Now,
		areas:   make(map[string]*Area),
		claimed: make(map[string]bool),
	}, nil
}

func (s *Stager) Root() string {
	return s.root
}

// Stage creates a fresh area of the given kind at <root>/<kind>/<timestamp>-<uuid>.
func (s *Stager) Stage(kind string) (*Area, error) {
	if kind == "" || kind != filepath.Base(kind) {
		return nil, fmt.Errorf("invalid staging kind %q", kind)
	}

	id := fmt.Sprintf("%s-%s", s.now().UTC().Format("20060102T150405.000000"), uuid.NewString())
	dir := filepath.Join(s.root, kind, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// MkdirAll may have created parents before failing.
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create staging area: %w", err)
	}

	area := &Area{ID: id, Kind: kind, Dir: dir, stager: s}

	s.mu.Lock()
	s.areas[id] = area
	s.mu.Unlock()

	s.metrics.StagingAreaOpened(context.Background(), kind)
	slog.Debug("Staged area", "area", id, "kind", kind)
	return area, nil
}

// Claim hands the live area with id and kind to the caller, who becomes
// responsible for releasing it. An area can be claimed once.
func (s *Stager) Claim(kind, id string) (*Area, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	area, ok := s.areas[id]
	if !ok || area.Kind != kind || s.claimed[id] {
		return nil, false
	}
	s.claimed[id] = true
	return area, true
}

// Active returns the number of live areas.
func (s *Stager) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.areas)
}

// ReleaseAll removes every live area.
func (s *Stager) ReleaseAll() {
	s.mu.Lock()
	areas := make([]*Area, 0, len(s.areas))
	for _, a := range s.areas {
		areas = append(areas, a)
	}
	s.mu.Unlock()

	for _, a := range areas {
		a.Release()
	}
	if len(areas) > 0 {
		slog.Info("Released staging areas", "count", len(areas))
	}
}

func (s *Stager) forget(a *Area) {
	s.mu.Lock()
	_, ok := s.areas[a.ID]
	delete(s.areas, a.ID)
	delete(s.claimed, a.ID)
	s.mu.Unlock()
	if ok {
		s.metrics.StagingAreaReleased(context.Background(), a.Kind)
	}
}
