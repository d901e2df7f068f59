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

// Package instruction renders prompt templates with named placeholders.
//
// Placeholders use curly braces:
//
//	{name}   - required; rendering fails when name has no value
//	{name?}  - optional; renders as "" when name has no value
//
// Braces around anything that is not an identifier are left as written,
// so JSON snippets and the like survive rendering. Values are inserted in
// a single pass and are never themselves expanded.
package instruction

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var placeholderRegex = regexp.MustCompile(`{+[^{}]*}+`)

// Values maps placeholder names to their text.
type Values map[string]string

// Template is a parsed prompt template.
type Template struct {
	raw string
}

func New(template string) *Template {
	return &Template{raw: template}
}

func (t *Template) Raw() string {
	return t.raw
}

// Render substitutes every placeholder in the template.
func (t *Template) Render(values Values) (string, error) {
	return Render(t.raw, values)
}

// Render substitutes the placeholders of template with values.
func Render(template string, values Values) (string, error) {
	if template == "" {
		return "", nil
	}

	var b strings.Builder
	last := 0
	for _, m := range placeholderRegex.FindAllStringIndex(template, -1) {
		start, end := m[0], m[1]
		b.WriteString(template[last:start])

		replacement, err := replace(template[start:end], values)
		if err != nil {
			return "", err
		}
		b.WriteString(replacement)
		last = end
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

func replace(match string, values Values) (string, error) {
	name := strings.TrimSpace(strings.Trim(match, "{}"))

	optional := false
	if trimmed, ok := strings.CutSuffix(name, "?"); ok {
		optional = true
		name = trimmed
	}

	if !isIdentifier(name) {
		return match, nil
	}

	value, ok := values[name]
	if !ok && !optional {
		return "", fmt.Errorf("missing value for placeholder %q", name)
	}
	return value, nil
}

// Validate reports the first required placeholder that values cannot
// satisfy. Use it to reject a configured template at startup.
func Validate(template string, names ...string) error {
	values := make(Values, len(names))
	for _, n := range names {
		values[n] = ""
	}
	_, err := Render(template, values)
	return err
}

// ListPlaceholders returns the distinct placeholder names in template, in
// order of first appearance.
func ListPlaceholders(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, match := range placeholderRegex.FindAllString(template, -1) {
		name := strings.TrimSuffix(strings.TrimSpace(strings.Trim(match, "{}")), "?")
		if isIdentifier(name) && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	return names
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) && r != '_' {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}
