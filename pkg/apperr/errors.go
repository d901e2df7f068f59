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

// Package apperr defines the error kinds shared across docagent components.
//
// Callers branch on the kind, never on message text:
//
//	if apperr.Is(err, apperr.InferenceUnavailable) { ... }
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero kind; it maps to an internal error.
	Unknown Kind = iota

	// ProviderUnreachable means a tool-provider endpoint exhausted its retry budget.
	ProviderUnreachable

	// NoToolsAvailable means discovery finished with an empty tool set.
	NoToolsAvailable

	// UnprocessableDocument means the input could not be parsed as a PDF or has no pages.
	UnprocessableDocument

	// InferenceUnavailable means the model service could not be reached.
	InferenceUnavailable

	// InferenceError means the model service answered with a failure.
	InferenceError

	// AgentNotReady means a request arrived before startup completed.
	AgentNotReady

	// InvalidInput means the caller sent an unusable request.
	InvalidInput

	// NotFound means a referenced resource does not exist.
	NotFound
)

var kindNames = map[Kind]string{
	Unknown:               "Unknown",
	ProviderUnreachable:   "ProviderUnreachable",
	NoToolsAvailable:      "NoToolsAvailable",
	UnprocessableDocument: "UnprocessableDocument",
	InferenceUnavailable:  "InferenceUnavailable",
	InferenceError:        "InferenceError",
	AgentNotReady:         "AgentNotReady",
	InvalidInput:          "InvalidInput",
	NotFound:              "NotFound",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTPStatus returns the response status used for errors of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput, UnprocessableDocument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case InferenceUnavailable:
		return http.StatusBadGateway
	case AgentNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error.
type Error struct {
	Kind    Kind   // Failure classification
	Op      string // Operation that failed
	Message string // Human-readable message, safe to return to clients
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err with a message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
