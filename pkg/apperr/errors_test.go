package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidInput, http.StatusBadRequest},
		{UnprocessableDocument, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{InferenceUnavailable, http.StatusBadGateway},
		{AgentNotReady, http.StatusServiceUnavailable},
		{InferenceError, http.StatusInternalServerError},
		{ProviderUnreachable, http.StatusInternalServerError},
		{Unknown, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain", base, Unknown},
		{"direct", Wrap(InferenceUnavailable, "ocr", base), InferenceUnavailable},
		{"wrapped_by_fmt", fmt.Errorf("turn: %w", Wrap(InferenceError, "chat", base)), InferenceError},
		{"outermost_wins", Wrap(AgentNotReady, "ask", Wrap(InferenceError, "chat", base)), AgentNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(InferenceError, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
	if err := Wrapf(InferenceError, "op", nil, "msg"); err != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", err)
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrapf(UnprocessableDocument, "rasterize", base, "not a pdf")

	if !errors.Is(err, base) {
		t.Error("expected errors.Is to reach the cause")
	}
	if got := Message(err); got != "not a pdf" {
		t.Errorf("Message() = %q", got)
	}
	if got := err.Error(); got != "rasterize: not a pdf: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestNewWithoutMessage(t *testing.T) {
	err := &Error{Kind: NoToolsAvailable}
	if got := err.Error(); got != "NoToolsAvailable" {
		t.Errorf("Error() = %q", got)
	}
}
