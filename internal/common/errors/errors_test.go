package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{InvalidInput("bad name"), http.StatusBadRequest},
		{Unauthorized("no token"), http.StatusUnauthorized},
		{Forbidden("not yours"), http.StatusForbidden},
		{NotFound("agent %q", "x"), http.StatusNotFound},
		{Conflict("name taken"), http.StatusConflict},
		{QueueNotReady("agent stopped"), http.StatusConflict},
		{TemplateUnavailable(nil, "fetch failed"), http.StatusServiceUnavailable},
		{EngineUnavailable(nil, "docker down"), http.StatusServiceUnavailable},
		{Timeout("budget exceeded"), http.StatusGatewayTimeout},
		{Internal(nil, "boom"), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	inner := fmt.Errorf("socket closed")
	err := EngineUnavailable(inner, "container engine unreachable")

	appErr, ok := As(fmt.Errorf("start agent: %w", err))
	if !ok {
		t.Fatal("expected AppError in chain")
	}
	if appErr.Code != CodeEngineUnavailable {
		t.Errorf("code = %s, want %s", appErr.Code, CodeEngineUnavailable)
	}
	if appErr.Unwrap() != inner {
		t.Error("Unwrap should return the inner error")
	}
}

func TestIs(t *testing.T) {
	err := Conflict("agent %q already exists", "a1")
	if !Is(err, CodeConflict) {
		t.Error("Is should match the code")
	}
	if Is(err, CodeNotFound) {
		t.Error("Is should not match a different code")
	}
}

func TestSanitizerRedactsValues(t *testing.T) {
	s := NewSanitizer()
	s.Add("sk-verysecretvalue")
	s.Add("ab") // too short, ignored

	msg := s.Clean("auth failed for key sk-verysecretvalue (ab)")
	if msg != "auth failed for key [redacted] (ab)" {
		t.Errorf("unexpected sanitized message: %q", msg)
	}
}

func TestCleanErrorWrapsPlainErrors(t *testing.T) {
	s := NewSanitizer()
	s.Add("topsecret123")

	appErr := s.CleanError(fmt.Errorf("dial failed with password topsecret123"))
	if appErr.Code != CodeInternal {
		t.Errorf("code = %s, want internal", appErr.Code)
	}
	// The message of a wrapped internal error is generic; the detail stays in Err.
	if appErr.Message != "internal error" {
		t.Errorf("message = %q", appErr.Message)
	}
}

func TestSanitizerRemove(t *testing.T) {
	s := NewSanitizer()
	s.Add("oldvalue99")
	s.Remove("oldvalue99")
	if got := s.Clean("value oldvalue99"); got != "value oldvalue99" {
		t.Errorf("removed value should not be redacted, got %q", got)
	}
}
