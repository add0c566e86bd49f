package errors

import (
	"strings"
	"sync"
)

// Sanitizer redacts known sensitive values from outbound strings. It is the
// single place where secret material is scrubbed before an error message,
// hint, or log line leaves the process boundary.
type Sanitizer struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

const redacted = "[redacted]"

// NewSanitizer creates an empty sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{values: make(map[string]struct{})}
}

// Add registers a sensitive value. Short values are ignored to avoid
// redacting common substrings.
func (s *Sanitizer) Add(value string) {
	if len(value) < 4 {
		return
	}
	s.mu.Lock()
	s.values[value] = struct{}{}
	s.mu.Unlock()
}

// Remove unregisters a value, e.g. after a secret is deleted.
func (s *Sanitizer) Remove(value string) {
	s.mu.Lock()
	delete(s.values, value)
	s.mu.Unlock()
}

// Clean replaces every occurrence of a registered value in the input.
func (s *Sanitizer) Clean(in string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := in
	for v := range s.values {
		if strings.Contains(out, v) {
			out = strings.ReplaceAll(out, v, redacted)
		}
	}
	return out
}

// CleanError sanitizes an AppError's message and hint in place and returns it.
// Non-AppError values are wrapped as Internal first so raw driver errors never
// reach a caller verbatim.
func (s *Sanitizer) CleanError(err error) *AppError {
	appErr, ok := As(err)
	if !ok {
		appErr = Internal(err, "internal error")
	}
	appErr.Message = s.Clean(appErr.Message)
	appErr.Hint = s.Clean(appErr.Hint)
	return appErr
}
