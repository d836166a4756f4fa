package triage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrAttemptTimeout marks a model call that ran past the summarizer's
// per-attempt budget while the caller's context was still live.
var ErrAttemptTimeout = errors.New("triage attempt timed out")

// ProviderError is a triage call the model provider answered with an error
// status.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %v", e.Provider, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether one more triage attempt may succeed: the
// attempt budget ran out, the network timed out, or the provider was rate
// limited or failed server-side. Caller cancellation, the caller's own
// deadline and client errors are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAttemptTimeout):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status == http.StatusTooManyRequests || pe.Status >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
