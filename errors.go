package tdac

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExtractionTimeout is returned when no challenge token surfaced from any
// detection source before the extraction deadline.
var ErrExtractionTimeout = errors.New("challenge token not observed before deadline")

// ErrExtractionAborted is returned when the caller cancels extraction before
// a token was observed.
var ErrExtractionAborted = errors.New("token extraction aborted by caller")

// ErrAttemptInFlight is returned when a second submission is requested for a
// correlation id that already has an attempt running.
var ErrAttemptInFlight = errors.New("a submission attempt is already in flight for this correlation id")

// ValidationError reports required traveler fields that were empty. No
// network activity has happened when this is returned.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("traveler context incomplete, missing: %s", strings.Join(e.Missing, ", "))
}

// StepError is a failure of one protocol step. It carries the step identity,
// the HTTP status when a response was received, and the raw server message.
type StepError struct {
	Step          Step
	HTTPStatus    int
	ServerMessage string
	Err           error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %s failed", e.Step)
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.HTTPStatus)
	}
	if e.ServerMessage != "" {
		msg += ": " + e.ServerMessage
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// AmbiguousSubmissionError means the finalize call failed without a response,
// so a record may or may not exist server-side. It must never be resolved by
// blindly retrying the finalize step.
type AmbiguousSubmissionError struct {
	SubmitID string
	Err      error
}

func (e *AmbiguousSubmissionError) Error() string {
	return fmt.Sprintf("submission %s finalize outcome unknown: %v", e.SubmitID, e.Err)
}

func (e *AmbiguousSubmissionError) Unwrap() error { return e.Err }

// FallbackExhaustedError means both the token+API path and the DOM automation
// fallback failed.
type FallbackExhaustedError struct {
	Primary  error
	Fallback error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("primary path failed (%v) and fallback failed (%v)", e.Primary, e.Fallback)
}

func (e *FallbackExhaustedError) Unwrap() error { return e.Primary }

// isTransientNetworkError checks if an error is a network/timeout error worth
// a single retry. Business-logic rejections never match.
func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) && stepErr.HTTPStatus != 0 {
		// The server answered; this is a rejection, not a transport fault.
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "Client.Timeout") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host")
}

// classifyTimeoutOrigin labels a timed-out call for logs. A failure observed
// well before the configured per-call timeout points at the local runtime or
// an intermediary, not the protocol server. Diagnostic only.
func classifyTimeoutOrigin(elapsed, configured time.Duration) string {
	if elapsed < configured {
		return "external"
	}
	return "server"
}
