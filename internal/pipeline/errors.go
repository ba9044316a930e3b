package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrClassifierUnavailable is returned when no voter produced a usable vote.
	ErrClassifierUnavailable = eris.New("pipeline: no classifier available")
	// ErrUnresolved is returned when a clarification reply selects nothing.
	ErrUnresolved = eris.New("pipeline: clarification unresolved")
	// ErrClarificationExpired is returned for unknown or expired handles.
	ErrClarificationExpired = eris.New("pipeline: clarification expired")
)

// PipelineError is the terminal error of a run aborted by a required phase.
type PipelineError struct {
	Phase string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline: phase %s: %v", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// RateLimitError is returned when a classifier quota window is exhausted.
// It is not retryable until the window resets.
type RateLimitError struct {
	Window string
	Count  int64
	Limit  int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("classifier quota exceeded for %s (%d/%d)", e.Window, e.Count, e.Limit)
}

// ValidationError lists every failed check.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// Reason renders err for the person who sent the message.
func Reason(err error) string {
	var rl *RateLimitError
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rl):
		return "Too many requests right now, please try again later."
	case errors.Is(err, ErrClassifierUnavailable):
		return "I could not understand that right now, please try again."
	case errors.As(err, &ve):
		return strings.Join(ve.Reasons, "; ")
	case errors.Is(err, ErrClarificationExpired):
		return "That question has expired, please send the request again."
	case errors.Is(err, ErrUnresolved):
		return "Please reply with one of the listed numbers."
	}
	return "Something went wrong, please try again."
}
