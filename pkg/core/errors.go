package core

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// StageKind names the pipeline stage that failed.
type StageKind string

const (
	TranscriptionFailed StageKind = "transcription_failed"
	EmptyTranscription  StageKind = "empty_transcription"
	ResponseFailed      StageKind = "response_failed"
	SynthesisFailed     StageKind = "synthesis_failed"
)

// Markers for errors.Is checks against a stage kind.
var (
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrEmptyTranscription  = errors.New("empty transcription")
	ErrResponseFailed      = errors.New("response failed")
	ErrSynthesisFailed     = errors.New("synthesis failed")
)

func (k StageKind) marker() error {
	switch k {
	case TranscriptionFailed:
		return ErrTranscriptionFailed
	case EmptyTranscription:
		return ErrEmptyTranscription
	case ResponseFailed:
		return ErrResponseFailed
	case SynthesisFailed:
		return ErrSynthesisFailed
	default:
		return nil
	}
}

// StageError is a failed pipeline stage. It never ends the connection.
type StageError struct {
	Kind     StageKind
	Provider string
	Err      error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches the kind's marker so both the standard library and cockroachdb
// errors.Is see it.
func (e *StageError) Is(target error) bool {
	return e != nil && target != nil && target == e.Kind.marker()
}

// TimedOut reports whether the stage hit its deadline.
func (e *StageError) TimedOut() bool {
	return e != nil && errors.Is(e.Err, context.DeadlineExceeded)
}

// NewStageError wraps cause as a failure of kind. A nil cause becomes a plain
// message so EmptyTranscription can be raised without an underlying error.
func NewStageError(kind StageKind, provider string, cause error) error {
	if cause == nil {
		cause = errors.Newf("%s", kind)
	}
	wrapped := cause
	if m := kind.marker(); m != nil {
		wrapped = errors.Mark(cause, m)
	}
	return &StageError{Kind: kind, Provider: provider, Err: wrapped}
}

// StageKindOf extracts the stage kind from err.
func StageKindOf(err error) (StageKind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// ProviderError is returned by capability adapters when the remote service
// fails; Retryable is informational only, the pipeline never retries.
type ProviderError struct {
	Provider  string
	Operation string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Operation, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProviderError(provider, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{
		Provider:  provider,
		Operation: operation,
		Retryable: !errors.Is(err, context.Canceled),
		Err:       errors.WithStack(err),
	}
}
