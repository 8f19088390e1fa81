package turn

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermissionDenied is returned by a Recorder when microphone access
	// is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrUnsupportedPlatform is returned by a Recorder when the platform
	// cannot capture audio at all.
	ErrUnsupportedPlatform = errors.New("audio capture not supported")

	// ErrInvariantViolation signals a ConversationLog misuse. It indicates
	// a bug, never a user facing condition.
	ErrInvariantViolation = errors.New("conversation log invariant violated")

	// ErrTurnNotFound is returned when a turn was removed from the log.
	ErrTurnNotFound = errors.New("turn not found")
)

// FailureKind classifies remote call failures.
type FailureKind int

const (
	TranscriptionFailure FailureKind = iota + 1
	CompletionFailure
	SynthesisFailure
	ModelWarmupPending
)

func (k FailureKind) String() string {
	switch k {
	case TranscriptionFailure:
		return "transcription"
	case CompletionFailure:
		return "completion"
	case SynthesisFailure:
		return "synthesis"
	case ModelWarmupPending:
		return "model warmup"
	default:
		return "unknown"
	}
}

// Failure wraps the error of a remote stage.
type Failure struct {
	Kind       FailureKind
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	if f.Kind == ModelWarmupPending {
		return fmt.Sprintf("%s failure: retry after %s", f.Kind, f.RetryAfter)
	}
	return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// WarmupError is returned by a Transcriber while the speech model loads.
type WarmupError struct {
	RetryAfter time.Duration
}

func (e *WarmupError) Error() string {
	return fmt.Sprintf("model loading, retry after %s", e.RetryAfter)
}
