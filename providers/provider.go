package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/agnivade/voicechat/audio"
)

// Transcriber converts a recorded clip into text. Different providers can
// implement this interface to support various speech services like Google
// Speech, Deepgram, etc.
type Transcriber interface {
	// Name identifies the provider in logs and latency statistics.
	Name() string

	// Transcribe sends the whole clip to the service and blocks until the
	// transcript is available. The mime type of the clip decides the encoding
	// reported to the service.
	Transcribe(ctx context.Context, clip audio.Blob) (Transcription, error)
}

// Completer generates a reply to a prompt.
type Completer interface {
	Name() string
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// Synthesizer turns text into spoken audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) (Speech, error)
}

// Warmer is implemented by providers whose backing model can be loaded ahead
// of the first request.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Transcription represents a transcription result with billing metadata.
type Transcription struct {
	// Text is the transcribed text
	Text string

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float32

	// ProviderName is the name of the provider that produced this result
	ProviderName string

	// APIPath and APIVersion identify the billed endpoint.
	APIPath    string
	APIVersion string

	// BilledTime is the audio duration the service charges for.
	BilledTime time.Duration

	// ReceivedAt is when the result was received from the service.
	ReceivedAt time.Time
}

// Completion is the generated reply along with token usage.
type Completion struct {
	Text             string
	Model            string
	APIPath          string
	APIVersion       string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Speech is synthesized audio along with the billed character count.
type Speech struct {
	Audio         audio.Blob
	ModelName     string
	APIPath       string
	APIVersion    string
	BillableChars int
}

// WarmupError is returned while the backing model is still loading. The
// caller may retry after EstimatedTime.
type WarmupError struct {
	EstimatedTime time.Duration
}

func (e *WarmupError) Error() string {
	return fmt.Sprintf("model loading, estimated time %s", e.EstimatedTime)
}
