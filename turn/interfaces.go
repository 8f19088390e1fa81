package turn

import (
	"context"
	"time"

	"github.com/agnivade/voicechat/audio"
)

// Recorder acquires the microphone.
type Recorder interface {
	// Open starts capturing. onChunk receives the audio accumulated over
	// each chunk interval, in order. It returns ErrPermissionDenied or
	// ErrUnsupportedPlatform when capture is impossible.
	Open(ctx context.Context, chunkInterval time.Duration, onChunk func([]byte)) (Recording, error)
}

// Recording is an open capture.
type Recording interface {
	// Levels returns the most recent normalized samples.
	Levels() []float32

	// Stop delivers the final partial chunk through onChunk before it
	// returns and releases the device, even when it returns an error.
	Stop() error

	// Assemble joins the captured chunks into a single clip.
	Assemble(chunks [][]byte) audio.Blob
}

// Transcriber converts a clip to text. It returns *WarmupError while the
// model is loading.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Blob) (string, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Blob, error)
}

// SessionProvider gates recording behind sign-in.
type SessionProvider interface {
	IsAuthenticated() bool
}

// Player plays synthesized replies.
type Player interface {
	Play(ctx context.Context, clip audio.Blob) error
}

// Notifier surfaces transient user-facing messages.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }
