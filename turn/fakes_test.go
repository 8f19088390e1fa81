package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
)

type fakeRecording struct {
	mu      sync.Mutex
	levels  []float32
	onChunk func([]byte)
	tail    []byte
	stopped bool
}

func (r *fakeRecording) Levels() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.levels...)
}

func (r *fakeRecording) setLevel(v float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = []float32{v, -v, v, -v}
}

func (r *fakeRecording) emit(chunk string) {
	r.onChunk([]byte(chunk))
}

// setTail sets the partial chunk delivered by Stop.
func (r *fakeRecording) setTail(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tail = []byte(chunk)
}

func (r *fakeRecording) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tail) > 0 {
		r.onChunk(r.tail)
		r.tail = nil
	}
	r.stopped = true
	return nil
}

func (r *fakeRecording) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *fakeRecording) Assemble(chunks [][]byte) audio.Blob {
	return audio.Concat(audio.MimeOggOpus, chunks)
}

type fakeRecorder struct {
	err    error
	opened chan *fakeRecording
}

func (r *fakeRecorder) Open(_ context.Context, _ time.Duration, onChunk func([]byte)) (Recording, error) {
	if r.err != nil {
		return nil, r.err
	}
	rec := &fakeRecording{onChunk: onChunk}
	rec.setLevel(0.5)
	r.opened <- rec
	return rec, nil
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls []audio.Blob
	fn    func(ctx context.Context, clip audio.Blob) (string, error)
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, clip audio.Blob) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, clip)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, clip)
	}
	return string(clip.Data), nil
}

func (f *fakeTranscriber) Calls() []audio.Blob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Blob(nil), f.calls...)
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, prompt)
	}
	return "reply:" + prompt, nil
}

func (f *fakeCompleter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSynthesizer struct {
	fn func(ctx context.Context, text string) (audio.Blob, error)
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (audio.Blob, error) {
	if f.fn != nil {
		return f.fn(ctx, text)
	}
	return audio.Blob{MimeType: audio.MimeMPEG, Data: []byte("audio:" + text)}, nil
}

type fakePlayer struct {
	played chan audio.Blob
}

func (p *fakePlayer) Play(_ context.Context, clip audio.Blob) error {
	p.played <- clip
	return nil
}

type fakeSession bool

func (s fakeSession) IsAuthenticated() bool { return bool(s) }

type harness struct {
	c       *Controller
	rec     *fakeRecorder
	stt     *fakeTranscriber
	llm     *fakeCompleter
	tts     *fakeSynthesizer
	player  *fakePlayer
	notices chan Notice

	mu         sync.Mutex
	violations []string
}

func testConfig() Config {
	return Config{
		ChunkInterval:     time.Second,
		SampleInterval:    2 * time.Millisecond,
		LoudnessThreshold: 0.05,
		MaxSilentSamples:  16,
		MinChunks:         2,
		RemoteTimeout:     time.Second,
		MaxWarmupRetries:  2,
		MaxRetryWait:      time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, modify ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		rec:     &fakeRecorder{opened: make(chan *fakeRecording, 8)},
		stt:     &fakeTranscriber{},
		llm:     &fakeCompleter{},
		tts:     &fakeSynthesizer{},
		player:  &fakePlayer{played: make(chan audio.Blob, 8)},
		notices: make(chan Notice, 32),
	}
	deps := Deps{
		Recorder:    h.rec,
		Transcriber: h.stt,
		Completer:   h.llm,
		Synthesizer: h.tts,
		Session:     fakeSession(true),
		Player:      h.player,
		Notifier:    NotifierFunc(func(n Notice) { h.notices <- n }),
		Observer:    h.checkInvariants,
		Log:         zap.NewNop().Sugar(),
	}
	for _, m := range modify {
		m(&deps)
	}
	h.c = New(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		h.mu.Lock()
		defer h.mu.Unlock()
		require.Empty(t, h.violations)
	})
	return h
}

// checkInvariants verifies every published snapshot: at most one
// incomplete turn, always the last, and orders match positions.
func (h *harness) checkInvariants(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, turn := range s.Turns {
		if turn.Order != i {
			h.violations = append(h.violations, "order mismatch")
		}
		if !turn.Complete && i != len(s.Turns)-1 {
			h.violations = append(h.violations, "incomplete turn is not last")
		}
	}
}

func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.c.Snapshot()) }, 2*time.Second, time.Millisecond)
	return h.c.Snapshot()
}

func (h *harness) waitState(t *testing.T, s State) Snapshot {
	t.Helper()
	return h.waitFor(t, func(snap Snapshot) bool { return snap.State == s })
}

func (h *harness) waitNotice(t *testing.T, kind NoticeKind) Notice {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-h.notices:
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("notice %d not received", kind)
			return Notice{}
		}
	}
}

// startRecording toggles the mic on and returns the opened recording.
func (h *harness) startRecording(t *testing.T) *fakeRecording {
	t.Helper()
	h.c.Toggle()
	var rec *fakeRecording
	select {
	case rec = <-h.rec.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder not opened")
	}
	h.waitFor(t, func(s Snapshot) bool { return s.State == StateRecording && s.Recording })
	return rec
}

func strPtr(s string) *string { return &s }

func text(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}
