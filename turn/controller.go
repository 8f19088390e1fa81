// Package turn implements the client side of a voice conversation: capture
// gated by loudness, turn-taking across the remote speech services and the
// conversation log shown to the user.
package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
)

// State of the head turn.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateAwaitingTranscription
	StateAwaitingReply
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateAwaitingTranscription:
		return "transcribing"
	case StateAwaitingReply:
		return "thinking"
	default:
		return "unknown"
	}
}

// Config tunes capture and the remote pipeline.
type Config struct {
	ChunkInterval     time.Duration
	SampleInterval    time.Duration
	LoudnessThreshold float64
	// Recording stops once more than MaxSilentSamples consecutive samples
	// are at or below the threshold.
	MaxSilentSamples int
	// Recordings with fewer chunks are discarded without a remote call.
	MinChunks int

	RemoteTimeout    time.Duration
	MaxWarmupRetries int
	MaxRetryWait     time.Duration

	// EchoSimilarity enables the echo guard when > 0.
	EchoSimilarity float64
}

// DefaultConfig returns the standard tuning: 2s chunks, 200ms samples, a
// 0.05 threshold and 16 silent samples.
func DefaultConfig() Config {
	return Config{
		ChunkInterval:     2 * time.Second,
		SampleInterval:    200 * time.Millisecond,
		LoudnessThreshold: 0.05,
		MaxSilentSamples:  16,
		MinChunks:         2,
		RemoteTimeout:     30 * time.Second,
		MaxWarmupRetries:  2,
		MaxRetryWait:      10 * time.Second,
	}
}

// Deps are the collaborators of a Controller. Player, Notifier, Session
// and Observer are optional.
type Deps struct {
	Recorder    Recorder
	Transcriber Transcriber
	Completer   Completer
	Synthesizer Synthesizer
	Session     SessionProvider
	Player      Player
	Notifier    Notifier
	// Observer receives a snapshot after every handled event, on the
	// event loop goroutine.
	Observer func(Snapshot)
	Log      *zap.SugaredLogger
}

// Snapshot is an immutable view of the controller.
type Snapshot struct {
	State         State
	Turns         []Turn
	Recording     bool
	SilentSamples int
	Chunks        int
	// LastReply is the most recent synthesized reply, cleared when a new
	// recording starts.
	LastReply audio.Blob
}

type stage int

const (
	stageTranscribing stage = iota + 1
	stageAnswering
)

// pipeline tracks the remote calls of one turn.
type pipeline struct {
	turn   uint64
	stage  stage
	ctx    context.Context
	cancel context.CancelFunc
}

type (
	toggleEvent struct{}
	startEvent  struct{}
	stopEvent   struct{}
	clearEvent  struct{}
	levelEvent  struct {
		session uint64
		rms     float64
	}
	transcribedEvent struct {
		turn uint64
		text string
		err  error
	}
	answeredEvent struct {
		turn   uint64
		text   string
		speech audio.Blob
		err    error
	}
	noticeEvent struct {
		notice Notice
	}
)

// Controller is the turn-taking state machine. All state is owned by the
// goroutine running Run; remote calls run in their own goroutines and
// report back through events tagged with the turn id.
type Controller struct {
	cfg  Config
	deps Deps
	log  *zap.SugaredLogger

	events chan any
	done   chan struct{}

	// owned by the event loop
	ctx          context.Context
	state        State
	conversation *Log
	session      *RecordingSession
	sessionSeq   uint64
	head         uint64
	inflight     map[uint64]*pipeline
	replies      *replyBuffer
	lastReply    audio.Blob

	mu       sync.Mutex
	snapshot Snapshot
}

// New creates a controller. Zero config fields take their defaults.
func New(cfg Config, deps Deps) *Controller {
	def := DefaultConfig()
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = def.ChunkInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.MaxSilentSamples <= 0 {
		cfg.MaxSilentSamples = def.MaxSilentSamples
	}
	if cfg.MinChunks <= 0 {
		cfg.MinChunks = def.MinChunks
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = def.MaxRetryWait
	}
	if cfg.MaxWarmupRetries < 0 {
		cfg.MaxWarmupRetries = 0
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}

	return &Controller{
		cfg:          cfg,
		deps:         deps,
		log:          deps.Log,
		events:       make(chan any, 64),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		conversation: NewLog(),
		inflight:     make(map[uint64]*pipeline),
		replies:      newReplyBuffer(4),
	}
}

// Run processes events until ctx is cancelled. The microphone is released
// and outstanding calls are cancelled before it returns.
func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)
	defer c.shutdown()

	c.publish()
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Toggle starts a recording, or stops the current one.
func (c *Controller) Toggle() { c.send(toggleEvent{}) }

func (c *Controller) Start() { c.send(startEvent{}) }

func (c *Controller) Stop() { c.send(stopEvent{}) }

// Clear discards the whole conversation. Responses still in flight for the
// removed turns are dropped.
func (c *Controller) Clear() { c.send(clearEvent{}) }

// Snapshot returns the state published after the last handled event.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

func (c *Controller) send(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// post delivers an event from a worker goroutine. It gives up when ctx is
// done so that workers never block a shutdown.
func (c *Controller) post(ctx context.Context, ev any) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.done:
	}
}

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case toggleEvent:
		if c.state == StateRecording {
			c.stopRecording("manual")
		} else {
			c.startRecording()
		}
	case startEvent:
		c.startRecording()
	case stopEvent:
		c.stopRecording("manual")
	case clearEvent:
		c.clear()
	case levelEvent:
		c.onLevel(ev)
	case transcribedEvent:
		c.onTranscribed(ev)
	case answeredEvent:
		c.onAnswered(ev)
	case noticeEvent:
		c.notify(ev.notice)
	default:
		c.log.Warnw("Unknown event", "event", ev)
	}
}

func (c *Controller) startRecording() {
	if c.state == StateRecording {
		return
	}
	if c.deps.Session != nil && !c.deps.Session.IsAuthenticated() {
		c.notify(Notice{Kind: NoticeSignInRequired})
		return
	}

	c.lastReply = audio.Blob{}
	c.sessionSeq++
	sess := newRecordingSession(c.sessionSeq, c.cfg.LoudnessThreshold)

	rec, err := c.deps.Recorder.Open(c.ctx, c.cfg.ChunkInterval, sess.appendChunk)
	if err != nil {
		c.log.Errorw("Failed to open recorder", "error", err)
		c.notify(captureNotice(err))
		return
	}
	sess.recording = rec

	if c.conversation.Detach() {
		c.log.Infow("New recording while previous turn is awaiting its reply", "turn", c.head)
	}
	id, err := c.conversation.AppendPlaceholder()
	if err != nil {
		c.log.DPanicw("Could not append turn", "error", err)
		if err := rec.Stop(); err != nil {
			c.log.Warnw("Error stopping recorder", "error", err)
		}
		return
	}
	sess.TurnID = id
	c.head = id
	c.session = sess

	sessionID := sess.ID
	sess.sampler = startSampler(c.ctx, c.cfg.SampleInterval, rec.Levels, func(ctx context.Context, rms float64) {
		c.post(ctx, levelEvent{session: sessionID, rms: rms})
	})
	c.state = StateRecording
	c.log.Debugw("Recording started", "turn", id, "session", sessionID)
}

func captureNotice(err error) Notice {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return Notice{Kind: NoticePermissionDenied, Err: err}
	case errors.Is(err, ErrUnsupportedPlatform):
		return Notice{Kind: NoticeUnsupportedPlatform, Err: err}
	default:
		return Notice{Kind: NoticeProblem, Err: err}
	}
}

func (c *Controller) onLevel(ev levelEvent) {
	sess := c.session
	if sess == nil || sess.ID != ev.session {
		return
	}
	if sess.monitor.Observe(ev.rms) > c.cfg.MaxSilentSamples {
		c.stopRecording("silence")
	}
}

// endSession stops sampling and capture. The final chunk has been
// appended once it returns.
func (c *Controller) endSession() *RecordingSession {
	sess := c.session
	c.session = nil
	sess.sampler.stop()
	if err := sess.recording.Stop(); err != nil {
		c.log.Warnw("Error stopping recorder", "error", err)
	}
	sess.monitor.Reset()
	return sess
}

func (c *Controller) stopRecording(reason string) {
	if c.state != StateRecording || c.session == nil {
		return
	}
	sess := c.endSession()

	chunks := sess.Chunks()
	if len(chunks) < c.cfg.MinChunks {
		c.log.Infow("Recording too short, discarding", "reason", reason, "chunks", len(chunks))
		c.conversation.DiscardIncomplete()
		c.state = StateIdle
		c.notify(Notice{Kind: NoticeNoAudio})
		return
	}

	clip := sess.recording.Assemble(chunks)
	c.log.Infow("Recording stopped",
		"reason", reason,
		"turn", sess.TurnID,
		"chunks", len(chunks),
		"size", humanize.Bytes(uint64(clip.Len())),
		"duration", time.Since(sess.StartedAt).Round(time.Millisecond))

	c.state = StateAwaitingTranscription
	ctx, cancel := context.WithCancel(c.ctx)
	p := &pipeline{turn: sess.TurnID, stage: stageTranscribing, ctx: ctx, cancel: cancel}
	c.inflight[p.turn] = p
	go c.transcribe(p, clip)
}

// transcribe retries while the model warms up, bounded by MaxWarmupRetries.
func (c *Controller) transcribe(p *pipeline, clip audio.Blob) {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(p.ctx, c.cfg.RemoteTimeout)
		text, err := c.deps.Transcriber.Transcribe(ctx, clip)
		cancel()

		var warm *WarmupError
		if errors.As(err, &warm) && attempt < c.cfg.MaxWarmupRetries {
			wait := min(warm.RetryAfter, c.cfg.MaxRetryWait)
			c.post(p.ctx, noticeEvent{Notice{Kind: NoticeWarmingUp, RetryAfter: wait, Err: err}})
			select {
			case <-time.After(wait):
				continue
			case <-p.ctx.Done():
				return
			}
		}
		c.post(p.ctx, transcribedEvent{turn: p.turn, text: text, err: err})
		return
	}
}

func (c *Controller) onTranscribed(ev transcribedEvent) {
	p := c.inflight[ev.turn]
	if p == nil || p.stage != stageTranscribing {
		c.log.Debugw("Dropping stale transcription", "turn", ev.turn)
		return
	}

	if ev.err != nil {
		var warm *WarmupError
		if errors.As(ev.err, &warm) {
			c.fail(p, &Failure{Kind: ModelWarmupPending, RetryAfter: warm.RetryAfter, Err: ev.err}, Update{})
			return
		}
		c.fail(p, &Failure{Kind: TranscriptionFailure, Err: ev.err}, Update{})
		return
	}

	text := strings.TrimSpace(ev.text)
	if text == "" {
		c.finish(p, Update{UserText: &text, Complete: true, Status: StatusIgnored})
		c.notify(Notice{Kind: NoticeNoAudio})
		return
	}
	if c.cfg.EchoSimilarity > 0 && c.replies.IsSimilar(text, c.cfg.EchoSimilarity) {
		c.log.Infow("Transcript matches a recent reply, ignoring", "turn", p.turn, "text", text)
		c.finish(p, Update{UserText: &text, Complete: true, Status: StatusIgnored})
		return
	}

	c.update(p.turn, Update{UserText: &text})
	p.stage = stageAnswering
	if p.turn == c.head && c.state == StateAwaitingTranscription {
		c.state = StateAwaitingReply
	}
	go c.answer(p, text)
}

// answer runs completion then synthesis for one prompt.
func (c *Controller) answer(p *pipeline, prompt string) {
	ctx, cancel := context.WithTimeout(p.ctx, c.cfg.RemoteTimeout)
	reply, err := c.deps.Completer.Complete(ctx, prompt)
	cancel()
	if err != nil {
		c.post(p.ctx, answeredEvent{turn: p.turn, err: &Failure{Kind: CompletionFailure, Err: err}})
		return
	}

	ctx, cancel = context.WithTimeout(p.ctx, c.cfg.RemoteTimeout)
	speech, err := c.deps.Synthesizer.Synthesize(ctx, reply)
	cancel()
	if err != nil {
		c.post(p.ctx, answeredEvent{turn: p.turn, text: reply, err: &Failure{Kind: SynthesisFailure, Err: err}})
		return
	}
	c.post(p.ctx, answeredEvent{turn: p.turn, text: reply, speech: speech})
}

func (c *Controller) onAnswered(ev answeredEvent) {
	p := c.inflight[ev.turn]
	if p == nil || p.stage != stageAnswering {
		c.log.Debugw("Dropping stale reply", "turn", ev.turn)
		return
	}

	text := ev.text
	if ev.err != nil {
		var (
			f *Failure
			u Update
		)
		if !errors.As(ev.err, &f) {
			f = &Failure{Kind: CompletionFailure, Err: ev.err}
		}
		if f.Kind == SynthesisFailure {
			u.BotText = &text
		}
		c.fail(p, f, u)
		return
	}

	c.replies.Add(text)
	c.finish(p, Update{BotText: &text, Complete: true, Status: StatusAnswered})

	if ev.speech.Empty() {
		c.log.Infow("Reply has no audio, skipping playback", "turn", ev.turn)
		return
	}
	c.lastReply = ev.speech
	if c.deps.Player == nil {
		return
	}
	if c.state == StateRecording {
		// playing now would be captured by the open microphone
		c.log.Infow("Skipping playback while recording", "turn", ev.turn)
		return
	}
	go c.play(ev.speech)
}

func (c *Controller) play(clip audio.Blob) {
	if err := c.deps.Player.Play(c.ctx, clip); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warnw("Playback failed", "error", err, "size", humanize.Bytes(uint64(clip.Len())))
	}
}

// fail completes the turn with an error placeholder. Details are logged,
// the user only sees a generic notice.
func (c *Controller) fail(p *pipeline, f *Failure, u Update) {
	c.log.Errorw("Remote call failed", "turn", p.turn, "kind", f.Kind.String(), "error", f.Err)

	u.Complete = true
	u.Status = StatusFailed
	u.Err = f.Kind.String() + " failed"
	c.finish(p, u)

	if f.Kind == ModelWarmupPending {
		c.notify(Notice{Kind: NoticeRetryLater, RetryAfter: f.RetryAfter, Err: f})
		return
	}
	c.notify(Notice{Kind: NoticeProblem, Err: f})
}

// finish retires the pipeline. Its turn is marked complete exactly once.
func (c *Controller) finish(p *pipeline, u Update) {
	delete(c.inflight, p.turn)
	p.cancel()
	c.update(p.turn, u)
	if p.turn == c.head && c.state != StateRecording {
		c.state = StateIdle
	}
}

// update routes u to the head turn or to a detached one.
func (c *Controller) update(id uint64, u Update) {
	var err error
	if c.conversation.IsLastPending(id) {
		err = c.conversation.UpdateLast(u)
	} else {
		err = c.conversation.Resolve(id, u)
	}
	switch {
	case errors.Is(err, ErrTurnNotFound):
		c.log.Debugw("Turn no longer in log", "turn", id)
	case err != nil:
		c.log.DPanicw("Conversation log update failed", "turn", id, "error", err)
	}
}

func (c *Controller) clear() {
	for id, p := range c.inflight {
		p.cancel()
		delete(c.inflight, id)
	}
	if c.session != nil {
		c.endSession()
	}
	c.conversation.Clear()
	c.replies.Reset()
	c.lastReply = audio.Blob{}
	c.head = 0
	c.state = StateIdle
	c.log.Infow("Conversation cleared")
}

func (c *Controller) shutdown() {
	for id, p := range c.inflight {
		p.cancel()
		delete(c.inflight, id)
	}
	if c.session != nil {
		c.endSession()
	}
	c.state = StateIdle
	c.publish()
}

func (c *Controller) notify(n Notice) {
	c.log.Infow("Notice", "kind", n.Kind, "message", n.Message(), "error", n.Err)
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(n)
	}
}

func (c *Controller) publish() {
	snap := Snapshot{
		State:     c.state,
		Turns:     c.conversation.Turns(),
		LastReply: c.lastReply,
	}
	if c.session != nil {
		snap.Recording = true
		snap.SilentSamples = c.session.monitor.SilentSamples()
		snap.Chunks = c.session.chunkCount()
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	if c.deps.Observer != nil {
		c.deps.Observer(snap)
	}
}
