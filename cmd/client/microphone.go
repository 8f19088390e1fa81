package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/turn"
)

const (
	sampleRate      = 16000
	framesPerBuffer = 1024
	// levelWindow is the number of recent samples kept for loudness checks.
	levelWindow = sampleRate / 5
)

// Microphone implements turn.Recorder on the default input device. It
// captures 16kHz mono audio and hands out 16-bit PCM chunks.
type Microphone struct {
	log *zap.SugaredLogger
}

func NewMicrophone(logger *zap.SugaredLogger) *Microphone {
	return &Microphone{log: logger}
}

// Open initializes PortAudio, opens the default input stream and starts
// recording. The returned recording must be stopped to release the device.
func (m *Microphone) Open(ctx context.Context, chunkInterval time.Duration, onChunk func([]byte)) (turn.Recording, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, captureError(err)
	}

	buffer := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buffer), buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, captureError(err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, captureError(err)
	}

	chunkBytes := int(chunkInterval.Seconds()*sampleRate) * 2
	rec := &micRecording{
		stream:  stream,
		buffer:  buffer,
		chunker: newChunker(chunkBytes, onChunk),
		levels:  newLevelRing(levelWindow),
		quit:    make(chan struct{}),
		log:     m.log,
	}
	rec.wg.Add(1)
	go rec.capture()
	return rec, nil
}

// captureError maps PortAudio failures onto the errors the turn controller
// understands.
func captureError(err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.DeviceUnavailable:
			return fmt.Errorf("%w: %v", turn.ErrPermissionDenied, err)
		case portaudio.InvalidDevice, portaudio.HostApiNotFound, portaudio.InvalidChannelCount, portaudio.InvalidSampleRate:
			return fmt.Errorf("%w: %v", turn.ErrUnsupportedPlatform, err)
		}
	}
	return fmt.Errorf("audio capture: %w", err)
}

type micRecording struct {
	stream  *portaudio.Stream
	buffer  []float32
	chunker *chunker
	levels  *levelRing

	quit     chan struct{}
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
	log      *zap.SugaredLogger
}

func (r *micRecording) capture() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		default:
		}

		if err := r.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			r.log.Warnw("Audio read error", "error", err)
			return
		}
		r.levels.push(r.buffer)
		r.chunker.write(audio.PCM16FromFloat32(r.buffer))
	}
}

func (r *micRecording) Levels() []float32 {
	return r.levels.snapshot()
}

// Stop ends the capture loop, delivers the partial tail chunk and releases
// the device.
func (r *micRecording) Stop() error {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()
		r.chunker.flush()

		if err := r.stream.Stop(); err != nil {
			r.stopErr = err
		}
		if err := r.stream.Close(); err != nil && r.stopErr == nil {
			r.stopErr = err
		}
		portaudio.Terminate()
	})
	return r.stopErr
}

func (r *micRecording) Assemble(chunks [][]byte) audio.Blob {
	var size int
	for _, c := range chunks {
		size += len(c)
	}
	pcm := make([]byte, 0, size)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}
	return audio.Blob{MimeType: audio.MimeWAV, Data: audio.WAV(pcm, sampleRate, 1)}
}

// chunker groups PCM bytes into fixed size chunks.
type chunker struct {
	size int
	emit func([]byte)
	buf  []byte
}

func newChunker(size int, emit func([]byte)) *chunker {
	if size <= 0 {
		size = framesPerBuffer * 2
	}
	return &chunker{size: size, emit: emit, buf: make([]byte, 0, size)}
}

func (c *chunker) write(p []byte) {
	for len(p) > 0 {
		n := min(c.size-len(c.buf), len(p))
		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
		if len(c.buf) == c.size {
			c.flush()
		}
	}
}

// flush emits whatever is buffered.
func (c *chunker) flush() {
	if len(c.buf) == 0 {
		return
	}
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	c.emit(out)
}

// levelRing keeps the most recent samples for loudness sampling.
type levelRing struct {
	mu      sync.Mutex
	samples []float32
	next    int
	full    bool
}

func newLevelRing(size int) *levelRing {
	return &levelRing{samples: make([]float32, size)}
}

func (l *levelRing) push(in []float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range in {
		l.samples[l.next] = v
		l.next = (l.next + 1) % len(l.samples)
		if l.next == 0 {
			l.full = true
		}
	}
}

// snapshot returns the samples oldest first.
func (l *levelRing) snapshot() []float32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]float32, l.next)
		copy(out, l.samples[:l.next])
		return out
	}
	out := make([]float32, 0, len(l.samples))
	out = append(out, l.samples[l.next:]...)
	return append(out, l.samples[:l.next]...)
}
