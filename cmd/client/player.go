package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"

	"github.com/agnivade/voicechat/audio"
)

// Speaker implements turn.Player on the default output device.
type Speaker struct {
	mu   sync.Mutex
	rate beep.SampleRate
}

// decode opens an mp3 or wav clip.
func decode(clip audio.Blob) (beep.StreamSeekCloser, beep.Format, error) {
	switch clip.BaseType() {
	case audio.MimeMPEG, "audio/mp3":
		return mp3.Decode(io.NopCloser(bytes.NewReader(clip.Data)))
	case audio.MimeWAV, "audio/x-wav", "audio/wave":
		return wav.Decode(bytes.NewReader(clip.Data))
	default:
		return nil, beep.Format{}, fmt.Errorf("cannot play %q", clip.MimeType)
	}
}

// Play blocks until the clip finished playing or ctx is done.
func (s *Speaker) Play(ctx context.Context, clip audio.Blob) error {
	streamer, format, err := decode(clip)
	if err != nil {
		return err
	}
	defer streamer.Close()

	src, err := s.prepare(format, streamer)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(src, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// prepare initializes the speaker on first use. Later clips with another
// sample rate are resampled to it.
func (s *Speaker) prepare(format beep.Format, streamer beep.Streamer) (beep.Streamer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rate == 0 {
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
			return nil, fmt.Errorf("init speaker: %w", err)
		}
		s.rate = format.SampleRate
	}
	if format.SampleRate != s.rate {
		return beep.Resample(4, format.SampleRate, s.rate, streamer), nil
	}
	return streamer, nil
}
