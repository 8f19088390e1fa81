package voicechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
)

const (
	defaultSelectionWindow = 30 * time.Second
	defaultRetention       = 2 * time.Minute
)

// latencySample is the duration of one successful call.
type latencySample struct {
	At   time.Time
	Took time.Duration
}

// ProviderSelector manages multiple transcription providers and dynamically
// selects the best provider based on latency. Requests go to the active
// provider first and fail over to the others in order.
type ProviderSelector struct {
	transcribers []providers.Transcriber

	window    time.Duration
	retention time.Duration

	mu         sync.Mutex
	active     int
	samples    map[string][]latencySample
	lastUpdate time.Time

	now func() time.Time
	log *zap.SugaredLogger
}

// NewProviderSelector creates a new provider selector with the given providers.
func NewProviderSelector(list []providers.Transcriber, logger *zap.SugaredLogger) (*ProviderSelector, error) {
	if len(list) == 0 {
		return nil, errors.New("no providers available")
	}
	return &ProviderSelector{
		transcribers: list,
		window:       defaultSelectionWindow,
		retention:    defaultRetention,
		samples:      make(map[string][]latencySample),
		lastUpdate:   time.Now(),
		now:          time.Now,
		log:          logger,
	}, nil
}

func (ps *ProviderSelector) Name() string {
	return "selector"
}

// Active returns the name of the provider currently tried first.
func (ps *ProviderSelector) Active() string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.transcribers[ps.active].Name()
}

// Transcribe implements providers.Transcriber.
func (ps *ProviderSelector) Transcribe(ctx context.Context, clip audio.Blob) (providers.Transcription, error) {
	var (
		errs   []error
		warmup *providers.WarmupError
	)
	for _, t := range ps.order() {
		start := ps.now()
		res, err := t.Transcribe(ctx, clip)
		if err == nil {
			ps.record(t.Name(), start, ps.now().Sub(start))
			if res.ProviderName == "" {
				res.ProviderName = t.Name()
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return providers.Transcription{}, ctx.Err()
		}

		var we *providers.WarmupError
		if errors.As(err, &we) {
			if warmup == nil || we.EstimatedTime < warmup.EstimatedTime {
				warmup = we
			}
		}
		ps.log.Warnw("Provider failed, trying next", "provider", t.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}

	if warmup != nil {
		return providers.Transcription{}, warmup
	}
	return providers.Transcription{}, errors.Join(errs...)
}

// Warmup pings every provider that can be warmed. The shortest pending
// warmup is reported when any provider is still loading.
func (ps *ProviderSelector) Warmup(ctx context.Context) error {
	var (
		errs   []error
		warmup *providers.WarmupError
	)
	for _, t := range ps.transcribers {
		w, ok := t.(providers.Warmer)
		if !ok {
			continue
		}
		err := w.Warmup(ctx)
		if err == nil {
			continue
		}
		var we *providers.WarmupError
		if errors.As(err, &we) {
			if warmup == nil || we.EstimatedTime < warmup.EstimatedTime {
				warmup = we
			}
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}
	if warmup != nil {
		return warmup
	}
	return errors.Join(errs...)
}

// order returns the active provider followed by the rest.
func (ps *ProviderSelector) order() []providers.Transcriber {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	out := make([]providers.Transcriber, 0, len(ps.transcribers))
	out = append(out, ps.transcribers[ps.active])
	for i, t := range ps.transcribers {
		if i != ps.active {
			out = append(out, t)
		}
	}
	return out
}

func (ps *ProviderSelector) record(name string, at time.Time, took time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.samples[name] = append(ps.samples[name], latencySample{At: at, Took: took})
	if ps.now().Sub(ps.lastUpdate) < ps.window {
		return
	}
	ps.lastUpdate = ps.now()
	ps.updateActiveProvider()
	ps.clearOldResults()
}

// updateActiveProvider selects the provider with the lowest mean latency
// inside the selection window. Providers without samples in the window keep
// their position. Must be called with mu held.
func (ps *ProviderSelector) updateActiveProvider() {
	windowStart := ps.now().Add(-ps.window)

	best := -1
	var bestMean time.Duration
	for i, t := range ps.transcribers {
		var (
			sum time.Duration
			n   int
		)
		for _, s := range ps.samples[t.Name()] {
			if s.At.After(windowStart) {
				sum += s.Took
				n++
			}
		}
		if n == 0 {
			continue
		}
		mean := sum / time.Duration(n)
		if best < 0 || mean < bestMean {
			best, bestMean = i, mean
		}
	}

	if best >= 0 && best != ps.active {
		ps.log.Infow("Switching active provider",
			"from", ps.transcribers[ps.active].Name(),
			"to", ps.transcribers[best].Name(),
			"mean_latency", bestMean)
		ps.active = best
	}
}

// clearOldResults removes samples past the retention period. Must be called
// with mu held.
func (ps *ProviderSelector) clearOldResults() {
	cutoff := ps.now().Add(-ps.retention)
	for name, samples := range ps.samples {
		filtered := samples[:0]
		for _, s := range samples {
			if s.At.After(cutoff) {
				filtered = append(filtered, s)
			}
		}
		ps.samples[name] = filtered
	}
}
