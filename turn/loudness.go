package turn

import (
	"context"
	"math"
	"sync"
	"time"
)

// RMS returns the root mean square of normalized samples in [-1, 1].
// An empty window is silent.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// LoudnessMonitor counts consecutive samples at or below the threshold.
// The counter is reset by any louder sample.
type LoudnessMonitor struct {
	threshold float64
	silent    int
}

func NewLoudnessMonitor(threshold float64) *LoudnessMonitor {
	return &LoudnessMonitor{threshold: threshold}
}

// Observe records one loudness sample and returns the silent count.
func (m *LoudnessMonitor) Observe(rms float64) int {
	if rms <= m.threshold {
		m.silent++
	} else {
		m.silent = 0
	}
	return m.silent
}

func (m *LoudnessMonitor) SilentSamples() int {
	return m.silent
}

func (m *LoudnessMonitor) Reset() {
	m.silent = 0
}

// sampler reads the level window on a ticker and hands each RMS value to
// emit. stop blocks until the goroutine has exited, so no sample is
// delivered after it returns.
type sampler struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startSampler(ctx context.Context, interval time.Duration, levels func() []float32, emit func(ctx context.Context, rms float64)) *sampler {
	ctx, cancel := context.WithCancel(ctx)
	s := &sampler{cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				emit(ctx, RMS(levels()))
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

func (s *sampler) stop() {
	s.cancel()
	s.wg.Wait()
}
