package turn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRMS(t *testing.T) {
	tests := []struct {
		name     string
		samples  []float32
		expected float64
	}{
		{name: "empty", samples: nil, expected: 0},
		{name: "silence", samples: []float32{0, 0, 0}, expected: 0},
		{name: "full scale square", samples: []float32{1, -1, 1, -1}, expected: 1},
		{name: "half scale", samples: []float32{0.5, -0.5}, expected: 0.5},
		{name: "mixed", samples: []float32{0.3, 0.4}, expected: 0.3535533905932738},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, RMS(tt.samples), 1e-6)
		})
	}
}

func TestLoudnessMonitor_Observe(t *testing.T) {
	m := NewLoudnessMonitor(0.05)

	assert.Equal(t, 1, m.Observe(0.01))
	assert.Equal(t, 2, m.Observe(0.05))
	assert.Equal(t, 0, m.Observe(0.2))
	assert.Equal(t, 1, m.Observe(0))

	for i := 0; i < 16; i++ {
		m.Observe(0)
	}
	assert.Equal(t, 17, m.SilentSamples())

	m.Reset()
	assert.Zero(t, m.SilentSamples())
}

func TestSampler_StopIsFinal(t *testing.T) {
	var count atomic.Int32
	s := startSampler(context.Background(), time.Millisecond, func() []float32 { return []float32{1} }, func(_ context.Context, rms float64) {
		assert.Equal(t, 1.0, rms)
		count.Add(1)
	})

	assert.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
	s.stop()

	stopped := count.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, count.Load())
}
