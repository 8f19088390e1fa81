package turn

import (
	"sync"
	"time"
)

// RecordingSession is the state of one microphone capture. Chunks are
// appended by the recorder goroutine and read by the event loop once
// capture has stopped.
type RecordingSession struct {
	ID        uint64
	TurnID    uint64
	StartedAt time.Time

	monitor   *LoudnessMonitor
	recording Recording
	sampler   *sampler

	mu     sync.Mutex
	chunks [][]byte
}

func newRecordingSession(id uint64, threshold float64) *RecordingSession {
	return &RecordingSession{
		ID:        id,
		StartedAt: time.Now(),
		monitor:   NewLoudnessMonitor(threshold),
	}
}

// appendChunk is the recorder callback. Empty chunks are dropped.
func (s *RecordingSession) appendChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)

	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
}

// Chunks returns the captured chunks in arrival order.
func (s *RecordingSession) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *RecordingSession) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}
