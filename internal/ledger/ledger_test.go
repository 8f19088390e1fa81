package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// clock returns successive timestamps one minute apart.
func clock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		t := next
		next = next.Add(time.Minute)
		return t
	}
}

func TestUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = clock(base)

	require.NoError(t, s.RecordASR(ctx, ASREntry{UserID: "u1", APIPath: "speech", APIVersion: "v1", BilledTime: 15 * time.Second}))
	require.NoError(t, s.RecordASR(ctx, ASREntry{UserID: "u1", BilledTime: 4*time.Second + 500*time.Millisecond}))
	require.NoError(t, s.RecordTTS(ctx, TTSEntry{UserID: "u1", ModelName: "en-US-Standard-C", BillableChars: 1000}))
	require.NoError(t, s.RecordTTS(ctx, TTSEntry{UserID: "u1", ModelName: "en-US-Wavenet-D", BillableChars: 1000}))
	require.NoError(t, s.RecordLLM(ctx, LLMEntry{UserID: "u1", Model: "text-davinci-003", TotalTokens: 500}))
	require.NoError(t, s.RecordLLM(ctx, LLMEntry{UserID: "u1", Model: "mystery-model", TotalTokens: 500}))
	require.NoError(t, s.RecordASR(ctx, ASREntry{UserID: "other", BilledTime: time.Hour}))

	tests := []struct {
		name     string
		req      UsageRequest
		expected float64
		start    time.Time
		end      time.Time
	}{
		{
			name: "asr only",
			req:  UsageRequest{APIs: []API{ASR}},
			// 19.5s * 0.00016
			expected: 0.0031,
			start:    base,
			end:      base.Add(time.Minute),
		},
		{
			name: "tts only",
			req:  UsageRequest{APIs: []API{TTS}},
			// 1000 * 0.000004 + 1000 * 0.000016
			expected: 0.02,
			start:    base.Add(2 * time.Minute),
			end:      base.Add(3 * time.Minute),
		},
		{
			name: "llm only, unknown model is free",
			req:  UsageRequest{APIs: []API{LLM}},
			// 500 * 0.00002
			expected: 0.01,
			start:    base.Add(4 * time.Minute),
			end:      base.Add(5 * time.Minute),
		},
		{
			name:     "all apis",
			req:      UsageRequest{},
			expected: 0.0331,
			start:    base,
			end:      base.Add(5 * time.Minute),
		},
		{
			name:     "range filter",
			req:      UsageRequest{Start: base.Add(90 * time.Second), End: base.Add(150 * time.Second)},
			expected: 0.004,
			start:    base.Add(2 * time.Minute),
			end:      base.Add(2 * time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Usage(ctx, "u1", tt.req)
			require.NoError(t, err)
			assert.InDelta(t, tt.expected, got.TotalBillable, 1e-9)
			assert.True(t, tt.start.Equal(got.Start), "start %s", got.Start)
			assert.True(t, tt.end.Equal(got.End), "end %s", got.End)
		})
	}
}

func TestUsage_Empty(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Usage(context.Background(), "nobody", UsageRequest{})
	require.NoError(t, err)
	assert.Zero(t, got.TotalBillable)
	assert.True(t, got.Start.IsZero())
	assert.True(t, got.End.IsZero())
}

func TestUsage_UnknownAPI(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Usage(context.Background(), "u1", UsageRequest{APIs: []API{"video"}})
	assert.ErrorIs(t, err, ErrUnknownAPI)
}

func TestSubscription(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sub, err := s.Subscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Subscription{Status: "none"}, sub)

	require.NoError(t, s.SetSubscription(ctx, "u1", Subscription{Status: "active", IsSubscribed: true}))
	require.NoError(t, s.SetSubscription(ctx, "u1", Subscription{Status: "past_due", IsSubscribed: false}))

	sub, err = s.Subscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Subscription{Status: "past_due", IsSubscribed: false}, sub)
}

func TestParseAPI(t *testing.T) {
	api, err := ParseAPI(" TTS ")
	require.NoError(t, err)
	assert.Equal(t, TTS, api)

	_, err = ParseAPI("video")
	assert.ErrorIs(t, err, ErrUnknownAPI)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: "postgres"}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y <= $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y <= ?"))

	lite := &Store{driver: "sqlite"}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "", zap.NewNop().Sugar())
	assert.Error(t, err)
}
