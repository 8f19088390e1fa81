package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/turn"
	"github.com/agnivade/voicechat/wire"
)

// fakeBackend answers speech requests with a caller supplied handler.
type fakeBackend struct {
	t       *testing.T
	handle  func(conn *websocket.Conn, req wire.Request)
	expires time.Time
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/auth/login":
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_at": f.expires})
	case "/api/usage":
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(Usage{TotalBillable: 1.25})
	case "/ws":
		if r.URL.Query().Get("token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req wire.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.handle(conn, req)
		}
	default:
		http.NotFound(w, r)
	}
}

func echoHandler(conn *websocket.Conn, req wire.Request) {
	resp := wire.Response{ID: req.ID, Op: req.Op}
	switch req.Op {
	case wire.OpTranscribe:
		clip, _ := audio.FromDataURL(req.Audio, "")
		resp.Text = string(clip.Data)
	case wire.OpComplete:
		resp.Text = "re: " + req.Text
	case wire.OpSynthesize:
		resp.Audio = audio.ToDataURL(audio.Blob{MimeType: audio.MimeMPEG, Data: []byte(req.Text)})
	}
	conn.WriteJSON(resp)
}

func newTestClient(t *testing.T, handle func(*websocket.Conn, wire.Request)) (*Client, *httptest.Server) {
	t.Helper()
	backend := &fakeBackend{t: t, handle: handle, expires: time.Now().Add(time.Hour)}
	ts := httptest.NewServer(backend)
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, zap.NewNop().Sugar())
	require.NoError(t, err)
	return c, ts
}

func connect(t *testing.T, c *Client) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Login(ctx, "", "secret"))
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestClient_Login(t *testing.T) {
	c, _ := newTestClient(t, echoHandler)
	ctx := context.Background()

	assert.False(t, c.IsAuthenticated())
	assert.ErrorIs(t, c.Login(ctx, "", "wrong"), ErrUnauthorized)
	assert.False(t, c.IsAuthenticated())
	assert.ErrorIs(t, c.Connect(ctx), ErrUnauthorized)

	require.NoError(t, c.Login(ctx, "alice", "secret"))
	assert.True(t, c.IsAuthenticated())

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.False(t, c.IsAuthenticated(), "expired token")
}

func TestClient_Usage(t *testing.T) {
	c, _ := newTestClient(t, echoHandler)
	require.NoError(t, c.Login(context.Background(), "", "secret"))

	u, err := c.Usage(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1.25, u.TotalBillable)
}

func TestClient_RPCs(t *testing.T) {
	c, _ := newTestClient(t, echoHandler)
	connect(t, c)
	ctx := context.Background()

	text, err := c.Transcribe(ctx, audio.Blob{MimeType: audio.MimeWAV, Data: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	reply, err := c.Complete(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "re: hello", reply)

	speech, err := c.Synthesize(ctx, "re: hello")
	require.NoError(t, err)
	assert.Equal(t, audio.Blob{MimeType: audio.MimeMPEG, Data: []byte("re: hello")}, speech)
}

func TestClient_ErrorsAndWarmup(t *testing.T) {
	c, _ := newTestClient(t, func(conn *websocket.Conn, req wire.Request) {
		resp := wire.Response{ID: req.ID, Op: req.Op}
		if req.Op == wire.OpTranscribe {
			resp.Error = wire.ErrModelLoading
			resp.EstimatedTime = 7.5
		} else {
			resp.Error = "quota exceeded"
		}
		conn.WriteJSON(resp)
	})
	connect(t, c)
	ctx := context.Background()

	_, err := c.Transcribe(ctx, audio.Blob{MimeType: audio.MimeWAV, Data: []byte{1}})
	var we *turn.WarmupError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 7500*time.Millisecond, we.RetryAfter)

	_, err = c.Complete(ctx, "hi")
	assert.EqualError(t, err, "complete: quota exceeded")
}

func TestClient_UnknownIDsAreDropped(t *testing.T) {
	c, _ := newTestClient(t, func(conn *websocket.Conn, req wire.Request) {
		conn.WriteJSON(wire.Response{ID: "stale", Op: req.Op, Text: "nope"})
		conn.WriteJSON(wire.Response{ID: req.ID, Op: req.Op, Text: "yes"})
	})
	connect(t, c)

	text, err := c.Complete(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "yes", text)
}

func TestClient_ConnectionLossFailsPending(t *testing.T) {
	c, _ := newTestClient(t, func(conn *websocket.Conn, req wire.Request) {
		conn.Close()
	})
	connect(t, c)

	_, err := c.Complete(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.Eventually(t, func() bool {
		_, err := c.Complete(context.Background(), "again")
		return err == ErrNotConnected
	}, time.Second, 10*time.Millisecond)
}

func TestClient_ContextCancel(t *testing.T) {
	c, _ := newTestClient(t, func(*websocket.Conn, wire.Request) {})
	connect(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, "q")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}

func TestClient_NotConnected(t *testing.T) {
	c, _ := newTestClient(t, echoHandler)
	_, err := c.Complete(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, strings.HasPrefix(c.baseURL.String(), "http://"))
}
