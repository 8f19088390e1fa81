package voicechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
	"github.com/agnivade/voicechat/wire"
)

const (
	maxFrameSize   = 32 << 20
	requestTimeout = 60 * time.Second
	writeTimeout   = 10 * time.Second
)

// WebConn serves the speech channel of one client. Each request runs in its
// own goroutine; a single writer serializes the responses.
type WebConn struct {
	conn   *websocket.Conn
	log    *zap.SugaredLogger
	speech *Speech
	userID string

	ctx    context.Context
	cancel context.CancelFunc
	send   chan wire.Response

	requests sync.WaitGroup
	wg       sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	webConn := &WebConn{
		conn:   conn,
		log:    s.log.With("user", sess.UserID),
		speech: s.speech,
		userID: sess.UserID,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan wire.Response, 16),
	}

	s.track(webConn)
	defer s.untrack(webConn)
	webConn.Start()
}

func (wc *WebConn) Start() {
	defer wc.conn.Close()
	defer wc.cancel()

	wc.wg.Add(1)
	go func() {
		defer wc.wg.Done()
		wc.writer()
	}()

	wc.reader()

	// The client is gone, in-flight requests have nobody to answer.
	wc.cancel()
	wc.requests.Wait()
	close(wc.send)
	wc.wg.Wait()
}

// Close cancels in-flight requests and closes the connection.
func (wc *WebConn) Close() {
	wc.cancel()
	wc.conn.Close()
}

func (wc *WebConn) reader() {
	wc.conn.SetReadLimit(maxFrameSize)
	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wc.log.Warnw("WebSocket read error", "error", err)
			}
			return
		}

		var req wire.Request
		if err := json.Unmarshal(message, &req); err != nil {
			wc.log.Warnw("Failed to unmarshal WebSocket message", "error", err)
			continue
		}
		if req.ID == "" {
			wc.log.Warnw("Dropping request without id", "op", req.Op)
			continue
		}

		wc.requests.Add(1)
		go func() {
			defer wc.requests.Done()
			resp := wc.serve(req)
			select {
			case wc.send <- resp:
			case <-wc.ctx.Done():
			}
		}()
	}
}

func (wc *WebConn) writer() {
	for resp := range wc.send {
		wc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := wc.conn.WriteJSON(resp); err != nil {
			wc.log.Warnw("WebSocket write error", "error", err)
			// Unblocks the reader; pending senders observe the cancelled context.
			wc.Close()
			for range wc.send {
			}
			return
		}
	}
}

func (wc *WebConn) serve(req wire.Request) wire.Response {
	ctx, cancel := context.WithTimeout(wc.ctx, requestTimeout)
	defer cancel()

	resp := wire.Response{ID: req.ID, Op: req.Op}
	start := time.Now()
	err := wc.dispatch(ctx, req, &resp)
	if err != nil {
		wc.log.Warnw("Request failed", "id", req.ID, "op", req.Op, "error", err)
		setError(&resp, err)
	} else {
		wc.log.Debugw("Request served", "id", req.ID, "op", req.Op, "took", time.Since(start))
	}
	return resp
}

func (wc *WebConn) dispatch(ctx context.Context, req wire.Request, resp *wire.Response) error {
	switch req.Op {
	case wire.OpTranscribe:
		clip, err := audio.FromDataURL(req.Audio, audio.MimeWAV)
		if err != nil {
			return err
		}
		resp.Text, err = wc.speech.Transcribe(ctx, wc.userID, clip)
		return err
	case wire.OpComplete:
		var err error
		resp.Text, err = wc.speech.Complete(ctx, wc.userID, req.Text)
		return err
	case wire.OpSynthesize:
		speech, err := wc.speech.Synthesize(ctx, wc.userID, req.Text)
		if err != nil {
			return err
		}
		resp.Audio = audio.ToDataURL(speech)
		return nil
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
}

func setError(resp *wire.Response, err error) {
	var we *providers.WarmupError
	if errors.As(err, &we) {
		resp.Error = wire.ErrModelLoading
		resp.EstimatedTime = we.EstimatedTime.Seconds()
		return
	}
	resp.Error = err.Error()
}
