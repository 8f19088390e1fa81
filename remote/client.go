// Package remote talks to the voicechat backend: it signs in over HTTP and
// runs transcription, completion, and synthesis as RPCs on the speech
// WebSocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/turn"
	"github.com/agnivade/voicechat/wire"
)

var (
	// ErrNotConnected is returned by RPCs issued before Connect or after the
	// connection dropped.
	ErrNotConnected = errors.New("not connected")
	// ErrUnauthorized is returned when the backend rejects the credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Usage is the spend reported by the backend.
type Usage struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	TotalBillable float64   `json:"total_billable"`
}

// Client is a connection to the backend. It implements turn.Transcriber,
// turn.Completer, turn.Synthesizer, and turn.SessionProvider.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     *zap.SugaredLogger
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
	conn    *websocket.Conn
	pending map[string]chan wire.Response

	writeMu sync.Mutex
	seq     atomic.Uint64
	wg      sync.WaitGroup
}

// New returns a client for the backend at baseURL, e.g. http://localhost:8081.
func New(baseURL string, logger *zap.SugaredLogger) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger,
		now:     time.Now,
		pending: make(map[string]chan wire.Response),
	}, nil
}

// Login exchanges the password for a session token.
func (c *Client) Login(ctx context.Context, user, password string) error {
	body, err := json.Marshal(map[string]string{"user": user, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(req, &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	c.token, c.expires = out.Token, out.ExpiresAt
	c.mu.Unlock()
	return nil
}

// IsAuthenticated reports whether an unexpired token is held.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != "" && c.now().Before(c.expires)
}

// Usage returns the spend since start.
func (c *Client) Usage(ctx context.Context, start time.Time) (Usage, error) {
	u := c.baseURL.String() + "/api/usage"
	if !start.IsZero() {
		u += "?start=" + url.QueryEscape(start.UTC().Format(time.RFC3339))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Usage{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	var out Usage
	if err := c.do(req, &out); err != nil {
		return Usage{}, fmt.Errorf("usage: %w", err)
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Connect opens the speech channel. It must be called after Login.
func (c *Client) Connect(ctx context.Context) error {
	token := c.currentToken()
	if token == "" {
		return ErrUnauthorized
	}

	u := *c.baseURL
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	resp.Body.Close()

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return errors.New("already connected")
	}
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reader(conn)
	}()
	return nil
}

func (c *Client) reader(conn *websocket.Conn) {
	defer c.disconnect(conn)

	for {
		var resp wire.Response
		if err := conn.ReadJSON(&resp); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.log.Warnw("Failed to unmarshal response", "error", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warnw("WebSocket read error", "error", err)
			}
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()

		if !ok {
			c.log.Warnw("Dropping response for unknown request", "id", resp.ID, "op", resp.Op)
			continue
		}
		ch <- resp
	}
}

// disconnect fails every pending call.
func (c *Client) disconnect(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	req.ID = fmt.Sprintf("%d-%s", c.seq.Add(1), uuid.NewString()[:8])
	ch := make(chan wire.Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return wire.Response{}, ErrNotConnected
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return wire.Response{}, fmt.Errorf("websocket write error: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Response{}, ErrNotConnected
		}
		return resp, responseError(resp)
	case <-ctx.Done():
		c.forget(req.ID)
		return wire.Response{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func responseError(resp wire.Response) error {
	switch {
	case resp.Error == "":
		return nil
	case resp.Error == wire.ErrModelLoading:
		return &turn.WarmupError{RetryAfter: time.Duration(resp.EstimatedTime * float64(time.Second))}
	default:
		return fmt.Errorf("%s: %s", resp.Op, resp.Error)
	}
}

func (c *Client) Transcribe(ctx context.Context, clip audio.Blob) (string, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpTranscribe, Audio: audio.ToDataURL(clip)})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpComplete, Text: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *Client) Synthesize(ctx context.Context, text string) (audio.Blob, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpSynthesize, Text: text})
	if err != nil {
		return audio.Blob{}, err
	}
	if resp.Audio == "" {
		return audio.Blob{}, nil
	}
	return audio.FromDataURL(resp.Audio, audio.MimeMPEG)
}

// Close drops the speech channel. Pending calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}
