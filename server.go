package voicechat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/internal/archive"
	"github.com/agnivade/voicechat/internal/ledger"
	"github.com/agnivade/voicechat/providers"
	"github.com/agnivade/voicechat/wire"
)

// Ledger stores and reports usage. *ledger.Store implements it.
type Ledger interface {
	Recorder
	Usage(ctx context.Context, userID string, req ledger.UsageRequest) (ledger.UsageResponse, error)
	Subscription(ctx context.Context, userID string) (ledger.Subscription, error)
}

// Options configure the HTTP surface.
type Options struct {
	Address            string
	AuthPassword       string
	AuthSecret         string
	TokenTTL           time.Duration
	RateLimitPerMinute int
	MaxPromptChars     int
}

// Deps are the services behind the HTTP surface. Any provider may be nil,
// in which case the matching operation fails.
type Deps struct {
	Transcriber providers.Transcriber
	Completer   providers.Completer
	Synthesizer providers.Synthesizer
	Ledger      Ledger
	Archive     *archive.Archive
	Logger      *zap.SugaredLogger
}

type Server struct {
	srv    *http.Server
	log    *zap.SugaredLogger
	auth   *Authenticator
	speech *Speech
	ledger Ledger
	warmer providers.Warmer

	mu    sync.Mutex
	conns map[*WebConn]struct{}
}

func New(opts Options, deps Deps) *Server {
	if opts.Address == "" {
		opts.Address = ":8081"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var led Ledger = deps.Ledger
	if led == nil {
		led = nopLedger{}
	}

	s := &Server{
		log:  logger,
		auth: NewAuthenticator(opts.AuthPassword, opts.AuthSecret, opts.TokenTTL),
		speech: &Speech{
			transcriber:    deps.Transcriber,
			completer:      deps.Completer,
			synthesizer:    deps.Synthesizer,
			ledger:         led,
			archive:        deps.Archive,
			maxPromptChars: opts.MaxPromptChars,
			log:            logger,
		},
		ledger: led,
		conns:  make(map[*WebConn]struct{}),
	}
	if w, ok := deps.Transcriber.(providers.Warmer); ok {
		s.warmer = w
	}

	s.srv = &http.Server{
		Addr:        opts.Address,
		ReadTimeout: 10 * time.Second,
		// WebSocket connections outlive any write deadline set here; the
		// speech channel sets its own per-frame deadlines.
		IdleTimeout: 60 * time.Second,
		Handler:     s.routes(opts),
	}
	return s
}

func (s *Server) routes(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	if opts.RateLimitPerMinute > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimitPerMinute, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Post("/api/auth/login", s.handleLogin)
	r.Get("/api/resources/stt", s.handleWarmup)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/api/auth/session", s.handleSession)
		r.Get("/api/usage", s.handleUsage)
		r.Get("/api/subscription", s.handleSubscription)
		r.Get("/ws", s.handleWebSocket)
	})
	return r
}

func (s *Server) Start() error {
	s.log.Infow("Starting server", "address", s.srv.Addr)
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	s.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.srv.Shutdown(ctx)

	// Shutdown does not track hijacked connections.
	s.mu.Lock()
	for wc := range s.conns {
		wc.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) track(wc *WebConn) {
	s.mu.Lock()
	s.conns[wc] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(wc *WebConn) {
	s.mu.Lock()
	delete(s.conns, wc)
	s.mu.Unlock()
}

type loginRequest struct {
	User     string `json:"user,omitempty"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	token, exp, err := s.auth.Login(req.User, req.Password)
	if err != nil {
		if errors.Is(err, ErrBadCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.log.Errorw("Login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	req, err := parseUsageRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.ledger.Usage(r.Context(), sess.UserID, req)
	if err != nil {
		s.log.Errorw("Usage query failed", "user", sess.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseUsageRequest(r *http.Request) (ledger.UsageRequest, error) {
	var req ledger.UsageRequest
	q := r.URL.Query()
	for _, f := range []struct {
		key string
		dst *time.Time
	}{{"start", &req.Start}, {"end", &req.End}} {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, errors.New("invalid " + f.key)
		}
		*f.dst = t
	}
	if v := q.Get("apis"); v != "" {
		for _, name := range strings.Split(v, ",") {
			api, err := ledger.ParseAPI(name)
			if err != nil {
				return req, err
			}
			req.APIs = append(req.APIs, api)
		}
	}
	return req, nil
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	sub, err := s.ledger.Subscription(r.Context(), sess.UserID)
	if err != nil {
		s.log.Errorw("Subscription query failed", "user", sess.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "subscription unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type warmupResponse struct {
	ModelLoaded   bool    `json:"model_loaded"`
	Error         string  `json:"error,omitempty"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	if s.warmer == nil {
		writeJSON(w, http.StatusOK, warmupResponse{ModelLoaded: true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	err := s.warmer.Warmup(ctx)
	if err == nil {
		writeJSON(w, http.StatusOK, warmupResponse{ModelLoaded: true})
		return
	}
	resp := warmupResponse{Error: err.Error()}
	var we *providers.WarmupError
	if errors.As(err, &we) {
		resp.Error = wire.ErrModelLoading
		resp.EstimatedTime = we.EstimatedTime.Seconds()
	} else {
		s.log.Warnw("Warmup failed", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type nopLedger struct {
	nopRecorder
}

func (nopLedger) Usage(context.Context, string, ledger.UsageRequest) (ledger.UsageResponse, error) {
	return ledger.UsageResponse{}, nil
}

func (nopLedger) Subscription(context.Context, string) (ledger.Subscription, error) {
	return ledger.Subscription{Status: "none"}, nil
}
