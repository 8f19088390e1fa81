package voicechat

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultUser = "default"

var (
	// ErrBadCredentials is returned by Login when the password does not match.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrNoToken is returned when a request carries no bearer token.
	ErrNoToken = errors.New("missing token")
)

// userNamespace seeds the name based user ids.
var userNamespace = uuid.MustParse("6f1c8a64-1f4b-4d7e-9a63-3f0a2f5c9b10")

type claims struct {
	jwt.RegisteredClaims
}

// Authenticator issues and verifies session tokens.
type Authenticator struct {
	password []byte
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewAuthenticator returns an authenticator that accepts password and signs
// tokens with secret.
func NewAuthenticator(password, secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		password: []byte(password),
		secret:   []byte(secret),
		ttl:      ttl,
		now:      time.Now,
	}
}

// UserID maps a user name to its stable id.
func UserID(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultUser
	}
	return uuid.NewSHA1(userNamespace, []byte(name)).String()
}

// Login checks the password and returns a signed token for the user along
// with its expiry.
func (a *Authenticator) Login(user, password string) (string, time.Time, error) {
	if len(a.password) == 0 || subtle.ConstantTimeCompare(a.password, []byte(password)) != 1 {
		return "", time.Time{}, ErrBadCredentials
	}

	now := a.now()
	exp := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   UserID(user),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Session is a verified token.
type Session struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verify parses the token and returns its session.
func (a *Authenticator) Verify(raw string) (Session, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Session{}, fmt.Errorf("verify token: %w", err)
	}
	if c.Subject == "" || c.ExpiresAt == nil {
		return Session{}, errors.New("verify token: incomplete claims")
	}
	return Session{UserID: c.Subject, ExpiresAt: c.ExpiresAt.Time}, nil
}

type sessionKey struct{}

func withSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}

// tokenFrom reads the bearer header, falling back to the token query
// parameter for WebSocket upgrades.
func tokenFrom(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || raw == "" {
			return "", ErrNoToken
		}
		return raw, nil
	}
	if raw := r.URL.Query().Get("token"); raw != "" {
		return raw, nil
	}
	return "", ErrNoToken
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := tokenFrom(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		sess, err := s.auth.Verify(raw)
		if err != nil {
			s.log.Debugw("Rejected token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}
