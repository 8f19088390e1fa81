// Package ledger records billable usage of the remote speech services and
// aggregates it into spend totals.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// API names a billed service family.
type API string

const (
	ASR API = "asr"
	TTS API = "tts"
	LLM API = "llm"
)

// AllAPIs is used when a usage request names none.
var AllAPIs = []API{ASR, TTS, LLM}

// ErrUnknownAPI is returned for usage requests naming an unsupported API.
var ErrUnknownAPI = errors.New("unknown api")

// ParseAPI validates an API name.
func ParseAPI(s string) (API, error) {
	switch api := API(strings.ToLower(strings.TrimSpace(s))); api {
	case ASR, TTS, LLM:
		return api, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAPI, s)
	}
}

// ASREntry is one speech recognition request.
type ASREntry struct {
	UserID     string
	APIPath    string
	APIVersion string
	BilledTime time.Duration
}

// LLMEntry is one completion request.
type LLMEntry struct {
	UserID           string
	APIPath          string
	APIVersion       string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// TTSEntry is one synthesis request.
type TTSEntry struct {
	UserID        string
	APIPath       string
	APIVersion    string
	ModelName     string
	BillableChars int
}

// UsageRequest filters the rows included in a usage total. Zero times
// leave that side of the range open.
type UsageRequest struct {
	Start time.Time
	End   time.Time
	APIs  []API
}

// UsageResponse is the spend over the requested range. Start and End span
// the first and last matching request.
type UsageResponse struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	TotalBillable float64   `json:"total_billable"`
}

// Subscription is the billing status of a user.
type Subscription struct {
	Status       string `json:"subscription_status"`
	IsSubscribed bool   `json:"is_subscribed"`
}

// Store is a ledger backed by SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
	log    *zap.SugaredLogger
	now    func() time.Time
}

// Open connects to the database and creates the ledger tables. driver is
// either "sqlite" or "postgres".
func Open(driver, dsn string, logger *zap.SugaredLogger) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// in-memory databases are per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	s := &Store{db: db, driver: driver, log: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS asr_requests (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, api_path TEXT, api_version TEXT, billed_seconds BIGINT NOT NULL, billed_nanos BIGINT NOT NULL, created_at BIGINT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS llm_requests (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, api_path TEXT, api_version TEXT, model TEXT NOT NULL, prompt_tokens BIGINT NOT NULL, completion_tokens BIGINT NOT NULL, total_tokens BIGINT NOT NULL, created_at BIGINT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS tts_requests (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, api_path TEXT, api_version TEXT, model_name TEXT NOT NULL, billable_chars BIGINT NOT NULL, created_at BIGINT NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (user_id TEXT PRIMARY KEY, status TEXT NOT NULL, is_subscribed BOOLEAN NOT NULL);`,
		`CREATE INDEX IF NOT EXISTS asr_requests_user ON asr_requests (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS llm_requests_user ON llm_requests (user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS tts_requests_user ON tts_requests (user_id, created_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $N for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var (
		sb strings.Builder
		n  int
	)
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) RecordASR(ctx context.Context, e ASREntry) error {
	seconds := int64(e.BilledTime / time.Second)
	nanos := int64(e.BilledTime % time.Second)
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO asr_requests (id, user_id, api_path, api_version, billed_seconds, billed_nanos, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), e.UserID, e.APIPath, e.APIVersion, seconds, nanos, s.now().UnixNano())
	return err
}

func (s *Store) RecordLLM(ctx context.Context, e LLMEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO llm_requests (id, user_id, api_path, api_version, model, prompt_tokens, completion_tokens, total_tokens, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), e.UserID, e.APIPath, e.APIVersion, e.Model, e.PromptTokens, e.CompletionTokens, e.TotalTokens, s.now().UnixNano())
	return err
}

func (s *Store) RecordTTS(ctx context.Context, e TTSEntry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO tts_requests (id, user_id, api_path, api_version, model_name, billable_chars, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), e.UserID, e.APIPath, e.APIVersion, e.ModelName, e.BillableChars, s.now().UnixNano())
	return err
}

// SetSubscription upserts the billing status of a user.
func (s *Store) SetSubscription(ctx context.Context, userID string, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO subscriptions (user_id, status, is_subscribed) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET status = excluded.status, is_subscribed = excluded.is_subscribed`),
		userID, sub.Status, sub.IsSubscribed)
	return err
}

// Subscription returns the billing status of a user. Users without a row
// are reported as unsubscribed.
func (s *Store) Subscription(ctx context.Context, userID string) (Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT status, is_subscribed FROM subscriptions WHERE user_id = ?`), userID).
		Scan(&sub.Status, &sub.IsSubscribed)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{Status: "none"}, nil
	}
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Usage totals the spend of a user over the requested range and APIs.
func (s *Store) Usage(ctx context.Context, userID string, req UsageRequest) (UsageResponse, error) {
	apis := req.APIs
	if len(apis) == 0 {
		apis = AllAPIs
	}

	var total billing
	for _, api := range apis {
		var (
			b   billing
			err error
		)
		switch api {
		case ASR:
			b, err = s.asrBilling(ctx, userID, req)
		case TTS:
			b, err = s.ttsBilling(ctx, userID, req)
		case LLM:
			b, err = s.llmBilling(ctx, userID, req)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownAPI, api)
		}
		if err != nil {
			return UsageResponse{}, err
		}
		total.merge(b)
	}

	return UsageResponse{
		Start:         total.start,
		End:           total.end,
		TotalBillable: roundBillable(total.amount),
	}, nil
}

// rangeFilter appends the created_at bounds of req to a query.
func rangeFilter(q string, args []any, req UsageRequest) (string, []any) {
	if !req.Start.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, req.Start.UnixNano())
	}
	if !req.End.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, req.End.UnixNano())
	}
	return q, args
}

func (s *Store) asrBilling(ctx context.Context, userID string, req UsageRequest) (billing, error) {
	q, args := rangeFilter(`SELECT billed_seconds, billed_nanos, created_at FROM asr_requests WHERE user_id = ?`, []any{userID}, req)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return billing{}, err
	}
	defer rows.Close()

	var b billing
	for rows.Next() {
		var seconds, nanos, created int64
		if err := rows.Scan(&seconds, &nanos, &created); err != nil {
			return billing{}, err
		}
		b.add(asrCost(seconds, nanos), time.Unix(0, created))
	}
	return b, rows.Err()
}

func (s *Store) ttsBilling(ctx context.Context, userID string, req UsageRequest) (billing, error) {
	q, args := rangeFilter(`SELECT model_name, billable_chars, created_at FROM tts_requests WHERE user_id = ?`, []any{userID}, req)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return billing{}, err
	}
	defer rows.Close()

	var b billing
	for rows.Next() {
		var (
			model        string
			chars, created int64
		)
		if err := rows.Scan(&model, &chars, &created); err != nil {
			return billing{}, err
		}
		b.add(ttsCost(model, chars), time.Unix(0, created))
	}
	return b, rows.Err()
}

func (s *Store) llmBilling(ctx context.Context, userID string, req UsageRequest) (billing, error) {
	q, args := rangeFilter(`SELECT model, total_tokens, created_at FROM llm_requests WHERE user_id = ?`, []any{userID}, req)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return billing{}, err
	}
	defer rows.Close()

	var b billing
	for rows.Next() {
		var (
			model           string
			tokens, created int64
		)
		if err := rows.Scan(&model, &tokens, &created); err != nil {
			return billing{}, err
		}
		cost, ok := llmCost(model, tokens)
		if !ok {
			s.log.Warnw("No price for model, not billed", "model", model)
		}
		b.add(cost, time.Unix(0, created))
	}
	return b, rows.Err()
}
