// Package config loads backend configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress        string
	AuthPassword       string
	AuthSecret         string
	TokenTTL           time.Duration
	RateLimitPerMinute int
	MaxPromptChars     int

	LanguageCode string

	GoogleCredentials string
	DeepgramKey       string

	OpenAIKey       string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIMaxTokens int

	TTSProvider       string
	TTSVoice          string
	TTSEncoding       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	LedgerDriver string
	LedgerDSN    string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
}

// Load reads environment variables and returns Config with sane defaults.
// A .env file in the working directory is loaded first when present.
func Load(log *zap.SugaredLogger) Config {
	if err := godotenv.Load(); err != nil {
		log.Debugw("No .env file loaded", "error", err)
	}

	cfg := Config{
		HTTPAddress:        getEnv("HTTP_ADDRESS", ":8081"),
		AuthPassword:       os.Getenv("AUTH_PASSWORD"),
		AuthSecret:         os.Getenv("AUTH_SECRET"),
		TokenTTL:           getDuration(log, "TOKEN_TTL", 24*time.Hour),
		RateLimitPerMinute: getInt(log, "RATE_LIMIT_PER_MINUTE", 120),
		MaxPromptChars:     getInt(log, "MAX_PROMPT_CHARS", 4000),

		LanguageCode: getEnv("LANGUAGE_CODE", "en-US"),

		GoogleCredentials: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),

		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-3.5-turbo-instruct"),
		OpenAIMaxTokens: getInt(log, "OPENAI_MAX_TOKENS", 256),

		TTSProvider:       getEnv("TTS_PROVIDER", "google"),
		TTSVoice:          getEnv("TTS_VOICE", "en-US-Standard-C"),
		TTSEncoding:       getEnv("TTS_ENCODING", "MP3"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),

		LedgerDriver: getEnv("LEDGER_DRIVER", "sqlite"),
		LedgerDSN:    getEnv("LEDGER_DSN", "voicechat.db"),

		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    getEnv("S3_BUCKET", "voicechat"),
		S3Region:    os.Getenv("S3_REGION"),
	}

	if cfg.AuthPassword == "" {
		log.Warn("AUTH_PASSWORD not set - logins will be rejected")
	}
	if cfg.AuthSecret == "" {
		log.Warn("AUTH_SECRET not set - tokens cannot be issued")
	}
	if cfg.OpenAIKey == "" {
		log.Warn("OPENAI_API_KEY not set - completions will not work")
	}
	if cfg.TTSProvider == "google" && strings.EqualFold(cfg.TTSEncoding, "OGG_OPUS") {
		log.Warnw("TTS_ENCODING OGG_OPUS cannot be played by the terminal client, use MP3 or LINEAR16", "tts_encoding", cfg.TTSEncoding)
	}
	if cfg.DeepgramKey == "" && cfg.GoogleCredentials == "" {
		log.Warn("Neither DEEPGRAM_API_KEY nor GOOGLE_APPLICATION_CREDENTIALS set - relying on default Google credentials")
	}

	log.Infow("Config loaded", "http_address", cfg.HTTPAddress, "ledger_driver", cfg.LedgerDriver, "tts_provider", cfg.TTSProvider)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(log *zap.SugaredLogger, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnw("Invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getDuration(log *zap.SugaredLogger, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnw("Invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
