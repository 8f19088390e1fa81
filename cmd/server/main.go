package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	speech "cloud.google.com/go/speech/apiv1"
	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/agnivade/voicechat"
	"github.com/agnivade/voicechat/internal/archive"
	"github.com/agnivade/voicechat/internal/config"
	"github.com/agnivade/voicechat/internal/ledger"
	"github.com/agnivade/voicechat/providers"
	"github.com/agnivade/voicechat/providers/deepgram"
	"github.com/agnivade/voicechat/providers/elevenlabs"
	"github.com/agnivade/voicechat/providers/google"
	"github.com/agnivade/voicechat/providers/openai"
)

func main() {
	debug := flag.Bool("debug", false, "Enable development logging")
	addr := flag.String("addr", "", "Listen address (overrides HTTP_ADDRESS)")
	flag.Parse()

	zl, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	log := zl.Sugar()

	cfg := config.Load(log)
	if *addr != "" {
		cfg.HTTPAddress = *addr
	}

	ctx := context.Background()

	var clientOpts []option.ClientOption
	if cfg.GoogleCredentials != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.GoogleCredentials))
	}

	// Transcribers, in order of preference.
	var transcribers []providers.Transcriber
	speechClient, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		log.Warnw("Google speech disabled", "error", err)
	} else {
		defer speechClient.Close()
		transcribers = append(transcribers, google.NewProvider(speechClient, cfg.LanguageCode))
	}
	if cfg.DeepgramKey != "" {
		transcribers = append(transcribers, deepgram.NewProvider(cfg.DeepgramKey, cfg.LanguageCode))
	}

	deps := voicechat.Deps{Logger: log}
	if len(transcribers) > 0 {
		selector, err := voicechat.NewProviderSelector(transcribers, log)
		if err != nil {
			log.Fatalw("Failed to create provider selector", "error", err)
		}
		deps.Transcriber = selector
	} else {
		log.Warn("No transcription provider available")
	}

	if cfg.OpenAIKey != "" {
		completer, err := openai.NewCompleter(openai.Config{
			APIKey:    cfg.OpenAIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.OpenAIMaxTokens,
		})
		if err != nil {
			log.Fatalw("Failed to create completer", "error", err)
		}
		deps.Completer = completer
	}

	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			log.Warn("ElevenLabs selected but ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID missing - synthesis disabled")
			break
		}
		deps.Synthesizer = elevenlabs.NewSynthesizer(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, "")
	default:
		ttsClient, err := texttospeech.NewClient(ctx, clientOpts...)
		if err != nil {
			log.Warnw("Google text-to-speech disabled", "error", err)
			break
		}
		defer ttsClient.Close()
		synth, err := google.NewSynthesizer(ttsClient, cfg.LanguageCode, cfg.TTSVoice, cfg.TTSEncoding)
		if err != nil {
			log.Fatalw("Failed to create synthesizer", "error", err)
		}
		deps.Synthesizer = synth
	}

	store, err := ledger.Open(cfg.LedgerDriver, cfg.LedgerDSN, log)
	if err != nil {
		log.Fatalw("Failed to open ledger", "driver", cfg.LedgerDriver, "error", err)
	}
	defer store.Close()
	deps.Ledger = store

	if cfg.S3Endpoint != "" {
		arch, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
		}, log)
		if err != nil {
			log.Warnw("Audio archive disabled", "error", err)
		} else {
			deps.Archive = arch
		}
	}

	s := voicechat.New(voicechat.Options{
		Address:            cfg.HTTPAddress,
		AuthPassword:       cfg.AuthPassword,
		AuthSecret:         cfg.AuthSecret,
		TokenTTL:           cfg.TokenTTL,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		MaxPromptChars:     cfg.MaxPromptChars,
	}, deps)

	go func() {
		if err := s.Start(); err != nil {
			log.Fatalw("Server failed to start", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := s.Stop(); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
