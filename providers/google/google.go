package google

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
)

const (
	providerName = "google"

	recognizePath    = "speech.googleapis.com/v1/speech:recognize"
	recognizeVersion = "v1"

	opusSampleRate   = 48000
	warmupSampleRate = 16000

	// Reported to callers when the service answers Unavailable.
	defaultRetryAfter = 5 * time.Second
)

// recognizer is a local interface that wraps the methods we need
// from speech.Client to enable easier testing
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
}

// Provider implements providers.Transcriber for the Google Speech-to-Text API.
type Provider struct {
	client       recognizer
	languageCode string
}

// NewProvider creates a new Google Speech provider with the given client.
func NewProvider(client *speech.Client, languageCode string) *Provider {
	return &Provider{
		client:       client,
		languageCode: languageCode,
	}
}

// Name returns the name of the provider.
func (p *Provider) Name() string {
	return providerName
}

// Transcribe runs a synchronous recognition over the whole clip.
func (p *Provider) Transcribe(ctx context.Context, clip audio.Blob) (providers.Transcription, error) {
	cfg, err := recognitionConfig(clip.MimeType, p.languageCode)
	if err != nil {
		return providers.Transcription{}, err
	}

	resp, err := p.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: clip.Data},
		},
	})
	if status.Code(err) == codes.Unavailable {
		return providers.Transcription{}, &providers.WarmupError{EstimatedTime: defaultRetryAfter}
	}
	if err != nil {
		return providers.Transcription{}, fmt.Errorf("google recognize: %w", err)
	}

	var (
		parts      []string
		confidence float32
	)
	for _, result := range resp.GetResults() {
		if len(result.GetAlternatives()) == 0 {
			continue
		}
		alt := result.GetAlternatives()[0]
		parts = append(parts, strings.TrimSpace(alt.GetTranscript()))
		if confidence == 0 {
			confidence = alt.GetConfidence()
		}
	}

	return providers.Transcription{
		Text:         strings.Join(parts, " "),
		Confidence:   confidence,
		ProviderName: providerName,
		APIPath:      recognizePath,
		APIVersion:   recognizeVersion,
		BilledTime:   resp.GetTotalBilledTime().AsDuration(),
		ReceivedAt:   time.Now(),
	}, nil
}

// Warmup sends a short silent clip so the first real request does not pay
// for model loading. It returns a WarmupError while the service is
// unavailable.
func (p *Provider) Warmup(ctx context.Context) error {
	silence := audio.WAV(make([]byte, warmupSampleRate/10*2), warmupSampleRate, 1)
	_, err := p.Transcribe(ctx, audio.Blob{MimeType: audio.MimeWAV, Data: silence})
	return err
}

// recognitionConfig maps the clip mime type to the encoding the service
// expects. WAV headers carry their own sample rate, so it is left unset.
func recognitionConfig(mimeType, languageCode string) (*speechpb.RecognitionConfig, error) {
	cfg := &speechpb.RecognitionConfig{
		LanguageCode:               languageCode,
		EnableAutomaticPunctuation: true,
	}
	switch audio.BaseType(mimeType) {
	case "audio/ogg":
		cfg.Encoding = speechpb.RecognitionConfig_OGG_OPUS
		cfg.SampleRateHertz = opusSampleRate
	case "audio/webm":
		cfg.Encoding = speechpb.RecognitionConfig_WEBM_OPUS
		cfg.SampleRateHertz = opusSampleRate
	case "audio/wav", "audio/x-wav", "audio/wave":
		cfg.Encoding = speechpb.RecognitionConfig_LINEAR16
	case "audio/mpeg", "audio/mp3":
		cfg.Encoding = speechpb.RecognitionConfig_MP3
	default:
		return nil, fmt.Errorf("unsupported audio type %q", mimeType)
	}
	return cfg, nil
}
