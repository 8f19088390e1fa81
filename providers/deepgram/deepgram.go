package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
)

const (
	providerName = "deepgram"
	listenPath   = "api.deepgram.com/v1/listen"
	listenVer    = "v1"

	writeChunkSize = 8 * 1024
	// Results stop arriving once the clip is consumed; after this much
	// silence from the service the transcript is considered complete.
	defaultIdleTimeout = 1500 * time.Millisecond
)

// liveConn is a local interface that wraps the methods we need
// from listenv1ws.WSChannel to enable easier testing
type liveConn interface {
	io.Writer
	Connect() bool
	Stop()
}

type dialFunc func(ctx context.Context, cOpts *interfaces.ClientOptions, tOpts *interfaces.LiveTranscriptionOptions, handler *ChannelHandler) (liveConn, error)

// ChannelHandler implements the LiveMessageChan interface for receiving Deepgram messages
type ChannelHandler struct {
	openChan          chan *api.OpenResponse
	messageChan       chan *api.MessageResponse
	metadataChan      chan *api.MetadataResponse
	speechStartedChan chan *api.SpeechStartedResponse
	utteranceEndChan  chan *api.UtteranceEndResponse
	closeChan         chan *api.CloseResponse
	errorChan         chan *api.ErrorResponse
	unhandledChan     chan *[]byte
}

// NewChannelHandler creates a new handler with initialized channels
func NewChannelHandler() *ChannelHandler {
	return &ChannelHandler{
		openChan:          make(chan *api.OpenResponse, 1),
		messageChan:       make(chan *api.MessageResponse, 32),
		metadataChan:      make(chan *api.MetadataResponse, 1),
		speechStartedChan: make(chan *api.SpeechStartedResponse, 4),
		utteranceEndChan:  make(chan *api.UtteranceEndResponse, 4),
		closeChan:         make(chan *api.CloseResponse, 1),
		errorChan:         make(chan *api.ErrorResponse, 1),
		unhandledChan:     make(chan *[]byte, 4),
	}
}

func (ch *ChannelHandler) GetOpen() []*chan *api.OpenResponse {
	return []*chan *api.OpenResponse{&ch.openChan}
}

func (ch *ChannelHandler) GetMessage() []*chan *api.MessageResponse {
	return []*chan *api.MessageResponse{&ch.messageChan}
}

func (ch *ChannelHandler) GetMetadata() []*chan *api.MetadataResponse {
	return []*chan *api.MetadataResponse{&ch.metadataChan}
}

func (ch *ChannelHandler) GetSpeechStarted() []*chan *api.SpeechStartedResponse {
	return []*chan *api.SpeechStartedResponse{&ch.speechStartedChan}
}

func (ch *ChannelHandler) GetUtteranceEnd() []*chan *api.UtteranceEndResponse {
	return []*chan *api.UtteranceEndResponse{&ch.utteranceEndChan}
}

func (ch *ChannelHandler) GetClose() []*chan *api.CloseResponse {
	return []*chan *api.CloseResponse{&ch.closeChan}
}

func (ch *ChannelHandler) GetError() []*chan *api.ErrorResponse {
	return []*chan *api.ErrorResponse{&ch.errorChan}
}

func (ch *ChannelHandler) GetUnhandled() []*chan *[]byte {
	return []*chan *[]byte{&ch.unhandledChan}
}

// Provider implements providers.Transcriber for Deepgram. Each clip is
// streamed over a short-lived live connection and the final results are
// joined into one transcript.
type Provider struct {
	apiKey       string
	languageCode string
	idleTimeout  time.Duration
	dial         dialFunc
}

// NewProvider creates a new Deepgram provider with the given API key.
func NewProvider(apiKey, languageCode string) *Provider {
	client.InitWithDefault()

	return &Provider{
		apiKey:       apiKey,
		languageCode: languageCode,
		idleTimeout:  defaultIdleTimeout,
		dial: func(ctx context.Context, cOpts *interfaces.ClientOptions, tOpts *interfaces.LiveTranscriptionOptions, handler *ChannelHandler) (liveConn, error) {
			return client.NewWSUsingChan(ctx, "", cOpts, tOpts, handler)
		},
	}
}

// Name returns the name of the provider.
func (p *Provider) Name() string {
	return providerName
}

// Transcribe streams the clip and collects final results until the service
// reports the end of the utterance or goes quiet.
func (p *Provider) Transcribe(ctx context.Context, clip audio.Blob) (providers.Transcription, error) {
	tOptions, payload, billed, err := p.transcriptionOptions(clip)
	if err != nil {
		return providers.Transcription{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := NewChannelHandler()
	conn, err := p.dial(ctx, &interfaces.ClientOptions{APIKey: p.apiKey}, tOptions, handler)
	if err != nil {
		return providers.Transcription{}, fmt.Errorf("deepgram dial: %w", err)
	}
	if success := conn.Connect(); !success {
		return providers.Transcription{}, errors.New("failed to connect to deepgram")
	}
	defer conn.Stop()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeChunks(ctx, conn, payload)
	}()

	text, confidence, err := p.collect(ctx, handler, writeErr)
	if err != nil {
		return providers.Transcription{}, err
	}

	return providers.Transcription{
		Text:         text,
		Confidence:   confidence,
		ProviderName: providerName,
		APIPath:      listenPath,
		APIVersion:   listenVer,
		BilledTime:   billed,
		ReceivedAt:   time.Now(),
	}, nil
}

func (p *Provider) transcriptionOptions(clip audio.Blob) (*interfaces.LiveTranscriptionOptions, []byte, time.Duration, error) {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-3",
		Language:       p.languageCode,
		Punctuate:      true,
		VadEvents:      true,
		UtteranceEndMs: "1000",
	}

	switch clip.BaseType() {
	case "audio/wav", "audio/x-wav", "audio/wave":
		info, err := audio.ParseWAV(clip.Data)
		if err != nil {
			return nil, nil, 0, err
		}
		opts.Encoding = "linear16"
		opts.Channels = info.Channels
		opts.SampleRate = info.SampleRate
		return opts, info.PCM, info.Duration(), nil
	case "audio/ogg", "audio/webm":
		// containerized audio carries its own encoding
		return opts, clip.Data, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported audio type %q", clip.MimeType)
	}
}

func writeChunks(ctx context.Context, w io.Writer, payload []byte) error {
	for len(payload) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(writeChunkSize, len(payload))
		if _, err := w.Write(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

func (p *Provider) collect(ctx context.Context, ch *ChannelHandler, writeErr <-chan error) (string, float32, error) {
	var (
		parts      []string
		confidence float32
		idle       <-chan time.Time
	)
	for {
		select {
		case err := <-writeErr:
			if err != nil {
				return "", 0, fmt.Errorf("deepgram write: %w", err)
			}
			// all audio is out, wait for the trailing results
			idle = time.After(p.idleTimeout)
		case msg := <-ch.messageChan:
			if msg == nil || !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if sentence := strings.TrimSpace(alt.Transcript); sentence != "" {
				parts = append(parts, sentence)
				if confidence == 0 {
					confidence = float32(alt.Confidence)
				}
			}
			if idle != nil {
				idle = time.After(p.idleTimeout)
			}
		case <-ch.utteranceEndChan:
			if idle != nil {
				return strings.Join(parts, " "), confidence, nil
			}
		case errResp := <-ch.errorChan:
			if errResp != nil {
				return "", 0, fmt.Errorf("deepgram: %v", errResp)
			}
		case <-ch.closeChan:
			return strings.Join(parts, " "), confidence, nil
		case <-idle:
			return strings.Join(parts, " "), confidence, nil
		case <-ch.openChan:
		case <-ch.metadataChan:
		case <-ch.speechStartedChan:
		case <-ch.unhandledChan:
		case <-ctx.Done():
			return "", 0, ctx.Err()
		}
	}
}
