package google

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
)

const (
	synthesizeName    = "google-tts"
	synthesizePath    = "texttospeech.googleapis.com/v1/text:synthesize"
	synthesizeVersion = "v1"
)

type speechSynthesizer interface {
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
}

// Synthesizer implements providers.Synthesizer on top of Google Text-to-Speech.
type Synthesizer struct {
	client       speechSynthesizer
	languageCode string
	voice        string
	encoding     texttospeechpb.AudioEncoding
	mimeType     string
}

// NewSynthesizer returns a synthesizer producing audio in the given encoding,
// either "MP3" or "OGG_OPUS".
func NewSynthesizer(client *texttospeech.Client, languageCode, voice, encoding string) (*Synthesizer, error) {
	enc, mimeType, err := audioEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &Synthesizer{
		client:       client,
		languageCode: languageCode,
		voice:        voice,
		encoding:     enc,
		mimeType:     mimeType,
	}, nil
}

func (s *Synthesizer) Name() string {
	return synthesizeName
}

// Synthesize converts text into speech.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (providers.Speech, error) {
	resp, err := s.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: s.languageCode,
			Name:         s.voice,
			SsmlGender:   texttospeechpb.SsmlVoiceGender_NEUTRAL,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: s.encoding,
		},
	})
	if err != nil {
		return providers.Speech{}, fmt.Errorf("google synthesize: %w", err)
	}

	return providers.Speech{
		Audio:         audio.Blob{MimeType: s.mimeType, Data: resp.GetAudioContent()},
		ModelName:     s.voice,
		APIPath:       synthesizePath,
		APIVersion:    synthesizeVersion,
		BillableChars: utf8.RuneCountInString(text),
	}, nil
}

func audioEncoding(name string) (texttospeechpb.AudioEncoding, string, error) {
	switch strings.ToUpper(name) {
	case "", "MP3":
		return texttospeechpb.AudioEncoding_MP3, audio.MimeMPEG, nil
	case "OGG_OPUS":
		return texttospeechpb.AudioEncoding_OGG_OPUS, audio.MimeOggOpus, nil
	case "LINEAR16":
		return texttospeechpb.AudioEncoding_LINEAR16, audio.MimeWAV, nil
	default:
		return 0, "", fmt.Errorf("unsupported synthesis encoding %q", name)
	}
}
