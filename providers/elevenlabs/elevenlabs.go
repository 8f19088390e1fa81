// Package elevenlabs synthesizes speech with the ElevenLabs HTTP API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
)

const (
	providerName   = "elevenlabs"
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_flash_v2_5"
	apiVersion     = "v1"
)

// Synthesizer implements providers.Synthesizer.
type Synthesizer struct {
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewSynthesizer(apiKey, voiceID, model string) *Synthesizer {
	if model == "" {
		model = defaultModel
	}
	return &Synthesizer{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      model,
		BaseURL:    defaultBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *Synthesizer) Name() string {
	return providerName
}

// Synthesize requests an MP3 rendition of text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (providers.Speech, error) {
	if s.APIKey == "" || s.VoiceID == "" {
		return providers.Speech{}, errors.New("elevenlabs: api key or voice id missing")
	}

	path := "/v1/text-to-speech/" + url.PathEscape(s.VoiceID)
	u, err := url.Parse(s.BaseURL + path)
	if err != nil {
		return providers.Speech{}, err
	}
	q := u.Query()
	q.Set("output_format", "mp3_44100_128")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]any{
		"model_id": s.Model,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":        0.4,
			"similarity_boost": 0.7,
		},
	})
	if err != nil {
		return providers.Speech{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return providers.Speech{}, err
	}
	req.Header.Set("xi-api-key", s.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", audio.MimeMPEG)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return providers.Speech{}, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.Speech{}, fmt.Errorf("elevenlabs read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providers.Speech{}, fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(data))
	}

	return providers.Speech{
		Audio:         audio.Blob{MimeType: audio.MimeMPEG, Data: data},
		ModelName:     s.Model,
		APIPath:       path,
		APIVersion:    apiVersion,
		BillableChars: utf8.RuneCountInString(text),
	}, nil
}
