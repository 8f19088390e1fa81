package google

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
)

type mockRecognizer struct {
	mock.Mock
}

func (m *mockRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest, _ ...gax.CallOption) (*speechpb.RecognizeResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*speechpb.RecognizeResponse)
	return resp, args.Error(1)
}

type mockSynthesizer struct {
	mock.Mock
}

func (m *mockSynthesizer) SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, _ ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*texttospeechpb.SynthesizeSpeechResponse)
	return resp, args.Error(1)
}

func TestProvider_Transcribe(t *testing.T) {
	oggClip := audio.Blob{MimeType: audio.MimeOggOpus, Data: []byte("OggS")}

	tests := []struct {
		name        string
		clip        audio.Blob
		setupMock   func(*mockRecognizer)
		expected    providers.Transcription
		expectedErr string
		warmup      bool
	}{
		{
			name: "joins results",
			clip: oggClip,
			setupMock: func(m *mockRecognizer) {
				m.On("Recognize", mock.Anything, mock.MatchedBy(func(req *speechpb.RecognizeRequest) bool {
					return req.GetConfig().GetEncoding() == speechpb.RecognitionConfig_OGG_OPUS &&
						req.GetConfig().GetSampleRateHertz() == opusSampleRate &&
						string(req.GetAudio().GetContent()) == "OggS"
				})).Return(&speechpb.RecognizeResponse{
					Results: []*speechpb.SpeechRecognitionResult{
						{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello there", Confidence: 0.9}}},
						{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: " how are you "}}},
						{},
					},
					TotalBilledTime: durationpb.New(15 * time.Second),
				}, nil)
			},
			expected: providers.Transcription{
				Text:         "hello there how are you",
				Confidence:   0.9,
				ProviderName: providerName,
				APIPath:      recognizePath,
				APIVersion:   recognizeVersion,
				BilledTime:   15 * time.Second,
			},
		},
		{
			name: "wav leaves sample rate to the header",
			clip: audio.Blob{MimeType: audio.MimeWAV, Data: []byte("RIFF")},
			setupMock: func(m *mockRecognizer) {
				m.On("Recognize", mock.Anything, mock.MatchedBy(func(req *speechpb.RecognizeRequest) bool {
					return req.GetConfig().GetEncoding() == speechpb.RecognitionConfig_LINEAR16 &&
						req.GetConfig().GetSampleRateHertz() == 0
				})).Return(&speechpb.RecognizeResponse{}, nil)
			},
			expected: providers.Transcription{
				ProviderName: providerName,
				APIPath:      recognizePath,
				APIVersion:   recognizeVersion,
			},
		},
		{
			name:        "unsupported mime",
			clip:        audio.Blob{MimeType: "video/mp4"},
			setupMock:   func(m *mockRecognizer) {},
			expectedErr: "unsupported audio type",
		},
		{
			name: "unavailable maps to warmup",
			clip: oggClip,
			setupMock: func(m *mockRecognizer) {
				m.On("Recognize", mock.Anything, mock.Anything).Return(nil, status.Error(codes.Unavailable, "loading"))
			},
			warmup: true,
		},
		{
			name: "other errors are wrapped",
			clip: oggClip,
			setupMock: func(m *mockRecognizer) {
				m.On("Recognize", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
			},
			expectedErr: "google recognize: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockRecognizer{}
			tt.setupMock(m)
			p := &Provider{client: m, languageCode: "en-US"}

			got, err := p.Transcribe(context.Background(), tt.clip)
			switch {
			case tt.warmup:
				var werr *providers.WarmupError
				require.ErrorAs(t, err, &werr)
				assert.Equal(t, defaultRetryAfter, werr.EstimatedTime)
			case tt.expectedErr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedErr)
			default:
				require.NoError(t, err)
				assert.WithinDuration(t, time.Now(), got.ReceivedAt, time.Second)
				got.ReceivedAt = time.Time{}
				assert.Equal(t, tt.expected, got)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestProvider_Warmup(t *testing.T) {
	silentWAV := mock.MatchedBy(func(req *speechpb.RecognizeRequest) bool {
		return req.GetConfig().GetEncoding() == speechpb.RecognitionConfig_LINEAR16 &&
			len(req.GetAudio().GetContent()) > 44
	})

	t.Run("ready", func(t *testing.T) {
		m := &mockRecognizer{}
		m.On("Recognize", mock.Anything, silentWAV).Return(&speechpb.RecognizeResponse{}, nil).Once()
		p := &Provider{client: m, languageCode: "en-US"}

		assert.NoError(t, p.Warmup(context.Background()))
		m.AssertExpectations(t)
	})

	t.Run("loading", func(t *testing.T) {
		m := &mockRecognizer{}
		m.On("Recognize", mock.Anything, silentWAV).Return(nil, status.Error(codes.Unavailable, "loading")).Once()
		p := &Provider{client: m, languageCode: "en-US"}

		var werr *providers.WarmupError
		require.ErrorAs(t, p.Warmup(context.Background()), &werr)
		assert.Equal(t, defaultRetryAfter, werr.EstimatedTime)
	})
}

func TestProvider_Name(t *testing.T) {
	assert.Equal(t, "google", NewProvider(nil, "en-US").Name())
}

func TestSynthesizer_Synthesize(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		m := &mockSynthesizer{}
		m.On("SynthesizeSpeech", mock.Anything, mock.MatchedBy(func(req *texttospeechpb.SynthesizeSpeechRequest) bool {
			return req.GetInput().GetText() == "héllo" &&
				req.GetVoice().GetName() == "en-US-Standard-C" &&
				req.GetAudioConfig().GetAudioEncoding() == texttospeechpb.AudioEncoding_MP3
		})).Return(&texttospeechpb.SynthesizeSpeechResponse{AudioContent: []byte("ID3")}, nil)

		s, err := NewSynthesizer(nil, "en-US", "en-US-Standard-C", "mp3")
		require.NoError(t, err)
		s.client = m

		got, err := s.Synthesize(context.Background(), "héllo")
		require.NoError(t, err)
		assert.Equal(t, audio.Blob{MimeType: audio.MimeMPEG, Data: []byte("ID3")}, got.Audio)
		assert.Equal(t, 5, got.BillableChars)
		assert.Equal(t, "en-US-Standard-C", got.ModelName)
		assert.Equal(t, synthesizePath, got.APIPath)
		m.AssertExpectations(t)
	})

	t.Run("error", func(t *testing.T) {
		m := &mockSynthesizer{}
		m.On("SynthesizeSpeech", mock.Anything, mock.Anything).Return(nil, errors.New("quota"))

		s, err := NewSynthesizer(nil, "en-US", "", "OGG_OPUS")
		require.NoError(t, err)
		s.client = m

		_, err = s.Synthesize(context.Background(), "hi")
		assert.EqualError(t, err, "google synthesize: quota")
	})

	t.Run("unknown encoding", func(t *testing.T) {
		_, err := NewSynthesizer(nil, "en-US", "", "FLAC")
		assert.Error(t, err)
	})
}
