package voicechat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/internal/archive"
	"github.com/agnivade/voicechat/internal/ledger"
	"github.com/agnivade/voicechat/providers"
)

// FallbackReply is returned when the completer produces no text.
const FallbackReply = "I'm at a loss for words, sorry!"

// ErrEmptyPrompt is returned for prompts that are blank after trimming.
var ErrEmptyPrompt = errors.New("empty prompt")

// Recorder persists billable usage. *ledger.Store implements it.
type Recorder interface {
	RecordASR(ctx context.Context, e ledger.ASREntry) error
	RecordLLM(ctx context.Context, e ledger.LLMEntry) error
	RecordTTS(ctx context.Context, e ledger.TTSEntry) error
}

// Speech runs the remote calls behind the WebSocket channel and records
// their usage.
type Speech struct {
	transcriber    providers.Transcriber
	completer      providers.Completer
	synthesizer    providers.Synthesizer
	ledger         Recorder
	archive        *archive.Archive
	maxPromptChars int
	log            *zap.SugaredLogger
}

// Transcribe converts the clip to text.
func (sp *Speech) Transcribe(ctx context.Context, userID string, clip audio.Blob) (string, error) {
	if sp.transcriber == nil {
		return "", errors.New("no transcriber configured")
	}
	if clip.Empty() {
		return "", errors.New("empty audio")
	}

	sp.log.Debugw("Transcribing clip", "user", userID, "mime", clip.MimeType, "size", humanize.Bytes(uint64(clip.Len())))
	res, err := sp.transcriber.Transcribe(ctx, clip)
	if err != nil {
		return "", err
	}

	if err := sp.ledger.RecordASR(ctx, ledger.ASREntry{
		UserID:     userID,
		APIPath:    res.APIPath,
		APIVersion: res.APIVersion,
		BilledTime: res.BilledTime,
	}); err != nil {
		sp.log.Errorw("Failed to record transcription", "user", userID, "error", err)
	}

	if url, err := sp.archive.Put(ctx, archive.KindClip, userID, clip); err != nil {
		sp.log.Warnw("Failed to archive clip", "user", userID, "error", err)
	} else if url != "" {
		sp.log.Debugw("Archived clip", "url", url)
	}

	return res.Text, nil
}

// Complete generates the reply to prompt.
func (sp *Speech) Complete(ctx context.Context, userID, prompt string) (string, error) {
	if sp.completer == nil {
		return "", errors.New("no completer configured")
	}
	prompt = truncatePrompt(strings.TrimSpace(prompt), sp.maxPromptChars)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	res, err := sp.completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}

	if err := sp.ledger.RecordLLM(ctx, ledger.LLMEntry{
		UserID:           userID,
		APIPath:          res.APIPath,
		APIVersion:       res.APIVersion,
		Model:            res.Model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
	}); err != nil {
		sp.log.Errorw("Failed to record completion", "user", userID, "error", err)
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return FallbackReply, nil
	}
	return text, nil
}

// Synthesize speaks text.
func (sp *Speech) Synthesize(ctx context.Context, userID, text string) (audio.Blob, error) {
	if sp.synthesizer == nil {
		return audio.Blob{}, errors.New("no synthesizer configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.Blob{}, errors.New("empty text")
	}

	res, err := sp.synthesizer.Synthesize(ctx, text)
	if err != nil {
		return audio.Blob{}, fmt.Errorf("%s: %w", sp.synthesizer.Name(), err)
	}

	if err := sp.ledger.RecordTTS(ctx, ledger.TTSEntry{
		UserID:        userID,
		APIPath:       res.APIPath,
		APIVersion:    res.APIVersion,
		ModelName:     res.ModelName,
		BillableChars: res.BillableChars,
	}); err != nil {
		sp.log.Errorw("Failed to record synthesis", "user", userID, "error", err)
	}

	if _, err := sp.archive.Put(ctx, archive.KindReply, userID, res.Audio); err != nil {
		sp.log.Warnw("Failed to archive reply", "user", userID, "error", err)
	}
	return res.Audio, nil
}

// truncatePrompt keeps the last max runes, cutting at a word boundary when
// one is available.
func truncatePrompt(prompt string, max int) string {
	if max <= 0 {
		return prompt
	}
	runes := []rune(prompt)
	if len(runes) <= max {
		return prompt
	}
	cut := len(runes) - max
	tail := string(runes[cut:])
	if !unicode.IsSpace(runes[cut-1]) {
		// Drop the partial leading word.
		if i := strings.IndexFunc(tail, unicode.IsSpace); i >= 0 && i < len(tail)-1 {
			tail = tail[i+1:]
		}
	}
	return strings.TrimSpace(tail)
}

type nopRecorder struct{}

func (nopRecorder) RecordASR(context.Context, ledger.ASREntry) error { return nil }
func (nopRecorder) RecordLLM(context.Context, ledger.LLMEntry) error { return nil }
func (nopRecorder) RecordTTS(context.Context, ledger.TTSEntry) error { return nil }
