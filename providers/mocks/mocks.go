// Package mocks provides testify mocks of the provider interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/agnivade/voicechat/audio"
	"github.com/agnivade/voicechat/providers"
)

type testingT interface {
	mock.TestingT
	Cleanup(func())
}

// Transcriber is a mock providers.Transcriber.
type Transcriber struct {
	mock.Mock
}

// NewTranscriber creates a mock that asserts its expectations on cleanup.
func NewTranscriber(t testingT) *Transcriber {
	m := &Transcriber{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Transcriber) Name() string {
	return m.Called().String(0)
}

func (m *Transcriber) Transcribe(ctx context.Context, clip audio.Blob) (providers.Transcription, error) {
	args := m.Called(ctx, clip)
	return args.Get(0).(providers.Transcription), args.Error(1)
}

// WarmTranscriber is a Transcriber that also implements providers.Warmer.
type WarmTranscriber struct {
	Transcriber
}

func NewWarmTranscriber(t testingT) *WarmTranscriber {
	m := &WarmTranscriber{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *WarmTranscriber) Warmup(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// Completer is a mock providers.Completer.
type Completer struct {
	mock.Mock
}

func NewCompleter(t testingT) *Completer {
	m := &Completer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Completer) Name() string {
	return m.Called().String(0)
}

func (m *Completer) Complete(ctx context.Context, prompt string) (providers.Completion, error) {
	args := m.Called(ctx, prompt)
	return args.Get(0).(providers.Completion), args.Error(1)
}

// Synthesizer is a mock providers.Synthesizer.
type Synthesizer struct {
	mock.Mock
}

func NewSynthesizer(t testingT) *Synthesizer {
	m := &Synthesizer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *Synthesizer) Name() string {
	return m.Called().String(0)
}

func (m *Synthesizer) Synthesize(ctx context.Context, text string) (providers.Speech, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(providers.Speech), args.Error(1)
}
