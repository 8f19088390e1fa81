package main

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agnivade/voicechat/turn"
)

type fakeController struct {
	toggles int
	clears  int
}

func (f *fakeController) Toggle() { f.toggles++ }
func (f *fakeController) Clear()  { f.clears++ }

func key(s string) tea.KeyMsg {
	if s == " " {
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(model)
	require.True(t, ok)
	return nm, cmd
}

func strPtr(s string) *string { return &s }

func TestModel_Keys(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl, nil, 0, 16)

	m, _ = update(t, m, key(" "))
	assert.Equal(t, 1, ctrl.toggles)

	m, _ = update(t, m, key("c"))
	assert.Equal(t, 1, ctrl.clears)

	_, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModel_SpendLimit(t *testing.T) {
	tests := []struct {
		name        string
		total       float64
		err         error
		wantToggle  int
		wantOveruse bool
	}{
		{name: "under the limit", total: 0.5, wantToggle: 1},
		{name: "over the limit", total: 2.5, wantOveruse: true},
		{name: "check failed", err: errors.New("offline"), wantToggle: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			spend := func(context.Context) (float64, error) { return tt.total, tt.err }
			m := newModel(ctrl, spend, 1.0, 16)

			m, cmd := update(t, m, key(" "))
			require.NotNil(t, cmd)
			assert.Zero(t, ctrl.toggles, "toggle waits for the spend check")
			assert.True(t, m.checking)

			m, _ = update(t, m, cmd())
			assert.Equal(t, tt.wantToggle, ctrl.toggles)
			assert.Equal(t, tt.wantOveruse, m.overuse)
			if tt.wantOveruse {
				assert.Contains(t, m.View(), "$2.50")

				// Keys other than esc are swallowed by the modal.
				m, _ = update(t, m, key(" "))
				assert.Zero(t, ctrl.toggles)
				m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
				assert.False(t, m.overuse)
			}
		})
	}
}

func TestModel_StopSkipsSpendCheck(t *testing.T) {
	ctrl := &fakeController{}
	m := newModel(ctrl, func(context.Context) (float64, error) { return 99, nil }, 1.0, 16)
	m, _ = update(t, m, snapshotMsg(turn.Snapshot{State: turn.StateRecording, Recording: true}))

	_, cmd := update(t, m, key(" "))
	assert.Nil(t, cmd)
	assert.Equal(t, 1, ctrl.toggles)
}

func TestModel_View(t *testing.T) {
	m := newModel(&fakeController{}, nil, 0, 16)
	assert.Contains(t, m.View(), "Press space")

	m, _ = update(t, m, snapshotMsg(turn.Snapshot{
		State: turn.StateAwaitingReply,
		Turns: []turn.Turn{
			{ID: 1, UserText: strPtr("hello"), BotText: strPtr("hi there"), Complete: true, Status: turn.StatusAnswered},
			{ID: 2, UserText: strPtr("what now"), Status: turn.StatusPending},
		},
	}))
	view := m.View()
	assert.Contains(t, view, "hello")
	assert.Contains(t, view, "hi there")
	assert.Contains(t, view, "what now")
	assert.Contains(t, view, "thinking...")

	m, cmd := update(t, m, noticeMsg(turn.Notice{Kind: turn.NoticeNoAudio}))
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "didn't catch that")

	m, _ = update(t, m, clearNoticeMsg{at: m.noticeAt})
	assert.NotContains(t, m.View(), "didn't catch that")
}

func TestModel_RecordingStatus(t *testing.T) {
	m := newModel(&fakeController{}, nil, 0, 16)
	m, _ = update(t, m, snapshotMsg(turn.Snapshot{State: turn.StateRecording, Recording: true, SilentSamples: 3, Chunks: 2}))
	assert.Contains(t, m.View(), "silence 3/16")
	assert.Contains(t, m.View(), "chunks 2")
}
