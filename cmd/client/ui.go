package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agnivade/voicechat/turn"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#CC66FF"))
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF"))
	botStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#87D787"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	recStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F5F"))
	overuseStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#CC66FF")).Padding(1, 2)
)

const noticeTTL = 5 * time.Second

// controller is the part of turn.Controller the view drives.
type controller interface {
	Toggle()
	Clear()
}

// spendFunc returns the total billed so far.
type spendFunc func(ctx context.Context) (float64, error)

type (
	snapshotMsg    turn.Snapshot
	noticeMsg      turn.Notice
	clearNoticeMsg struct{ at time.Time }
	spendMsg       struct {
		total float64
		err   error
	}
)

// model renders the conversation and forwards key presses to the
// controller.
type model struct {
	ctrl       controller
	spend      spendFunc
	spendLimit float64
	maxSilent  int

	snap     turn.Snapshot
	notice   string
	noticeAt time.Time
	usage    float64
	overuse  bool
	checking bool
	width    int
}

func newModel(ctrl controller, spend spendFunc, spendLimit float64, maxSilent int) model {
	return model{
		ctrl:       ctrl,
		spend:      spend,
		spendLimit: spendLimit,
		maxSilent:  maxSilent,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func checkSpendCmd(spend spendFunc) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		total, err := spend(ctx)
		return spendMsg{total: total, err: err}
	}
}

func clearNoticeCmd(at time.Time) tea.Cmd {
	return tea.Tick(noticeTTL, func(time.Time) tea.Msg {
		return clearNoticeMsg{at: at}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		m.snap = turn.Snapshot(msg)
		return m, nil

	case noticeMsg:
		m.notice = turn.Notice(msg).Message()
		m.noticeAt = time.Now()
		return m, clearNoticeCmd(m.noticeAt)

	case clearNoticeMsg:
		if msg.at.Equal(m.noticeAt) {
			m.notice = ""
		}
		return m, nil

	case spendMsg:
		m.checking = false
		if msg.err != nil {
			// A failed check does not block recording.
			m.ctrl.Toggle()
			return m, nil
		}
		m.usage = msg.total
		if m.spendLimit > 0 && msg.total >= m.spendLimit {
			m.overuse = true
			return m, nil
		}
		m.ctrl.Toggle()
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overuse {
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "esc", "enter":
			m.overuse = false
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case " ":
		if m.snap.Recording || m.spend == nil || m.spendLimit <= 0 {
			m.ctrl.Toggle()
			return m, nil
		}
		if m.checking {
			return m, nil
		}
		m.checking = true
		return m, checkSpendCmd(m.spend)
	case "c":
		m.ctrl.Clear()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("voicechat"))
	b.WriteString("\n\n")

	if m.overuse {
		b.WriteString(overuseStyle.Render(fmt.Sprintf(
			"Hey! You seem to be liking this a lot - you used $%.2f of API access.\nAsk for a pro subscription to keep going.\n\nesc to dismiss, q to quit", m.usage)))
		b.WriteString("\n")
		return b.String()
	}

	if len(m.snap.Turns) == 0 {
		b.WriteString(dimStyle.Render("Press space and start talking."))
		b.WriteString("\n")
	}
	for _, t := range m.snap.Turns {
		b.WriteString(renderTurn(t))
	}

	b.WriteString("\n")
	b.WriteString(m.status())
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(errorStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("space: talk/stop  c: clear  q: quit"))
	b.WriteString("\n")
	return b.String()
}

func (m model) status() string {
	if m.snap.Recording {
		return recStyle.Render("● recording") +
			dimStyle.Render(fmt.Sprintf("  silence %d/%d  chunks %d", m.snap.SilentSamples, m.maxSilent, m.snap.Chunks))
	}
	switch m.snap.State {
	case turn.StateAwaitingTranscription:
		return dimStyle.Render("transcribing...")
	case turn.StateAwaitingReply:
		return dimStyle.Render("thinking...")
	case turn.StateIdle:
		if m.checking {
			return dimStyle.Render("checking usage...")
		}
		return dimStyle.Render("idle")
	default:
		return dimStyle.Render(m.snap.State.String())
	}
}

func renderTurn(t turn.Turn) string {
	var b strings.Builder
	user := "..."
	if t.UserText != nil {
		user = *t.UserText
	}
	b.WriteString(userStyle.Render("You: "))
	b.WriteString(user)
	b.WriteString("\n")

	switch {
	case t.BotText != nil:
		b.WriteString(botStyle.Render("Bot: "))
		b.WriteString(*t.BotText)
	case t.Status == turn.StatusFailed:
		b.WriteString(errorStyle.Render("Bot: " + t.Err))
	case t.Status == turn.StatusIgnored:
		b.WriteString(dimStyle.Render("Bot: (nothing to answer)"))
	case !t.Complete || t.Status == turn.StatusDetached:
		b.WriteString(dimStyle.Render("Bot: ..."))
	}
	if t.Status == turn.StatusFailed && t.BotText != nil {
		b.WriteString(errorStyle.Render("  (" + t.Err + ")"))
	}
	b.WriteString("\n")
	return b.String()
}
