package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/agnivade/voicechat/turn"
)

// bridge hands controller output to the program without ever blocking the
// controller's event loop. Only the newest snapshot is kept; notices are
// dropped when the view falls behind.
type bridge struct {
	log     *zap.SugaredLogger
	snaps   chan turn.Snapshot
	notices chan turn.Notice
}

func newBridge(log *zap.SugaredLogger) *bridge {
	return &bridge{
		log:     log,
		snaps:   make(chan turn.Snapshot, 1),
		notices: make(chan turn.Notice, 16),
	}
}

// Observe is the controller's Observer. It must only be called from a
// single goroutine.
func (b *bridge) Observe(s turn.Snapshot) {
	for {
		select {
		case b.snaps <- s:
			return
		default:
		}
		// replace the stale snapshot
		select {
		case <-b.snaps:
		default:
		}
	}
}

func (b *bridge) Notify(n turn.Notice) {
	select {
	case b.notices <- n:
	default:
		b.log.Warnw("Dropping notice, view is busy", "message", n.Message())
	}
}

// run forwards to send until ctx is done.
func (b *bridge) run(ctx context.Context, send func(tea.Msg)) {
	for {
		select {
		case s := <-b.snaps:
			send(snapshotMsg(s))
		case n := <-b.notices:
			send(noticeMsg(n))
		case <-ctx.Done():
			return
		}
	}
}
