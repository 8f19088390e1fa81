package turn

import (
	"fmt"
	"time"
)

// Status is the outcome of a turn.
type Status int

const (
	// StatusPending turns still wait for their remote responses.
	StatusPending Status = iota
	StatusAnswered
	StatusFailed
	// StatusIgnored turns produced no prompt, e.g. an empty transcript.
	StatusIgnored
	// StatusDetached turns were closed because a newer recording started
	// while their responses were in flight. Late responses still fill them.
	StatusDetached
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAnswered:
		return "answered"
	case StatusFailed:
		return "failed"
	case StatusIgnored:
		return "ignored"
	case StatusDetached:
		return "awaiting reply"
	default:
		return "unknown"
	}
}

// Turn is one user utterance and the assistant's reply. Absent text is nil.
type Turn struct {
	ID        uint64
	Order     int
	UserText  *string
	BotText   *string
	Complete  bool
	Status    Status
	Err       string
	CreatedAt time.Time
}

// Update describes the fields to change on a turn. Nil text leaves the
// field untouched.
type Update struct {
	UserText *string
	BotText  *string
	Complete bool
	Status   Status
	Err      string
}

// Log is the ordered sequence of turns. At most one turn is incomplete and
// it is always the last one. Log is not safe for concurrent use; it is
// owned by the Controller event loop.
type Log struct {
	turns  []Turn
	nextID uint64
	now    func() time.Time
}

func NewLog() *Log {
	return &Log{now: time.Now}
}

// AppendPlaceholder adds an incomplete turn with no text and returns its id.
func (l *Log) AppendPlaceholder() (uint64, error) {
	if last, ok := l.Last(); ok && !last.Complete {
		return 0, fmt.Errorf("%w: append while turn %d is incomplete", ErrInvariantViolation, last.ID)
	}
	l.nextID++
	l.turns = append(l.turns, Turn{
		ID:        l.nextID,
		Order:     len(l.turns),
		Status:    StatusPending,
		CreatedAt: l.now(),
	})
	return l.nextID, nil
}

// UpdateLast applies u to the last turn, which must be incomplete.
func (l *Log) UpdateLast(u Update) error {
	if len(l.turns) == 0 {
		return fmt.Errorf("%w: update on empty log", ErrInvariantViolation)
	}
	last := &l.turns[len(l.turns)-1]
	if last.Complete {
		return fmt.Errorf("%w: update on complete turn %d", ErrInvariantViolation, last.ID)
	}
	apply(last, u)
	return nil
}

// Resolve applies u to a detached turn. Only the text, error and final
// status change; the turn stays complete.
func (l *Log) Resolve(id uint64, u Update) error {
	t := l.find(id)
	if t == nil {
		return ErrTurnNotFound
	}
	if t.Status != StatusDetached {
		return fmt.Errorf("%w: resolve on turn %d with status %s", ErrInvariantViolation, id, t.Status)
	}
	apply(t, u)
	t.Complete = true
	if !u.Complete {
		t.Status = StatusDetached
	}
	return nil
}

func apply(t *Turn, u Update) {
	if u.UserText != nil {
		t.UserText = u.UserText
	}
	if u.BotText != nil {
		t.BotText = u.BotText
	}
	if u.Err != "" {
		t.Err = u.Err
	}
	if u.Complete {
		t.Complete = true
		t.Status = u.Status
		if t.Status == StatusPending {
			t.Status = StatusAnswered
		}
	}
}

// Detach closes the last turn if incomplete, keeping it addressable by
// Resolve. It reports whether a turn was detached.
func (l *Log) Detach() bool {
	if len(l.turns) == 0 {
		return false
	}
	last := &l.turns[len(l.turns)-1]
	if last.Complete {
		return false
	}
	last.Complete = true
	last.Status = StatusDetached
	return true
}

// DiscardIncomplete removes the last turn if it is incomplete.
func (l *Log) DiscardIncomplete() bool {
	if len(l.turns) == 0 || l.turns[len(l.turns)-1].Complete {
		return false
	}
	l.turns = l.turns[:len(l.turns)-1]
	return true
}

// Clear drops every turn.
func (l *Log) Clear() {
	l.turns = nil
}

func (l *Log) Last() (Turn, bool) {
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// IsLastPending reports whether id is the last, still incomplete, turn.
func (l *Log) IsLastPending(id uint64) bool {
	last, ok := l.Last()
	return ok && last.ID == id && !last.Complete
}

func (l *Log) Find(id uint64) (Turn, bool) {
	if t := l.find(id); t != nil {
		return *t, true
	}
	return Turn{}, false
}

func (l *Log) find(id uint64) *Turn {
	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].ID == id {
			return &l.turns[i]
		}
	}
	return nil
}

func (l *Log) Len() int {
	return len(l.turns)
}

// Turns returns a copy of the log in creation order.
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}
