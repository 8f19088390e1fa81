package turn

import (
	"fmt"
	"math"
	"time"
)

// NoticeKind identifies a user-facing message.
type NoticeKind int

const (
	NoticeSignInRequired NoticeKind = iota + 1
	NoticePermissionDenied
	NoticeUnsupportedPlatform
	NoticeNoAudio
	NoticeProblem
	NoticeWarmingUp
	NoticeRetryLater
)

// Notice is a transient message for the user. Err carries the underlying
// cause for logging and is never displayed.
type Notice struct {
	Kind       NoticeKind
	RetryAfter time.Duration
	Err        error
}

// Message returns the text shown to the user.
func (n Notice) Message() string {
	switch n.Kind {
	case NoticeSignInRequired:
		return "You need to sign in for this"
	case NoticePermissionDenied:
		return "Sorry, we couldn't access your mic. If you revoked access, please grant it back!"
	case NoticeUnsupportedPlatform:
		return "Sorry, it looks like your device can't record audio. Please try again on a different device!"
	case NoticeNoAudio:
		return "Sorry, I didn't catch that. Please try again"
	case NoticeWarmingUp:
		return fmt.Sprintf("The speech model is warming up, retrying in %ds", seconds(n.RetryAfter))
	case NoticeRetryLater:
		return fmt.Sprintf("The speech model is still loading, try again in %ds", seconds(n.RetryAfter))
	default:
		return "Sorry, we had a problem"
	}
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
