package turn

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// replyBuffer is a circular buffer of recent assistant replies, used to
// recognize transcripts of our own playback picked up by the microphone.
type replyBuffer struct {
	messages []string
	head     int
	size     int
}

func newReplyBuffer(capacity int) *replyBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &replyBuffer{messages: make([]string, capacity)}
}

func (rb *replyBuffer) Add(message string) {
	rb.messages[rb.head] = message
	rb.head = (rb.head + 1) % len(rb.messages)
	if rb.size < len(rb.messages) {
		rb.size++
	}
}

// IsSimilar checks if a message is similar to any reply in the buffer.
func (rb *replyBuffer) IsSimilar(message string, threshold float64) bool {
	normalized := normalizeMessage(message)
	for i := 0; i < rb.size; i++ {
		if isSimilarMessage(normalized, normalizeMessage(rb.messages[i]), threshold) {
			return true
		}
	}
	return false
}

func (rb *replyBuffer) Reset() {
	clear(rb.messages)
	rb.head, rb.size = 0, 0
}

func normalizeMessage(msg string) string {
	msg = strings.ToLower(msg)
	msg = strings.Map(func(r rune) rune {
		if strings.ContainsRune(".,!?;:\"'", r) {
			return -1
		}
		return r
	}, msg)
	return strings.Join(strings.Fields(msg), " ")
}

// isSimilarMessage compares two normalized messages by Levenshtein distance.
func isSimilarMessage(msg1, msg2 string, threshold float64) bool {
	if msg1 == "" || msg2 == "" {
		return false
	}
	if msg1 == msg2 {
		return true
	}

	distance := levenshtein.ComputeDistance(msg1, msg2)
	maxLen := max(len([]rune(msg1)), len([]rune(msg2)))
	similarity := 1.0 - float64(distance)/float64(maxLen)
	return similarity >= threshold
}
