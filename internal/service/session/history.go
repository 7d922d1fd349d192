package session

import (
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/model/chat"
)

// MaxHistory caps how many rendered messages a session keeps for replay.
const MaxHistory = 15

// History is a bounded, ordered log of rendered messages. Append order is
// replay order. It is not safe for concurrent use on its own; the owning
// Session serializes access.
type History struct {
	entries []chat.Message
	max     int
}

// NewHistory returns an empty buffer capped at max entries.
func NewHistory(max int) *History {
	if max <= 0 {
		max = MaxHistory
	}
	return &History{
		entries: make([]chat.Message, 0, max),
		max:     max,
	}
}

// Append inserts at the tail, evicting from the head once the cap is
// exceeded. Oldest-first eviction keeps the buffer equal to the most
// recent max appends in arrival order.
func (h *History) Append(msg chat.Message) {
	h.entries = append(h.entries, msg)
	for len(h.entries) > h.max {
		h.entries = h.entries[1:]
	}
}

// Len reports the number of buffered messages.
func (h *History) Len() int {
	return len(h.entries)
}

// Snapshot returns a copy of the buffered messages, oldest first.
func (h *History) Snapshot() []chat.Message {
	copied := make([]chat.Message, len(h.entries))
	copy(copied, h.entries)
	return copied
}
