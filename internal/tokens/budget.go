// Package tokens keeps a conversation inside a backend context window.
package tokens

import "github.com/gaspardpetit/llamaswarm/internal/chat"

// Counter encodes a full dialog with the backend's chat format and reports
// its token length.
type Counter interface {
	Count(messages []chat.Message) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(messages []chat.Message) int

func (f CounterFunc) Count(messages []chat.Message) int { return f(messages) }

// Budget enforces MaxWindow, the number of tokens (history plus generation)
// a backend accepts for one request.
type Budget struct {
	Counter   Counter
	MaxWindow int
}

// NewBudget returns a Budget for the given window.
func NewBudget(c Counter, maxWindow int) *Budget {
	return &Budget{Counter: c, MaxWindow: maxWindow}
}

// Count returns the encoded length of messages. Negative counts from a
// misbehaving counter are clamped to zero.
func (b *Budget) Count(messages []chat.Message) int {
	n := b.Counter.Count(messages)
	if n < 0 {
		return 0
	}
	return n
}

// Fits reports whether messages plus genBudget tokens fit in the window.
func (b *Budget) Fits(messages []chat.Message, genBudget int) bool {
	return b.Count(messages)+genBudget <= b.MaxWindow
}

// TruncateOldest drops history after index 0 until the conversation fits or
// only the leading message remains. With dropPairs, two messages (a
// user/assistant exchange) are removed per round while more than two remain.
// The input slice is not modified. A result that still does not fit must be
// treated as a hard error by the caller.
func (b *Budget) TruncateOldest(messages []chat.Message, genBudget int, dropPairs bool) []chat.Message {
	msgs := append([]chat.Message(nil), messages...)
	for len(msgs) > 1 && !b.Fits(msgs, genBudget) {
		n := 1
		if dropPairs && len(msgs) > 2 {
			n = 2
		}
		msgs = append(msgs[:1], msgs[1+n:]...)
	}
	return msgs
}
