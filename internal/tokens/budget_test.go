package tokens

import (
	"fmt"
	"testing"

	"github.com/gaspardpetit/llamaswarm/internal/chat"
)

// perMessage charges a fixed cost per message so truncation rounds are easy
// to reason about.
func perMessage(cost int) Counter {
	return CounterFunc(func(msgs []chat.Message) int { return len(msgs) * cost })
}

func dialog(n int) []chat.Message {
	msgs := []chat.Message{{Role: chat.RoleSystem, Content: "persona"}}
	for i := 1; i < n; i++ {
		role := chat.RoleUser
		if i%2 == 0 {
			role = chat.RoleAssistant
		}
		msgs = append(msgs, chat.Message{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	return msgs
}

func TestFits(t *testing.T) {
	b := NewBudget(perMessage(10), 100)
	msgs := dialog(5)
	if !b.Fits(msgs, 50) {
		t.Fatalf("50+50 should fit in 100")
	}
	if b.Fits(msgs, 51) {
		t.Fatalf("50+51 should not fit in 100")
	}
}

func TestFitsMonotonicInGenBudget(t *testing.T) {
	b := NewBudget(Approx{}, 256)
	msgs := dialog(7)
	prev := true
	for g := 0; g <= 512; g++ {
		cur := b.Fits(msgs, g)
		if cur && !prev {
			t.Fatalf("fits became true again at gen budget %d", g)
		}
		prev = cur
	}
}

func TestCountClampsNegative(t *testing.T) {
	b := NewBudget(CounterFunc(func([]chat.Message) int { return -5 }), 10)
	if n := b.Count(dialog(2)); n != 0 {
		t.Fatalf("count %d", n)
	}
}

func TestTruncateOldestDropsPairs(t *testing.T) {
	b := NewBudget(perMessage(10), 50)
	in := dialog(7) // 70 tokens
	out := b.TruncateOldest(in, 0, true)
	if len(out) != 5 {
		t.Fatalf("expected one pair dropped, got %d messages", len(out))
	}
	if out[0] != in[0] {
		t.Fatalf("leading message replaced")
	}
	if out[1] != in[3] || out[2] != in[4] {
		t.Fatalf("oldest exchange not dropped: %+v", out)
	}
	if len(in) != 7 {
		t.Fatalf("input modified")
	}
}

func TestTruncateOldestSingle(t *testing.T) {
	b := NewBudget(perMessage(10), 50)
	in := dialog(7)
	out := b.TruncateOldest(in, 0, false)
	if len(out) != 5 || out[1] != in[3] {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestTruncateOldestOddRemainder(t *testing.T) {
	// 2 messages left with dropPairs removes only one.
	b := NewBudget(perMessage(10), 10)
	out := b.TruncateOldest(dialog(4), 0, true)
	if len(out) != 1 {
		t.Fatalf("expected system message only, got %d", len(out))
	}
}

func TestTruncateOldestResidualNonFit(t *testing.T) {
	b := NewBudget(perMessage(10), 5)
	in := dialog(6)
	out := b.TruncateOldest(in, 0, true)
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("expected the leading message alone, got %+v", out)
	}
	if b.Fits(out, 0) {
		t.Fatalf("residual should still be over budget")
	}
}

func TestTruncateOldestInvariants(t *testing.T) {
	for n := 2; n <= 12; n++ {
		for window := 0; window <= 130; window += 10 {
			b := NewBudget(perMessage(10), window)
			in := dialog(n)
			out := b.TruncateOldest(in, 0, true)
			if len(out) > len(in) {
				t.Fatalf("n=%d window=%d: output grew", n, window)
			}
			if out[0] != in[0] {
				t.Fatalf("n=%d window=%d: leading message removed", n, window)
			}
			if len(out) > 1 && !b.Fits(out, 0) {
				t.Fatalf("n=%d window=%d: stopped before fitting", n, window)
			}
		}
	}
}

func TestTruncateOldestAlreadyFits(t *testing.T) {
	b := NewBudget(perMessage(1), 100)
	in := dialog(4)
	out := b.TruncateOldest(in, 10, true)
	if len(out) != len(in) {
		t.Fatalf("nothing should be dropped")
	}
}
