// Package backend is the contract between a worker and the generation
// engine it fronts.
package backend

import (
	"context"

	"github.com/gaspardpetit/llamaswarm/internal/chat"
)

// StopReason explains why the backend stopped generating.
type StopReason string

const (
	StopEndOfTurn    StopReason = "end_of_turn"
	StopEndOfMessage StopReason = "end_of_message"
	// StopOutOfTokens means the backend ran out of context window before the
	// turn was complete.
	StopOutOfTokens StopReason = "out_of_tokens"
)

// Params are the validated generation parameters. MaxGenLen is nil for
// unlimited.
type Params struct {
	Messages    []chat.Message
	Temperature float64
	TopP        float64
	MaxGenLen   *int
}

// Generation is one assistant turn produced by a backend.
type Generation struct {
	Role       chat.Role
	Content    string
	StopReason StopReason
}

// Generator produces a reply for a conversation. Implementations block
// until the generation is complete.
type Generator interface {
	Generate(ctx context.Context, p Params) (Generation, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p Params) (Generation, error)

func (f GeneratorFunc) Generate(ctx context.Context, p Params) (Generation, error) {
	return f(ctx, p)
}
