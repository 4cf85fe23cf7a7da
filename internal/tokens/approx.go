package tokens

import (
	"regexp"

	"github.com/gaspardpetit/llamaswarm/internal/chat"
)

// Llama 3 chat framing: <|begin_of_text|> once, then per message
// <|start_header_id|>role<|end_header_id|>\n\n ... <|eot_id|>, and a trailing
// assistant header that primes the reply.
const (
	beginOfText     = 1
	headerOverhead  = 4
	endOfTurn       = 1
	maxPieceBytes   = 6
	assistantPrimer = headerOverhead
)

// pieces approximates the Llama 3 pre-tokenizer split.
var pieces = regexp.MustCompile(`(?i:'s|'t|'re|'ve|'m|'ll|'d)| ?\p{L}+| ?\p{N}{1,3}| ?[^\s\p{L}\p{N}]+|\s+`)

// Approx estimates the encoded length of a Llama 3 formatted dialog without
// loading a vocabulary. Each pre-tokenized piece costs one token per
// maxPieceBytes bytes, rounded up.
type Approx struct{}

func (Approx) Count(messages []chat.Message) int {
	n := beginOfText + assistantPrimer
	for _, m := range messages {
		n += headerOverhead + endOfTurn
		n += textTokens(m.Content)
	}
	return n
}

func textTokens(s string) int {
	n := 0
	for _, p := range pieces.FindAllString(s, -1) {
		n += (len(p) + maxPieceBytes - 1) / maxPieceBytes
	}
	return n
}
