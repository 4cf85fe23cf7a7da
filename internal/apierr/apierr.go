// Package apierr defines the failure kinds surfaced by the router and the
// workers and their JSON wire representation.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind enumerates the failure classes a caller can observe.
type Kind int

const (
	KindUnknownServer Kind = iota
	KindInvalidRequest
	KindOutOfTokens
	KindInvalidResponse
	KindAllWorkersBusy
	KindUpstreamUnreachable
)

// Name returns the wire name of the kind.
func (k Kind) Name() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequestError"
	case KindOutOfTokens:
		return "OutOfTokensError"
	case KindInvalidResponse:
		return "InvalidResponseError"
	case KindAllWorkersBusy:
		return "AllWorkersBusyError"
	case KindUpstreamUnreachable:
		return "UpstreamUnreachableError"
	default:
		return "UnknownServerError"
	}
}

func (k Kind) String() string { return k.Name() }

// Status returns the HTTP status code associated with the kind.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindOutOfTokens:
		return http.StatusTooManyRequests
	case KindAllWorkersBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Unlimited is reported as gen_length when the request did not bound the
// generation length.
const Unlimited = "Unlimited"

const (
	msgAllBusy     = "All LLM servers are busy."
	msgUnreachable = "Failed to reach LLM server."
)

// TokenUsage carries the budget details of an OutOfTokens failure.
type TokenUsage struct {
	Budget             int
	ConversationLength int
	GenLength          *int
}

// Error is a classified failure. Err keeps the underlying cause for logs;
// it is never serialized.
type Error struct {
	Kind    Kind
	Message string
	Tokens  *TokenUsage
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Name(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Name(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for e.
func (e *Error) Status() int { return e.Kind.Status() }

type wireError struct {
	Name               string `json:"name"`
	Message            string `json:"message"`
	Budget             *int   `json:"budget,omitempty"`
	ConversationLength *int   `json:"conversation_length,omitempty"`
	GenLength          any    `json:"gen_length,omitempty"`
}

// MarshalJSON renders e as {name, message, ...kind-specific fields}. The
// busy rejection keeps the router's historical {"error": ...} body.
func (e *Error) MarshalJSON() ([]byte, error) {
	if e.Kind == KindAllWorkersBusy {
		return json.Marshal(map[string]string{"error": e.Message})
	}
	w := wireError{Name: e.Kind.Name(), Message: e.Message}
	if e.Tokens != nil {
		budget, conv := e.Tokens.Budget, e.Tokens.ConversationLength
		w.Budget = &budget
		w.ConversationLength = &conv
		if e.Tokens.GenLength != nil {
			w.GenLength = *e.Tokens.GenLength
		} else {
			w.GenLength = Unlimited
		}
	}
	return json.Marshal(w)
}

// InvalidRequest combines every violation into one error, each separated by
// a blank line.
func InvalidRequest(violations ...string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: strings.Join(violations, "\n\n")}
}

// InvalidResponse reports a malformed backend generation.
func InvalidResponse(violations ...string) *Error {
	return &Error{Kind: KindInvalidResponse, Message: strings.Join(violations, "\n\n")}
}

// OutOfTokens reports that the conversation plus the requested generation
// does not fit in the backend window. genLen is nil for unlimited.
func OutOfTokens(budget, conversationLength int, genLen *int) *Error {
	gen := Unlimited
	if genLen != nil {
		gen = fmt.Sprintf("%d", *genLen)
	}
	return &Error{
		Kind: KindOutOfTokens,
		Message: fmt.Sprintf("Out of tokens: conversation of %d tokens with generation length %s exceeds the budget of %d tokens.",
			conversationLength, gen, budget),
		Tokens: &TokenUsage{Budget: budget, ConversationLength: conversationLength, GenLength: genLen},
	}
}

// UnknownServer wraps an unclassified failure, preserving its message.
func UnknownServer(err error) *Error {
	msg := "unknown server error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindUnknownServer, Message: msg, Err: err}
}

// AllWorkersBusy is returned by the router when no idle worker exists.
func AllWorkersBusy() *Error {
	return &Error{Kind: KindAllWorkersBusy, Message: msgAllBusy}
}

// UpstreamUnreachable hides the transport failure behind a generic message.
func UpstreamUnreachable(err error) *Error {
	return &Error{Kind: KindUpstreamUnreachable, Message: msgUnreachable, Err: err}
}

// From classifies err, wrapping anything that is not already an *Error.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return UnknownServer(err)
}

// Write serializes err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	b, merr := json.Marshal(e)
	if merr != nil {
		b = []byte(`{"name":"UnknownServerError","message":"failed to encode error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	_, _ = w.Write(b)
}
