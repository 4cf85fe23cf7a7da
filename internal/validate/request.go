// Package validate checks untrusted completion payloads and backend
// generations. Every rule is evaluated so callers can report all problems
// at once.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gaspardpetit/llamaswarm/internal/apierr"
	"github.com/gaspardpetit/llamaswarm/internal/chat"
)

// maxGenLenKeys are the accepted spellings of the generation bound, in
// precedence order.
var maxGenLenKeys = []string{"max_tokens", "max_gen_len"}

// Decode parses body into a chat.Request. Any violation yields a single
// InvalidRequest error listing all of them.
func Decode(body []byte) (chat.Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return chat.Request{}, apierr.InvalidRequest("Request body is required and must be a JSON object.")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return chat.Request{}, apierr.InvalidRequest(fmt.Sprintf("Request body is not valid JSON: %v.", err))
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return chat.Request{}, apierr.InvalidRequest("Request body must contain a single JSON object.")
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		return chat.Request{}, apierr.InvalidRequest("Request body must be a JSON object.")
	}
	if v := Violations(payload); len(v) > 0 {
		return chat.Request{}, apierr.InvalidRequest(v...)
	}
	return build(payload), nil
}

// Violations returns a human-readable message for every rule payload
// breaks. A valid payload yields none.
func Violations(payload map[string]any) []string {
	var out []string
	out = append(out, messageViolations(payload)...)
	out = append(out, unitInterval(payload, "temperature")...)
	out = append(out, unitInterval(payload, "top_p")...)
	for _, key := range maxGenLenKeys {
		out = append(out, positiveInt(payload, key)...)
	}
	return out
}

func messageViolations(payload map[string]any) []string {
	raw, present := payload["messages"]
	if !present {
		return []string{"messages is required."}
	}
	list, ok := raw.([]any)
	if !ok || list == nil {
		return []string{"messages must be a non-null array of messages."}
	}
	if len(list) == 0 {
		return []string{"messages must contain at least one message."}
	}
	var out []string
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			out = append(out, fmt.Sprintf("messages[%d] must be an object with role and content.", i))
			continue
		}
		switch role, present := m["role"]; {
		case !present:
			out = append(out, fmt.Sprintf("messages[%d].role is required.", i))
		default:
			s, ok := role.(string)
			if !ok {
				out = append(out, fmt.Sprintf("messages[%d].role must be a string.", i))
			} else if !chat.Role(s).Valid() {
				out = append(out, fmt.Sprintf("messages[%d].role must be one of %s, got %q.", i, roleList(), s))
			}
		}
		switch content, present := m["content"]; {
		case !present:
			out = append(out, fmt.Sprintf("messages[%d].content is required.", i))
		default:
			if _, ok := content.(string); !ok {
				out = append(out, fmt.Sprintf("messages[%d].content must be a string.", i))
			}
		}
	}
	return out
}

// unitInterval checks an optional number in (0.0, 1.0]. null counts as
// absent.
func unitInterval(payload map[string]any, key string) []string {
	raw, present := payload[key]
	if !present || raw == nil {
		return nil
	}
	f, ok := number(raw)
	if !ok {
		return []string{fmt.Sprintf("%s must be a number.", key)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []string{fmt.Sprintf("%s must be finite.", key)}
	}
	if f <= 0 || f > 1 {
		return []string{fmt.Sprintf("%s must be greater than 0.0 and at most 1.0, got %v.", key, f)}
	}
	return nil
}

// positiveInt checks an optional integer in [1, MaxInt32]. null means
// unlimited.
func positiveInt(payload map[string]any, key string) []string {
	raw, present := payload[key]
	if !present || raw == nil {
		return nil
	}
	n, ok, overflow := integer(raw)
	switch {
	case !ok:
		return []string{fmt.Sprintf("%s must be an integer.", key)}
	case overflow:
		return []string{fmt.Sprintf("%s is out of range, got %v.", key, raw)}
	case n < 1:
		return []string{fmt.Sprintf("%s must be at least 1, got %d.", key, n)}
	case n > math.MaxInt32:
		return []string{fmt.Sprintf("%s must be at most %d, got %d.", key, math.MaxInt32, n)}
	}
	return nil
}

// number reads a JSON number as a float64. A literal beyond float64 range
// yields an infinity rather than failing.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, false
		}
		return f, true
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// integer reads an integral JSON number. Literals with a fraction or an
// exponent, such as 1.0, are not integers. overflow reports an integer
// literal that does not fit in an int64.
func integer(v any) (n int64, ok, overflow bool) {
	switch x := v.(type) {
	case json.Number:
		s := string(x)
		if strings.ContainsAny(s, ".eE") {
			return 0, false, false
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errors.Is(err, strconv.ErrRange), errors.Is(err, strconv.ErrRange)
		}
		return i, true, false
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false, false
		}
		if x >= math.MaxInt64 || x < math.MinInt64 {
			return 0, true, true
		}
		return int64(x), true, false
	case int:
		return int64(x), true, false
	}
	return 0, false, false
}

func build(payload map[string]any) chat.Request {
	req := chat.Request{Temperature: chat.DefaultTemperature, TopP: chat.DefaultTopP}
	for _, item := range payload["messages"].([]any) {
		m := item.(map[string]any)
		req.Messages = append(req.Messages, chat.Message{
			Role:    chat.Role(m["role"].(string)),
			Content: m["content"].(string),
		})
	}
	if f, ok := number(payload["temperature"]); ok {
		req.Temperature = f
	}
	if f, ok := number(payload["top_p"]); ok {
		req.TopP = f
	}
	for _, key := range maxGenLenKeys {
		if i, ok, _ := integer(payload[key]); ok {
			n := int(i)
			req.MaxGenLen = &n
			break
		}
	}
	return req
}

func roleList() string {
	names := make([]string, len(chat.Roles))
	for i, r := range chat.Roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}
