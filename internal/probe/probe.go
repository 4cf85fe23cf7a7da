// Package probe finds the conversation size at which a completion endpoint
// starts failing.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gaspardpetit/llamaswarm/internal/chat"
	"github.com/gaspardpetit/llamaswarm/internal/logx"
)

const bodyPrefix = 200

// Options control one probe run.
type Options struct {
	URL     string
	Start   int
	Step    int
	Max     int
	Timeout time.Duration
}

// Step is the outcome of one request.
type Step struct {
	Tokens   int
	Status   int
	Elapsed  time.Duration
	ReplyLen int
	Body     string
	Err      error
}

// OK reports whether the request succeeded.
func (s Step) OK() bool { return s.Err == nil && s.Status == http.StatusOK }

// Report lists every request made; the last one failed unless the whole
// range passed.
type Report struct {
	Steps []Step
}

// Limit returns the first failing size, or 0 when every size passed.
func (r Report) Limit() int {
	if n := len(r.Steps); n > 0 && !r.Steps[n-1].OK() {
		return r.Steps[n-1].Tokens
	}
	return 0
}

// Content builds a message of roughly n tokens.
func Content(n int) string {
	return strings.TrimSpace(strings.Repeat("token ", n))
}

// Run sends progressively larger single-message conversations to opts.URL
// and stops at the first failure.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Step <= 0 {
		return Report{}, fmt.Errorf("step must be positive, got %d", opts.Step)
	}
	client := &http.Client{Timeout: opts.Timeout}
	var report Report
	for n := opts.Start; n <= opts.Max; n += opts.Step {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		step := send(ctx, client, opts.URL, n)
		report.Steps = append(report.Steps, step)
		switch {
		case step.Err != nil:
			logx.Log.Error().Int("tokens", n).Err(step.Err).Msg("request failed; stopping")
			return report, nil
		case !step.OK():
			logx.Log.Warn().Int("tokens", n).Int("status", step.Status).Str("body", step.Body).Msg("limit reached; stopping")
			return report, nil
		default:
			logx.Log.Info().Int("tokens", n).Int("reply_len", step.ReplyLen).Dur("duration", step.Elapsed).Msg("ok")
		}
	}
	return report, nil
}

type payload struct {
	Messages  []chat.Message `json:"messages"`
	MaxTokens *int           `json:"max_tokens"`
}

func send(ctx context.Context, client *http.Client, url string, n int) Step {
	step := Step{Tokens: n}
	b, err := json.Marshal(payload{Messages: []chat.Message{{Role: chat.RoleUser, Content: Content(n)}}})
	if err != nil {
		step.Err = err
		return step
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		step.Err = err
		return step
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		step.Err = err
		return step
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	step.Elapsed = time.Since(start)
	step.Status = resp.StatusCode
	if err != nil {
		step.Err = err
		return step
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > bodyPrefix {
			raw = raw[:bodyPrefix]
		}
		step.Body = string(raw)
		return step
	}
	step.ReplyLen = len(replyContent(raw))
	return step
}

// replyContent accepts both the router's {role, content} body and the
// worker's {served_by, result} envelope.
func replyContent(raw []byte) string {
	var v struct {
		Content string       `json:"content"`
		Result  *chat.Result `json:"result"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	if v.Result != nil {
		return v.Result.Content
	}
	return v.Content
}
