package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gaspardpetit/llamaswarm/internal/chat"
)

// Ollama is a small HTTP client for a local Ollama server hosting the
// worker's model.
type Ollama struct {
	BaseURL    string
	Model      string
	NumCtx     int
	MainGPU    int
	httpClient *http.Client
}

// NewOllama returns a client for model served at base. numCtx is the
// context window requested from the server and mainGPU the device index.
func NewOllama(base, model string, numCtx, mainGPU int) *Ollama {
	return &Ollama{
		BaseURL:    strings.TrimSuffix(base, "/"),
		Model:      model,
		NumCtx:     numCtx,
		MainGPU:    mainGPU,
		httpClient: &http.Client{},
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  *int    `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	MainGPU     int     `json:"main_gpu"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  ollamaOptions  `json:"options"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

// Generate calls POST /api/chat without streaming.
func (c *Ollama) Generate(ctx context.Context, p Params) (Generation, error) {
	body := ollamaChatRequest{
		Model:    c.Model,
		Messages: p.Messages,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: p.Temperature,
			TopP:        p.TopP,
			NumPredict:  p.MaxGenLen,
			NumCtx:      c.NumCtx,
			MainGPU:     c.MainGPU,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Generation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return Generation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("ollama chat: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Generation{}, fmt.Errorf("ollama chat: read body: %w", err)
	}
	var out ollamaChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Generation{}, fmt.Errorf("ollama chat: status %d: decode: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return Generation{}, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, out.Error)
	}
	return Generation{
		Role:       chat.Role(out.Message.Role),
		Content:    out.Message.Content,
		StopReason: stopReason(out.DoneReason),
	}, nil
}

func stopReason(doneReason string) StopReason {
	switch doneReason {
	case "length":
		return StopOutOfTokens
	case "stop", "":
		return StopEndOfTurn
	default:
		return StopEndOfMessage
	}
}

// Tags lists the models installed on the server. Workers use it as a
// health probe.
func (c *Ollama) Tags(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags: status %d", resp.StatusCode)
	}
	var v struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	var models []string
	for _, m := range v.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
