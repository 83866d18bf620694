package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// OllamaProvider implements Provider against the Ollama chat API.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates a new OllamaProvider.
func NewOllama(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []Tool         `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	EvalCount       int     `json:"eval_count"`
	PromptEvalCount int     `json:"prompt_eval_count"`
}

// chatOptions keeps the provider options of req, dropping runtime hints.
func chatOptions(req ChatRequest) map[string]any {
	var opts map[string]any
	for k, v := range req.Options {
		if k == OptionAvailableTools {
			continue
		}
		if opts == nil {
			opts = make(map[string]any, len(req.Options))
		}
		opts[k] = v
	}
	if req.Temperature != 0 {
		if opts == nil {
			opts = map[string]any{}
		}
		opts["temperature"] = req.Temperature
	}
	return opts
}

// Chat sends a non-streaming chat request. Transport failures, throttling
// and 5xx answers come back as recoverable call errors.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Options:  chatOptions(req),
	})
	if err != nil {
		return nil, minerr.New(minerr.CodeValidation, "encode ollama request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "build ollama request", err).WithContext("base_url", p.baseURL)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, minerr.New(minerr.CodeCallExecution, "ollama unreachable", err).
			WithContext("model", req.Model).
			WithRecoverable(ctx.Err() == nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, minerr.Newf(minerr.CodeCallExecution, "ollama returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)).
			WithContext("model", req.Model).
			WithContext("status", resp.StatusCode).
			WithRecoverable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, minerr.New(minerr.CodeCallExecution, "decode ollama response", err).WithContext("model", req.Model)
	}
	return &ChatResponse{
		Content:   out.Message.Content,
		ToolCalls: out.Message.ToolCalls,
		Usage: Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}
