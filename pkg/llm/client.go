package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"inkreview/pkg/domain"
)

// Client sends prompt text to one configured endpoint and returns the raw
// model output. Implementations do no retrying; failover lives in Invoker.
type Client interface {
	Generate(ctx context.Context, cfg domain.LLMConfig, prompt string) (string, error)
}

// ChatClient calls any OpenAI-compatible /v1/chat/completions endpoint.
// Works with vLLM, LiteLLM, LocalAI, Deepseek, OpenRouter, self-hosted
// models, etc. Endpoint, model code, and credential come from the LLMConfig
// row for each call, so one client serves every configured provider.
type ChatClient struct {
	httpClient *http.Client
}

// NewChatClient builds a chat completions client. The per-call deadline is
// the caller's context; the underlying http.Client carries no timeout of
// its own.
func NewChatClient() *ChatClient {
	return &ChatClient{httpClient: &http.Client{}}
}

// Generate implements Client using the OpenAI chat completions API.
func (c *ChatClient) Generate(ctx context.Context, cfg domain.LLMConfig, prompt string) (string, error) {
	if cfg.ModelCode == "" {
		return "", fmt.Errorf("model code required for %s", cfg.TaskType)
	}
	reqBody := chatRequest{
		Model:    cfg.ModelCode,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(strings.TrimSpace(cfg.EndpointURL), "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(cfg.Role, 0, fmt.Errorf("chat request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp chatErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		detail := errResp.Error.Message
		if detail == "" {
			detail = resp.Status
		}
		return "", classify(cfg.Role, resp.StatusCode, fmt.Errorf("chat api error: %s", detail))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", classify(cfg.Role, 0, fmt.Errorf("chat decode: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return "", classify(cfg.Role, 0, fmt.Errorf("empty response from chat api"))
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", classify(cfg.Role, 0, fmt.Errorf("empty response from chat api"))
	}
	return text, nil
}

// Chat completions request/response types.

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
