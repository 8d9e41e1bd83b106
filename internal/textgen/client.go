package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message represents a chat message in the OpenAI-compatible API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call: model, ordered messages, output
// budget, and sampling temperature.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Client communicates with an OpenAI-compatible text-generation service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting the given base URL. timeout bounds each
// individual call; pass 0 for the default of 60 seconds.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete sends the request and returns the assistant's response text with
// surrounding whitespace trimmed. An empty response is an error: callers
// treat any failure here as a recoverable generation failure.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion: unexpected status %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding completion response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("completion: empty choices")
	}
	text := strings.TrimSpace(result.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("completion: empty response text")
	}
	return text, nil
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// Moderate checks text against the content-safety endpoint and reports
// whether it was flagged.
func (c *Client) Moderate(ctx context.Context, text string) (bool, error) {
	body, err := json.Marshal(moderationRequest{Input: text})
	if err != nil {
		return false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/moderations", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("creating moderation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("moderation: unexpected status %d", resp.StatusCode)
	}

	var result moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decoding moderation response: %w", err)
	}
	if len(result.Results) == 0 {
		return false, fmt.Errorf("moderation: empty results")
	}
	return result.Results[0].Flagged, nil
}
