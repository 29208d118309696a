package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// scanInitialBufferSize is the scanner's starting buffer.
	scanInitialBufferSize = 64 * 1024

	// scanMaxLineSize caps a single SSE line from the provider.
	scanMaxLineSize = 1024 * 1024

	// completionTimeout bounds unary completion calls.
	completionTimeout = 30 * time.Second
)

// Message is one chat message in the provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatCompletion struct {
	Choices []struct {
		Message Message `json:"message"`
		Delta   struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Client talks to OpenAI-compatible chat completion APIs.
type Client struct {
	httpc *http.Client
}

// NewClient creates a provider client. No global timeout is set since
// streaming completions stay open for the duration of the response.
func NewClient() *Client {
	return &Client{httpc: &http.Client{}}
}

// StreamChat opens a streaming chat completion against the endpoint and
// returns the token stream. The caller must close it.
func (c *Client) StreamChat(ctx context.Context, ep Endpoint, messages []Message, temperature float64) (*TokenStream, error) {
	payload := chatRequest{
		Model:       ep.UpstreamModel,
		Messages:    messages,
		Temperature: temperature,
		Stream:      true,
	}

	resp, err := c.post(ctx, ep, payload)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, scanInitialBufferSize), scanMaxLineSize)

	return &TokenStream{
		body:    resp.Body,
		scanner: scanner,
	}, nil
}

// Complete runs a non-streaming completion and returns the full message
// content. Used for short generations like chat titles.
func (c *Client) Complete(ctx context.Context, ep Endpoint, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	payload := chatRequest{
		Model: ep.UpstreamModel,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	}

	resp, err := c.post(ctx, ep, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var completion chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", fmt.Errorf("provider: decode completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("provider: completion returned no choices")
	}

	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

func (c *Client) post(ctx context.Context, ep Endpoint, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("provider: %s returned status %d: %s", ep.Provider, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return resp, nil
}

// TokenStream yields content tokens from a streaming chat completion.
type TokenStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv returns the next content token. It returns io.EOF when the provider
// signals the end of the stream.
func (s *TokenStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return "", io.EOF
		}

		var chunk chatCompletion
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("provider: decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			return token, nil
		}
		if reason := chunk.Choices[0].FinishReason; reason != nil && *reason != "" {
			return "", io.EOF
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close releases the underlying response body.
func (s *TokenStream) Close() error {
	return s.body.Close()
}
