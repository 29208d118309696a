// Package api is the HTTP client for the chat backend. It implements the
// streaming transport used by the session controller plus the unary
// endpoints for quota, titles, and persisted chat history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/stream"
	"github.com/chatwithllms/chatstream/internal/transcript"
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// Client talks to the chat backend.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  TokenSource
	log     *logger.Logger
}

// NewClient creates a backend client. The http.Client carries no global
// timeout since streaming responses stay open indefinitely; callers bound
// unary requests through ctx.
func NewClient(baseURL string, tokens TokenSource, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{},
		tokens:  tokens,
		log:     log.WithComponent("api-client"),
	}
}

// Open starts a streaming chat session. It implements stream.Transport: a
// non-2xx handshake returns the status with a nil Conn so the controller can
// map it to a session outcome.
func (c *Client) Open(ctx context.Context, req stream.Request) (stream.Conn, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("api: encode stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat_event_streaming", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, resp.StatusCode, nil
	}

	return newSSEConn(resp.Body), resp.StatusCode, nil
}

// Generations returns the caller's remaining generation allowance. It
// implements admission.QuotaFetcher.
func (c *Client) Generations(ctx context.Context) (int, error) {
	var out GenerationsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/generations", nil, &out); err != nil {
		return 0, err
	}
	return out.GenerationsLeft, nil
}

// GenerateTitle asks the backend to derive and persist a title for the chat.
func (c *Client) GenerateTitle(ctx context.Context, chatID, userMessage, aiMessage string) (string, error) {
	in := TitleRequest{ChatID: chatID, UserMessage: userMessage, AIMessage: aiMessage}
	var out TitleResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat_title", in, &out); err != nil {
		return "", err
	}
	return out.Title, nil
}

// RequestTitle implements stream.TitleRequester.
func (c *Client) RequestTitle(ctx context.Context, chatID, userMessage, assistantMessage string) error {
	_, err := c.GenerateTitle(ctx, chatID, userMessage, assistantMessage)
	return err
}

// ChatHistory lists the caller's conversations, newest first, one page at a
// time.
func (c *Client) ChatHistory(ctx context.Context, page int) (HistoryPage, error) {
	var out HistoryPage
	path := "/v1/chat_history?page=" + strconv.Itoa(page)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return HistoryPage{}, err
	}
	return out, nil
}

// ChatByID fetches one conversation with its full turn log.
func (c *Client) ChatByID(ctx context.Context, chatID string) (ChatResponse, error) {
	var out ChatResponse
	path := "/v1/chat_by_id?chat_id=" + url.QueryEscape(chatID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ChatResponse{}, err
	}
	return out, nil
}

// ChatLog fetches a conversation's turns as transcript log entries, ready
// for replay into a transcript store.
func (c *Client) ChatLog(ctx context.Context, chatID string) ([]transcript.LogEntry, error) {
	chat, err := c.ChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}

	entries := make([]transcript.LogEntry, 0, len(chat.Turns))
	for _, turn := range chat.Turns {
		entries = append(entries, transcript.LogEntry{
			UserMessage:      turn.UserMessage,
			AssistantMessage: turn.AIMessage,
			ModelID:          turn.Model,
			IsRegeneration:   turn.IsRegeneration,
			UpdatedAt:        turn.UpdatedAt,
		})
	}
	return entries, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("api: fetch token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Detail != "" {
			return fmt.Errorf("api: %s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Detail)
		}
		return fmt.Errorf("api: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
