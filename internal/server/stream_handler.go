package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chatwithllms/chatstream/internal/auth"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/metrics"
	"github.com/chatwithllms/chatstream/internal/provider"
	"github.com/chatwithllms/chatstream/internal/quota"
	"github.com/chatwithllms/chatstream/internal/storage/pg"
	"github.com/chatwithllms/chatstream/internal/stream"
	"github.com/chatwithllms/chatstream/internal/title"
)

// handleChatStream runs one streaming chat exchange: it checks the quota,
// opens the upstream completion, re-emits tokens as SSE fragments, and on a
// clean finish persists the turn and accounts the generation.
func (s *Server) handleChatStream(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)
	log := s.log.WithContext(ctx)

	var req stream.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithDetail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		abortWithDetail(c, http.StatusBadRequest, "user_input is required")
		return
	}

	allowed, err := s.deps.Quota.Allow(ctx, userID)
	if err != nil {
		log.Error("quota check failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to check quota")
		return
	}
	if !allowed {
		metrics.QuotaDenied.Inc()
		abortWithDetail(c, http.StatusForbidden, "Daily generation limit reached")
		return
	}

	ep, err := s.deps.Catalog.Resolve(req.ChatModel)
	if err != nil {
		abortWithDetail(c, http.StatusBadRequest, fmt.Sprintf("unsupported model %q", req.ChatModel))
		return
	}

	var chat pg.Chat
	newChat := false
	if req.ChatID != nil && *req.ChatID != "" {
		chat, err = s.deps.Store.GetChat(ctx, userID, *req.ChatID)
		if errors.Is(err, pg.ErrNotFound) {
			abortWithDetail(c, http.StatusNotFound, "chat not found")
			return
		}
	} else {
		chat, err = s.deps.Store.CreateChat(ctx, userID, ep.Model)
		newChat = true
	}
	if err != nil {
		log.Error("chat setup failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to prepare chat")
		return
	}

	ctx = logger.WithChatID(ctx, chat.ID)
	log = s.log.WithContext(ctx)

	temperature := s.deps.Catalog.ClampTemperature(req.ChatModel, req.Temperature)
	upstream, err := s.deps.Streamer.StreamChat(ctx, ep, buildMessages(req), temperature)
	if err != nil {
		log.Error("upstream open failed", slog.String("error", err.Error()))
		s.account(ctx, userID, chat.ID, ep.Model, false)
		abortWithDetail(c, http.StatusBadGateway, "upstream provider unavailable")
		return
	}
	defer upstream.Close()

	metrics.StreamsStarted.WithLabelValues(ep.Model).Inc()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		log.Error("response writer does not support flushing")
		return
	}

	var reply strings.Builder
	for {
		token, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Cut the stream without a terminal fragment so the client
			// treats the session as failed. Nothing is persisted or billed.
			log.Error("upstream stream broke", slog.String("error", err.Error()))
			metrics.StreamsClosed.WithLabelValues("error").Inc()
			s.account(ctx, userID, chat.ID, ep.Model, false)
			return
		}

		reply.WriteString(token)
		s.emit(c, flusher, stream.Fragment{Event: "stream", Data: token})
	}

	s.emit(c, flusher, stream.Fragment{Event: "stream", IsFinal: true, ChatID: chat.ID})
	metrics.StreamsClosed.WithLabelValues("success").Inc()

	// The client may hang up right after the terminal fragment; persistence
	// and billing must not be lost with it.
	persistCtx := context.WithoutCancel(ctx)

	_, err = s.deps.Store.AppendTurn(persistCtx, pg.Turn{
		ChatID:         chat.ID,
		UserMessage:    req.UserInput,
		AIMessage:      reply.String(),
		Model:          ep.Model,
		IsRegeneration: req.RegenerateMessage,
	})
	if err != nil {
		log.Error("turn persistence failed", slog.String("error", err.Error()))
	}

	s.account(persistCtx, userID, chat.ID, ep.Model, true)

	if newChat {
		if err := s.deps.Titles.Enqueue(title.Request{
			UserID:      userID,
			ChatID:      chat.ID,
			UserMessage: req.UserInput,
			AIMessage:   reply.String(),
		}); err != nil {
			log.Warn("auto-title enqueue failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) emit(c *gin.Context, flusher http.Flusher, frag stream.Fragment) {
	data, err := json.Marshal(frag)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	flusher.Flush()
	metrics.StreamFragments.Inc()
}

func (s *Server) account(ctx context.Context, userID, chatID, model string, success bool) {
	err := s.deps.Quota.LogRequestAsync(ctx, quota.RequestInfo{
		UserID:  userID,
		ChatID:  chatID,
		Model:   model,
		Success: success,
	})
	if err != nil {
		s.log.WithContext(ctx).Warn("request accounting failed", slog.String("error", err.Error()))
	}
}

// buildMessages converts the bounded history plus the new user input into
// the provider wire format.
func buildMessages(req stream.Request) []provider.Message {
	messages := make([]provider.Message, 0, 2*len(req.ChatHistory)+1)
	for _, h := range req.ChatHistory {
		if h.UserMessage != "" {
			messages = append(messages, provider.Message{Role: "user", Content: h.UserMessage})
		}
		if h.AIMessage != "" {
			messages = append(messages, provider.Message{Role: "assistant", Content: h.AIMessage})
		}
	}
	return append(messages, provider.Message{Role: "user", Content: req.UserInput})
}
