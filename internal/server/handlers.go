package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chatwithllms/chatstream/internal/api"
	"github.com/chatwithllms/chatstream/internal/auth"
	"github.com/chatwithllms/chatstream/internal/metrics"
	"github.com/chatwithllms/chatstream/internal/storage/pg"
	"github.com/chatwithllms/chatstream/internal/title"
)

// handleGoogleSignIn exchanges a verified Google ID token, carried as the
// bearer credential, for an API access token.
func (s *Server) handleGoogleSignIn(c *gin.Context) {
	idToken := bearerToken(c)
	if idToken == "" {
		abortWithDetail(c, http.StatusUnauthorized, "Authorization header missing")
		return
	}

	user, err := s.deps.Google.Verify(c.Request.Context(), idToken)
	if err != nil {
		s.log.WithContext(c.Request.Context()).Warn("google sign-in rejected", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusUnauthorized, "Invalid or expired Google ID token")
		return
	}

	token, err := s.deps.Issuer.Issue(user.Subject)
	if err != nil {
		s.log.WithContext(c.Request.Context()).Error("token issue failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	c.JSON(http.StatusOK, gin.H{"accessToken": token})
}

// handleVerify confirms the bearer token is valid.
func (s *Server) handleVerify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"token_info": gin.H{"sub": auth.UserID(c)}})
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// handleGenerations returns the caller's remaining daily allowance.
func (s *Server) handleGenerations(c *gin.Context) {
	left, err := s.deps.Quota.GenerationsLeft(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.log.WithContext(c.Request.Context()).Error("quota lookup failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to fetch generations")
		return
	}

	c.JSON(http.StatusOK, api.GenerationsResponse{GenerationsLeft: left})
}

// handleModels lists the models accepted by the chat API.
func (s *Server) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.deps.Catalog.Models()})
}

// handleChatTitle derives and persists a title for the given chat.
func (s *Server) handleChatTitle(c *gin.Context) {
	var req api.TitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChatID == "" {
		abortWithDetail(c, http.StatusBadRequest, "chat_id is required")
		return
	}

	userID := auth.UserID(c)
	if _, err := s.deps.Store.GetChat(c.Request.Context(), userID, req.ChatID); err != nil {
		if errors.Is(err, pg.ErrNotFound) {
			abortWithDetail(c, http.StatusNotFound, "chat not found")
			return
		}
		s.log.WithContext(c.Request.Context()).Error("chat lookup failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to load chat")
		return
	}

	generated, err := s.deps.Titles.Generate(c.Request.Context(), title.Request{
		UserID:      userID,
		ChatID:      req.ChatID,
		UserMessage: req.UserMessage,
		AIMessage:   req.AIMessage,
	})
	if err != nil {
		metrics.TitleGenerations.WithLabelValues("error").Inc()
		s.log.WithContext(c.Request.Context()).Error("title generation failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to generate title")
		return
	}

	metrics.TitleGenerations.WithLabelValues("success").Inc()
	c.JSON(http.StatusOK, api.TitleResponse{ChatID: req.ChatID, Title: generated})
}

// handleChatHistory lists the caller's conversations one page at a time,
// newest first.
func (s *Server) handleChatHistory(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			abortWithDetail(c, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = parsed
	}

	pageSize := s.deps.Config.HistoryPageSize
	offset := (page - 1) * pageSize

	chats, total, err := s.deps.Store.ListChats(c.Request.Context(), auth.UserID(c), pageSize, offset)
	if err != nil {
		s.log.WithContext(c.Request.Context()).Error("history listing failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to list chats")
		return
	}

	summaries := make([]api.ChatSummary, 0, len(chats))
	for _, chat := range chats {
		summaries = append(summaries, api.ChatSummary{
			ID:        chat.ID,
			Title:     chat.Title,
			Model:     chat.Model,
			CreatedAt: chat.CreatedAt,
			UpdatedAt: chat.UpdatedAt,
		})
	}

	totalPages := (total + pageSize - 1) / pageSize

	c.JSON(http.StatusOK, api.HistoryPage{
		Chats:      summaries,
		Page:       page,
		TotalPages: totalPages,
	})
}

// handleChatByID returns one conversation with its full turn log.
func (s *Server) handleChatByID(c *gin.Context) {
	userID := auth.UserID(c)
	chatID := c.Query("chat_id")
	if chatID == "" {
		abortWithDetail(c, http.StatusBadRequest, "chat_id is required")
		return
	}

	chat, err := s.deps.Store.GetChat(c.Request.Context(), userID, chatID)
	if err != nil {
		if errors.Is(err, pg.ErrNotFound) {
			abortWithDetail(c, http.StatusNotFound, "chat not found")
			return
		}
		s.log.WithContext(c.Request.Context()).Error("chat lookup failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to load chat")
		return
	}

	turns, err := s.deps.Store.ListTurns(c.Request.Context(), chat.ID)
	if err != nil {
		s.log.WithContext(c.Request.Context()).Error("turn listing failed", slog.String("error", err.Error()))
		abortWithDetail(c, http.StatusInternalServerError, "Failed to load chat")
		return
	}

	records := make([]api.TurnRecord, 0, len(turns))
	for _, t := range turns {
		records = append(records, api.TurnRecord{
			UserMessage:    t.UserMessage,
			AIMessage:      t.AIMessage,
			Model:          t.Model,
			IsRegeneration: t.IsRegeneration,
			UpdatedAt:      t.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, api.ChatResponse{
		ID:    chat.ID,
		Title: chat.Title,
		Turns: records,
	})
}
