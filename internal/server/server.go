// Package server is the gin HTTP surface of the chat backend: Google
// sign-in, the streaming chat endpoint, titles, history, and quota.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatwithllms/chatstream/internal/auth"
	"github.com/chatwithllms/chatstream/internal/config"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/metrics"
	"github.com/chatwithllms/chatstream/internal/provider"
	"github.com/chatwithllms/chatstream/internal/quota"
	"github.com/chatwithllms/chatstream/internal/storage/pg"
	"github.com/chatwithllms/chatstream/internal/title"
)

// ChatStore is the persistence surface the handlers need.
type ChatStore interface {
	CreateChat(ctx context.Context, userID, model string) (pg.Chat, error)
	GetChat(ctx context.Context, userID, chatID string) (pg.Chat, error)
	ListChats(ctx context.Context, userID string, limit, offset int) ([]pg.Chat, int, error)
	AppendTurn(ctx context.Context, turn pg.Turn) (int64, error)
	ListTurns(ctx context.Context, chatID string) ([]pg.Turn, error)
}

// QuotaService accounts streaming requests against the daily allowance.
type QuotaService interface {
	Allow(ctx context.Context, userID string) (bool, error)
	GenerationsLeft(ctx context.Context, userID string) (int, error)
	LogRequestAsync(ctx context.Context, info quota.RequestInfo) error
}

// TitleService derives conversation titles.
type TitleService interface {
	Generate(ctx context.Context, req title.Request) (string, error)
	Enqueue(req title.Request) error
}

// TokenReceiver yields content tokens from an upstream completion stream.
type TokenReceiver interface {
	Recv() (string, error)
	Close() error
}

// Streamer opens streaming completions against a provider endpoint.
type Streamer interface {
	StreamChat(ctx context.Context, ep provider.Endpoint, messages []provider.Message, temperature float64) (TokenReceiver, error)
}

type providerStreamer struct {
	client *provider.Client
}

func (p providerStreamer) StreamChat(ctx context.Context, ep provider.Endpoint, messages []provider.Message, temperature float64) (TokenReceiver, error) {
	return p.client.StreamChat(ctx, ep, messages, temperature)
}

// NewProviderStreamer adapts the provider client to the Streamer interface.
func NewProviderStreamer(client *provider.Client) Streamer {
	return providerStreamer{client: client}
}

// Deps carries everything the server needs.
type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	Issuer   *auth.Issuer
	Google   auth.GoogleVerifier
	Store    ChatStore
	Quota    QuotaService
	Titles   TitleService
	Catalog  *provider.Catalog
	Streamer Streamer
}

type Server struct {
	router *gin.Engine
	log    *logger.Logger
	deps   Deps
}

func New(deps Deps) *Server {
	s := &Server{
		router: gin.New(),
		log:    deps.Logger.WithComponent("server"),
		deps:   deps,
	}

	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.log))
	s.router.Use(metrics.Middleware())
	s.router.Use(corsMiddleware(deps.Config.CORSAllowedOrigins))

	s.registerRoutes()
	return s
}

// Router exposes the configured gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	requireAuth := auth.NewMiddleware(s.deps.Issuer).RequireAuth()

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/auth/google", s.handleGoogleSignIn)
	s.router.GET("/verify", requireAuth, s.handleVerify)

	v1 := s.router.Group("/v1", requireAuth)
	{
		v1.POST("/chat_event_streaming", s.handleChatStream)
		v1.POST("/chat_title", s.handleChatTitle)
		v1.GET("/chat_history", s.handleChatHistory)
		v1.GET("/chat_by_id", s.handleChatByID)
		v1.GET("/generations", s.handleGenerations)
		v1.GET("/models", s.handleModels)
	}
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := allowedOrigins
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := logger.GenerateRequestID()
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func abortWithDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
