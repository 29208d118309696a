// Package title derives short conversation titles from the opening exchange.
// Titles are generated through the model catalog's title model, either
// synchronously for the title endpoint or through an async worker pool when
// the server auto-titles a new conversation.
package title

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatwithllms/chatstream/internal/config"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/provider"
)

const systemPrompt = "Generate a short title (at most six words) summarizing the conversation below. " +
	"Respond with the title only, no quotes and no trailing punctuation."

const contextTemplate = `User message: %s

AI response: %s`

// Completer runs unary completions against a provider endpoint.
type Completer interface {
	Complete(ctx context.Context, ep provider.Endpoint, system, user string) (string, error)
}

// Store persists generated titles.
type Store interface {
	UpdateChatTitle(ctx context.Context, userID, chatID, title string) error
}

// Request is one title generation job.
type Request struct {
	UserID      string
	ChatID      string
	UserMessage string
	AIMessage   string
}

type Service struct {
	completer Completer
	store     Store
	catalog   *provider.Catalog
	logger    *logger.Logger

	model    string
	maxRunes int
	timeout  time.Duration

	titleChan  chan Request
	workerPool sync.WaitGroup
	shutdown   chan struct{}
	closed     atomic.Bool
}

func NewService(completer Completer, store Store, catalog *provider.Catalog, log *logger.Logger) *Service {
	cfg := config.AppConfig

	s := &Service{
		completer: completer,
		store:     store,
		catalog:   catalog,
		logger:    log.WithComponent("title"),
		model:     cfg.TitleModel,
		maxRunes:  cfg.TitleMaxRuneCount,
		timeout:   time.Duration(cfg.TitleTimeoutSecs) * time.Second,
		titleChan: make(chan Request, cfg.TitleBufferSize),
		shutdown:  make(chan struct{}),
	}

	for i := 0; i < cfg.TitleWorkerPool; i++ {
		s.workerPool.Add(1)
		go s.worker()
	}

	s.logger.Info("title service started", slog.Int("worker_pool_size", cfg.TitleWorkerPool))

	return s
}

// worker processes title generation requests.
func (s *Service) worker() {
	defer s.workerPool.Done()

	for {
		select {
		case req := <-s.titleChan:
			s.handle(req)
		case <-s.shutdown:
			// Drain remaining jobs.
			for {
				select {
				case req := <-s.titleChan:
					s.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handle(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.Generate(ctx, req); err != nil {
		s.logger.Error("title generation failed",
			slog.String("user_id", req.UserID),
			slog.String("chat_id", req.ChatID),
			slog.String("error", err.Error()))
	}
}

// Generate derives a title from the opening exchange and persists it. When
// the model call fails, it falls back to the leading words of the user
// message so a conversation never stays untitled.
func (s *Service) Generate(ctx context.Context, req Request) (string, error) {
	generated, err := s.complete(ctx, req)
	if err != nil {
		s.logger.Warn("title model unavailable, using fallback",
			slog.String("chat_id", req.ChatID),
			slog.String("error", err.Error()))
		generated = fallbackTitle(req.UserMessage)
	}

	generated = s.sanitize(generated)
	if generated == "" {
		generated = fallbackTitle(req.UserMessage)
	}

	if err := s.store.UpdateChatTitle(ctx, req.UserID, req.ChatID, generated); err != nil {
		return "", fmt.Errorf("persist title: %w", err)
	}
	return generated, nil
}

// Enqueue queues an async title generation job.
func (s *Service) Enqueue(req Request) error {
	if s.closed.Load() {
		return fmt.Errorf("title service shutting down")
	}

	select {
	case s.titleChan <- req:
		return nil
	default:
		s.logger.Error("title queue full, dropping job", slog.String("chat_id", req.ChatID))
		return fmt.Errorf("title queue is full")
	}
}

// Shutdown gracefully shuts down the worker pool.
func (s *Service) Shutdown() {
	s.closed.Store(true)

	close(s.shutdown)
	s.workerPool.Wait()
	close(s.titleChan)
}

func (s *Service) complete(ctx context.Context, req Request) (string, error) {
	ep, err := s.catalog.Resolve(s.model)
	if err != nil {
		return "", err
	}

	userContent := fmt.Sprintf(contextTemplate, req.UserMessage, req.AIMessage)
	return s.completer.Complete(ctx, ep, systemPrompt, userContent)
}

func (s *Service) sanitize(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.Join(strings.Fields(title), " ")

	runes := []rune(title)
	if s.maxRunes > 0 && len(runes) > s.maxRunes {
		title = strings.TrimSpace(string(runes[:s.maxRunes]))
	}
	return title
}

// fallbackTitle truncates the user message to its first few words.
func fallbackTitle(userMessage string) string {
	words := strings.Fields(userMessage)
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	if title == "" {
		title = "New Chat"
	}
	return title
}
