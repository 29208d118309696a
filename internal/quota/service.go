// Package quota accounts streaming requests against the per-user daily
// generation allowance. Request logging is asynchronous so the hot path
// never waits on the database.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatwithllms/chatstream/internal/config"
	"github.com/chatwithllms/chatstream/internal/logger"
)

// Recorder is the storage surface the quota service needs.
type Recorder interface {
	LogRequest(ctx context.Context, userID, chatID, model string, success bool) error
	CountRequestsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// RequestInfo describes one streaming request to account.
type RequestInfo struct {
	UserID  string
	ChatID  string
	Model   string
	Success bool
}

type logRequest struct {
	ctx  context.Context
	info RequestInfo
}

type Service struct {
	store         Recorder
	logChan       chan logRequest
	workerPool    sync.WaitGroup
	shutdown      chan struct{}
	closed        atomic.Bool
	logger        *logger.Logger
	droppedTotal  atomic.Int64
	dailyLimit    int
	handleTimeout time.Duration
}

func NewService(store Recorder, log *logger.Logger) *Service {
	cfg := config.AppConfig

	s := &Service{
		store:         store,
		logChan:       make(chan logRequest, cfg.RequestLogBufferSize),
		shutdown:      make(chan struct{}),
		logger:        log.WithComponent("quota"),
		dailyLimit:    cfg.DailyGenerationLimit,
		handleTimeout: time.Duration(cfg.RequestLogTimeoutSeconds) * time.Second,
	}

	// Worker pool with configurable number of workers.
	for i := 0; i < cfg.RequestLogWorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.logWorker()
	}

	return s
}

// logWorker processes log requests from the channel.
func (s *Service) logWorker() {
	defer s.workerPool.Done()

	for {
		select {
		case lr := <-s.logChan:
			s.handleLogRequest(lr)
		case <-s.shutdown:
			// Process remaining log requests before shutdown.
			for {
				select {
				case lr := <-s.logChan:
					s.handleLogRequest(lr)
				default:
					return
				}
			}
		}
	}
}

// handleLogRequest ensures each request has a reasonable timeout and then
// inserts it.
func (s *Service) handleLogRequest(lr logRequest) {
	ctx := lr.ctx

	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) < time.Second {
		ctx, cancel = context.WithTimeout(context.Background(), s.handleTimeout)
	}

	if err := s.store.LogRequest(ctx, lr.info.UserID, lr.info.ChatID, lr.info.Model, lr.info.Success); err != nil {
		s.logger.Error("failed to insert request log",
			slog.String("user_id", lr.info.UserID),
			slog.String("chat_id", lr.info.ChatID),
			slog.String("error", err.Error()))
	}

	if cancel != nil {
		cancel()
	}
}

// LogRequestAsync queues a log request to be processed by the worker pool.
func (s *Service) LogRequestAsync(ctx context.Context, info RequestInfo) error {
	if s.closed.Load() {
		s.logger.Warn("quota service is shutting down, dropping request",
			slog.String("user_id", info.UserID))
		return fmt.Errorf("service shutting down")
	}

	select {
	case s.logChan <- logRequest{ctx: ctx, info: info}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		dropped := s.droppedTotal.Add(1)
		s.logger.Error("request log queue full, dropping request",
			slog.String("user_id", info.UserID),
			slog.String("model", info.Model),
			slog.Int64("total_dropped", dropped))
		return fmt.Errorf("log queue is full, dropping request")
	}
}

// GenerationsLeft returns how many generations the user has left today.
// The day boundary is midnight UTC.
func (s *Service) GenerationsLeft(ctx context.Context, userID string) (int, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	used, err := s.store.CountRequestsSince(ctx, userID, midnight)
	if err != nil {
		return 0, fmt.Errorf("quota: count usage: %w", err)
	}

	left := s.dailyLimit - used
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Allow reports whether the user may start another generation today.
func (s *Service) Allow(ctx context.Context, userID string) (bool, error) {
	left, err := s.GenerationsLeft(ctx, userID)
	if err != nil {
		return false, err
	}
	return left > 0, nil
}

// Shutdown gracefully shuts down the worker pool.
func (s *Service) Shutdown() {
	s.closed.Store(true)

	close(s.shutdown)
	s.workerPool.Wait()
	close(s.logChan)
}
