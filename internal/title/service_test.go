package title

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chatwithllms/chatstream/internal/config"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/provider"
	"github.com/goccy/go-yaml"
)

type fakeCompleter struct {
	title string
	err   error
}

func (f *fakeCompleter) Complete(ctx context.Context, ep provider.Endpoint, system, user string) (string, error) {
	return f.title, f.err
}

type fakeStore struct {
	mu     sync.Mutex
	titles map[string]string
	notify chan struct{}
}

func (f *fakeStore) UpdateChatTitle(ctx context.Context, userID, chatID, title string) error {
	f.mu.Lock()
	if f.titles == nil {
		f.titles = make(map[string]string)
	}
	f.titles[chatID] = title
	f.mu.Unlock()

	if f.notify != nil {
		f.notify <- struct{}{}
	}
	return nil
}

func (f *fakeStore) title(chatID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.titles[chatID]
}

func testCatalog(t *testing.T) *provider.Catalog {
	t.Helper()

	t.Setenv("TEST_TITLE_API_KEY", "sk-test")

	var cfg config.ModelCatalogConfig
	doc := `
providers:
  - name: OpenAI
    base_url: https://api.openai.com/v1
    api_key_env_var: TEST_TITLE_API_KEY
models:
  - name: gpt-4o-mini
    provider: OpenAI
`
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		t.Fatalf("catalog config failed to parse: %v", err)
	}
	return provider.NewCatalog(&cfg, logger.New(logger.Config{Level: slog.LevelError}))
}

func testService(t *testing.T, completer *fakeCompleter, store *fakeStore) *Service {
	t.Helper()

	prev := config.AppConfig
	config.AppConfig = &config.Config{
		TitleModel:        "gpt-4o-mini",
		TitleWorkerPool:   2,
		TitleBufferSize:   16,
		TitleTimeoutSecs:  5,
		TitleMaxRuneCount: 40,
	}
	t.Cleanup(func() { config.AppConfig = prev })

	s := NewService(completer, store, testCatalog(t), logger.New(logger.Config{Level: slog.LevelError}))
	t.Cleanup(s.Shutdown)
	return s
}

func TestGeneratePersistsSanitizedTitle(t *testing.T) {
	store := &fakeStore{}
	s := testService(t, &fakeCompleter{title: "  \"Trip   planning\"  "}, store)

	got, err := s.Generate(context.Background(), Request{
		UserID:      "user-1",
		ChatID:      "chat-1",
		UserMessage: "help me plan a trip",
		AIMessage:   "sure, where to?",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "Trip planning" {
		t.Errorf("title = %q", got)
	}
	if store.title("chat-1") != "Trip planning" {
		t.Errorf("persisted title = %q", store.title("chat-1"))
	}
}

func TestGenerateFallsBackOnModelError(t *testing.T) {
	store := &fakeStore{}
	s := testService(t, &fakeCompleter{err: errors.New("upstream down")}, store)

	got, err := s.Generate(context.Background(), Request{
		UserID:      "user-1",
		ChatID:      "chat-1",
		UserMessage: "please explain the difference between goroutines and threads in detail",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "please explain the difference between goroutines" {
		t.Errorf("fallback title = %q", got)
	}
}

func TestGenerateTruncatesLongTitles(t *testing.T) {
	store := &fakeStore{}
	long := "This generated title keeps going well past any reasonable length for a sidebar"
	s := testService(t, &fakeCompleter{title: long}, store)

	got, err := s.Generate(context.Background(), Request{UserID: "u", ChatID: "c", UserMessage: "hi"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len([]rune(got)) > 40 {
		t.Errorf("title too long (%d runes): %q", len([]rune(got)), got)
	}
}

func TestEnqueueProcessesAsync(t *testing.T) {
	store := &fakeStore{notify: make(chan struct{}, 1)}
	s := testService(t, &fakeCompleter{title: "Quick answer"}, store)

	if err := s.Enqueue(Request{UserID: "u", ChatID: "chat-9", UserMessage: "hi"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case <-store.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("queued title job never completed")
	}
	if store.title("chat-9") != "Quick answer" {
		t.Errorf("persisted title = %q", store.title("chat-9"))
	}
}
