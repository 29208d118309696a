// Command chat is a terminal client for the streaming chat backend. It keeps
// one conversation per run: tokens render as they arrive, failed streams can
// be retried or regenerated, and persisted conversations can be resumed by
// id.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chatwithllms/chatstream/internal/admission"
	"github.com/chatwithllms/chatstream/internal/api"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/stream"
	"github.com/chatwithllms/chatstream/internal/transcript"
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:8080", "backend base URL")
		token       = flag.String("token", os.Getenv("CHATSTREAM_TOKEN"), "bearer token")
		modelID     = flag.String("model", "gpt-4o", "chat model")
		temperature = flag.Float64("temperature", 0.7, "sampling temperature")
		window      = flag.Int("history", 20, "history turns sent with each request")
		chatID      = flag.String("chat", "", "resume an existing conversation by id")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a bearer token is required (-token or CHATSTREAM_TOKEN)")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := logger.New(logger.Config{Level: level})

	client := api.NewClient(*baseURL, api.StaticToken(*token), log)
	store := transcript.New()
	gate := admission.New(client, log)

	ctx := context.Background()
	if err := gate.Refresh(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "quota lookup failed: %v\n", err)
		os.Exit(1)
	}

	// The controller callbacks capture the program pointer. Sessions start
	// only from inside the running program, so it is set by the time any
	// callback fires.
	var program *tea.Program

	ctrl := stream.NewController(store, gate, client, stream.Options{
		Titler: client,
		Logger: log,
		OnFragment: func(text string) {
			program.Send(streamTokenMsg{text: text})
		},
		OnStateChange: func(s stream.State) {
			program.Send(sessionStateMsg{state: s})
		},
		OnAdmissionDenied: func() {
			program.Send(quotaDeniedMsg{})
		},
	})

	if *chatID != "" {
		if err := resume(ctx, client, store, ctrl, *chatID); err != nil {
			fmt.Fprintf(os.Stderr, "resume failed: %v\n", err)
			os.Exit(1)
		}
	}

	cfg := stream.SessionConfig{
		ModelID:       *modelID,
		Temperature:   *temperature,
		HistoryWindow: *window,
	}

	program = tea.NewProgram(newModel(ctrl, store, client, gate, cfg))
	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat ui failed: %v\n", err)
		os.Exit(1)
	}
}

func resume(ctx context.Context, client *api.Client, store *transcript.Store, ctrl *stream.Controller, chatID string) error {
	entries, err := client.ChatLog(ctx, chatID)
	if err != nil {
		return err
	}

	store.LoadFromLog(entries)
	ctrl.UseChat(chatID)
	return nil
}
