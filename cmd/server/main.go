package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatwithllms/chatstream/internal/auth"
	"github.com/chatwithllms/chatstream/internal/config"
	"github.com/chatwithllms/chatstream/internal/logger"
	"github.com/chatwithllms/chatstream/internal/provider"
	"github.com/chatwithllms/chatstream/internal/quota"
	"github.com/chatwithllms/chatstream/internal/server"
	"github.com/chatwithllms/chatstream/internal/storage/pg"
	"github.com/chatwithllms/chatstream/internal/title"
)

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	log.Info("setting gin mode", slog.String("mode", config.AppConfig.GinMode))
	gin.SetMode(config.AppConfig.GinMode)

	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.DB.Close()

	catalog := provider.NewCatalog(config.AppConfig.Models, log)
	providerClient := provider.NewClient()

	issuer := auth.NewIssuer(config.AppConfig.JWTSecretKey, config.AppConfig.JWTTTLDays)
	google := auth.NewTokenInfoVerifier(config.AppConfig.GoogleClientID)

	quotaService := quota.NewService(db.Store, log)
	titleService := title.NewService(providerClient, db.Store, catalog, log)

	srv := server.New(server.Deps{
		Config:   config.AppConfig,
		Logger:   log,
		Issuer:   issuer,
		Google:   google,
		Store:    db.Store,
		Quota:    quotaService,
		Titles:   titleService,
		Catalog:  catalog,
		Streamer: server.NewProviderStreamer(providerClient),
	})

	addr := ":" + config.AppConfig.Port
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("chat backend listening", slog.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	// Drain the async workers before closing the listener so queued
	// request log entries and titles are not lost.
	quotaService.Shutdown()
	titleService.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("server exited")
}
