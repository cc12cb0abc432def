package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/code-100-precent/LingTalk/cmd/bootstrap"
	"github.com/code-100-precent/LingTalk/pkg/config"
	"github.com/code-100-precent/LingTalk/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := config.GlobalConfig
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if err := logger.Init(&cfg.Log, cfg.Server.Mode); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := bootstrap.PrintBannerFromFile("banner.txt"); err != nil {
		logger.Debug("banner not printed", zap.Error(err))
	}
	bootstrap.LogConfigInfo()

	app, err := bootstrap.NewApp(cfg, logger.Lg)
	if err != nil {
		logger.Fatal("init app failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.Pool != nil && cfg.VoiceChat.Pool.Prewarm {
		go func() {
			if err := app.Pool.EnsureConnected(ctx, cfg.Credentials()); err != nil {
				logger.Warn("stt prewarm failed", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: app.Engine}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		cancel()
	}

	app.Close()
	logger.Info("server exited")
}
