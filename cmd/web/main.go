package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"vilt-vqa/internal/backend"
	"vilt-vqa/internal/config"
	"vilt-vqa/internal/httpclient"
	"vilt-vqa/internal/logging"
	"vilt-vqa/internal/metrics"
	"vilt-vqa/internal/vqa"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
	})

	model, closeModel, err := backend.Load(ctx, cfg, httpClient, logger)
	if err != nil {
		logger.Error("model load failed", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeModel(); err != nil {
			logger.Error("model close failed", "err", err)
		}
	}()

	answerer := vqa.New(vqa.Options{
		Model:   model,
		Logger:  logger,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
	})

	s := newServer(serverOptions{
		Answerer:       answerer,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.WebAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:       90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web started", "addr", cfg.WebAddr, "backend", cfg.Backend, "model", cfg.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
