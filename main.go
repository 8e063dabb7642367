package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cutout/internal/auth"
	"github.com/example/cutout/internal/config"
	"github.com/example/cutout/internal/handlers"
	"github.com/example/cutout/internal/session"
	"github.com/example/cutout/internal/workflow"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions := session.NewManager(a.newController, cfg.SessionIdleTimeout, logger)
	if err := sessions.Start(cfg.SessionSweepSchedule); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := sessions.Close(closeCtx); err != nil {
			logger.Warn("failed to close sessions", zap.Error(err))
		}
	}()

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	opts := handlers.Options{
		Sessions:       sessions,
		Store:          a.store,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	}
	if a.runs != nil {
		opts.Metrics = a.runs
	}
	authMiddleware := auth.Middleware(auth.Options{
		Secret:       cfg.JWTSecret,
		Audience:     cfg.JWTAudience,
		CookieSecure: cfg.CookieSecure,
	})
	handlers.RegisterRoutes(r, opts, authMiddleware)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("cutout listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("segmenter", cfg.SegmenterBackend),
		zap.String("blob_backend", cfg.BlobBackend),
		zap.Bool("auth", cfg.AuthEnabled()),
		zap.Bool("run_log", a.runs != nil),
	)
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

// newController builds the workflow controller of one session.
func (a *app) newController(id string) *workflow.Controller {
	wc := workflow.Config{
		SessionID:      id,
		Store:          a.store,
		Intake:         a.intake,
		Segmenter:      a.segmenter,
		ProcessTimeout: a.cfg.ProcessTimeout,
		Logger:         a.logger,
	}
	if a.runs != nil {
		wc.Runs = a.runs
	}
	return workflow.New(wc)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
