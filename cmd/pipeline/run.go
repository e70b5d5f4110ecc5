package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/orderflow-pipeline/internal/app"
	"github.com/imrishuroy/orderflow-pipeline/internal/config"
)

const shutdownTimeout = 10 * time.Second

// run blocks until SIGINT/SIGTERM or until a component fails.
func run(ctx context.Context, serveAPI, consume bool) error {
	cfg := config.Load()
	if err := errors.Join(cfg.Validate(), cfg.ValidateRoles(serveAPI, consume)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown container", slog.Any("error", err))
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if serveAPI {
		router, err := container.Router()
		if err != nil {
			return fmt.Errorf("failed to initialize router: %w", err)
		}
		server := &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting http server", slog.String("addr", cfg.ServerAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if consume {
		runners, err := container.Consumers()
		if err != nil {
			return fmt.Errorf("failed to initialize consumers: %w", err)
		}
		for _, r := range runners {
			g.Go(func() error { return r.Run(ctx) })
		}
	}

	err := g.Wait()
	logger.Info("pipeline stopped")
	return err
}
