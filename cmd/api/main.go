package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"

	"github.com/imrishuroy/orderflow-pipeline/internal/app"
	"github.com/imrishuroy/orderflow-pipeline/internal/config"
)

func main() {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()

	if err := errors.Join(cfg.Validate(), cfg.ValidateRoles(true, false)); err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	r, err := container.Router()
	if err != nil {
		logger.Error("failed to build router", slog.Any("error", err))
		os.Exit(1)
	}

	// RUN_LOCAL=true serves HTTP directly for development.
	if cfg.RunLocal {
		logger.Info("running local server", slog.String("addr", cfg.ServerAddr))
		if err := r.Run(cfg.ServerAddr); err != nil {
			logger.Error("failed to run local server", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
