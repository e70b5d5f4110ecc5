package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/orderflow-pipeline/internal/app"
	"github.com/imrishuroy/orderflow-pipeline/internal/config"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue/sqsqueue"
)

func main() {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()

	h, err := container.DeadLetterHandler()
	if err != nil {
		logger.Error("failed to build dead-letter handler", slog.Any("error", err))
		os.Exit(1)
	}

	lambda.Start(func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		logger.Info("received dead-letter messages", slog.Int("count", len(event.Records)))
		return sqsqueue.HandleEvent(ctx, event, h.Handle, logger), nil
	})
}
