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

	p, err := container.Processor()
	if err != nil {
		logger.Error("failed to build item processor", slog.Any("error", err))
		os.Exit(1)
	}

	handle := func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		logger.Info("received work messages", slog.Int("count", len(event.Records)))
		return sqsqueue.HandleEvent(ctx, event, p.Handle, logger), nil
	}

	// If RUN_LOCAL=true, process a single simulated event built from LOCAL_SQS_BODY.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			body = `{"orderId":"local-order-1","itemId":"local-order-1-item-0","userId":"local-user"}`
		}
		event := events.SQSEvent{Records: []events.SQSMessage{{
			MessageId: "local-1",
			Body:      body,
			Attributes: map[string]string{
				"ApproximateReceiveCount": "1",
				"MessageGroupId":          "local-order-1",
			},
		}}}
		resp, _ := handle(context.Background(), event)
		if len(resp.BatchItemFailures) > 0 {
			logger.Error("local message failed", slog.Any("failures", resp.BatchItemFailures))
			os.Exit(1)
		}
		return
	}

	lambda.Start(handle)
}
