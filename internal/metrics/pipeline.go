package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.opentelemetry.io/otel/metric"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws"
)

// Pipeline counter names.
const (
	OrdersIngested   = "orders_ingested"
	IngestErrors     = "ingest_errors"
	ItemsProcessed   = "items_processed"
	ItemsFailed      = "items_failed"
	ItemsRedelivered = "items_redelivered"
	DLQWriteErrors   = "dlq_write_errors"
)

var counterNames = []string{
	OrdersIngested,
	IngestErrors,
	ItemsProcessed,
	ItemsFailed,
	ItemsRedelivered,
	DLQWriteErrors,
}

var counterHelp = map[string]string{
	OrdersIngested:   "Orders accepted and fanned out to the work queue",
	IngestErrors:     "Ingestion calls that failed to persist or enqueue",
	ItemsProcessed:   "Items moved to PROCESSED",
	ItemsFailed:      "Items moved to FAILED by the dead-letter handler",
	ItemsRedelivered: "Work queue deliveries with a receive count above one",
	DLQWriteErrors:   "Dead-letter messages whose mark-failed write did not succeed",
}

// PipelineMetrics counts pipeline events.
type PipelineMetrics interface {
	// Count adds n to the named counter. Unknown names are ignored.
	Count(ctx context.Context, name string, n int64)
}

// otelMetrics implements PipelineMetrics using OpenTelemetry counters.
type otelMetrics struct {
	counters map[string]metric.Int64Counter
}

// NewPipelineMetrics creates one counter per pipeline event, named
// "<namespace>_<event>_total".
func NewPipelineMetrics(meterProvider metric.MeterProvider, namespace string) (PipelineMetrics, error) {
	meter := meterProvider.Meter(namespace)

	counters := make(map[string]metric.Int64Counter, len(counterNames))
	for _, name := range counterNames {
		c, err := meter.Int64Counter(
			fmt.Sprintf("%s_%s_total", namespace, name),
			metric.WithDescription(counterHelp[name]),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		counters[name] = c
	}
	return &otelMetrics{counters: counters}, nil
}

func (m *otelMetrics) Count(ctx context.Context, name string, n int64) {
	if c, ok := m.counters[name]; ok {
		c.Add(ctx, n)
	}
}

// cloudWatchMetrics publishes each count as a CloudWatch datapoint. Lambda
// functions have no scrape endpoint, so they push instead.
type cloudWatchMetrics struct {
	client    aws.CloudWatchAPI
	namespace string
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewCloudWatchMetrics returns a PipelineMetrics that calls PutMetricData.
// Publishing errors are logged and never surface to the caller.
func NewCloudWatchMetrics(client aws.CloudWatchAPI, namespace string, logger *slog.Logger) PipelineMetrics {
	return &cloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

func (m *cloudWatchMetrics) Count(ctx context.Context, name string, n int64) {
	if _, ok := counterHelp[name]; !ok {
		return
	}
	value := float64(n)
	ts := m.nowFunc()
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Value:      &value,
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  &ts,
		}},
	})
	if err != nil {
		m.logger.Warn("failed to publish metric",
			slog.String("metric", name),
			slog.Any("error", err),
		)
	}
}

// NoOpPipelineMetrics is used when metrics are disabled.
type NoOpPipelineMetrics struct{}

// NewNoOpPipelineMetrics creates a no-op PipelineMetrics implementation.
func NewNoOpPipelineMetrics() PipelineMetrics {
	return &NoOpPipelineMetrics{}
}

// Count does nothing when metrics are disabled.
func (n *NoOpPipelineMetrics) Count(ctx context.Context, name string, v int64) {
	// No-op
}
