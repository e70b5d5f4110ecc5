// Package config provides pipeline configuration through environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
)

// Queue backends.
const (
	QueueBackendSQS    = "sqs"
	QueueBackendMemory = "memory"
)

// Metrics backends.
const (
	MetricsBackendPrometheus = "prometheus"
	MetricsBackendCloudWatch = "cloudwatch"
)

// maxSQSBatch is the largest batch SQS accepts on receive and send.
const maxSQSBatch = 10

// Config holds all pipeline configuration.
type Config struct {
	// AWSRegion is the region used for DynamoDB, SQS and CloudWatch clients.
	AWSRegion string
	// AWSEndpointOverride points all clients at a local emulator when set.
	AWSEndpointOverride string

	// OrdersTable holds Order records keyed by order_id.
	OrdersTable string
	// ItemsTable holds Item records keyed by (order_id, item_id).
	ItemsTable string
	// ItemsStatusIndex is the secondary index on item_status.
	ItemsStatusIndex string
	// IdempotencyTable holds idempotency records keyed by fingerprint.
	IdempotencyTable string

	// QueueBackend selects the Ordered Work Queue implementation (sqs or memory).
	QueueBackend string
	// OrdersQueueURL is the FIFO work queue.
	OrdersQueueURL string
	// OrdersDLQURL is the dead-letter queue.
	OrdersDLQURL string
	// VisibilityTimeout hides a delivered message pending acknowledgment.
	VisibilityTimeout time.Duration
	// MaxReceiveCount is how many times an unacked message is redelivered
	// before dead-letter escalation. An SQS redrive policy expresses the same
	// budget as maxReceiveCount = MaxReceiveCount+1.
	MaxReceiveCount int
	// DedupWindow coalesces sends sharing (partition key, deduplication id).
	DedupWindow time.Duration
	// PollWait is the long-poll duration of a single receive.
	PollWait time.Duration

	// IdempotencyTTL is how long a completed ingestion result is replayed.
	IdempotencyTTL time.Duration
	// IdempotencyInProgressTTL bounds how long an abandoned in-flight marker blocks retries.
	IdempotencyInProgressTTL time.Duration

	// ProcessorBatchSize is the number of work messages taken per receive.
	ProcessorBatchSize int
	// DLQBatchSize is the number of dead-letter messages taken per receive.
	DLQBatchSize int
	// WorkerConcurrency is the number of pollers per queue.
	WorkerConcurrency int
	// ProcessorRateLimit caps items handled per second by this process; zero disables it.
	ProcessorRateLimit float64
	// FaultRate injects random unit-of-work failures in [0,1] for exercising retries.
	FaultRate float64

	// ServerAddr is the listen address of the local HTTP server.
	ServerAddr string
	// RunLocal runs the HTTP server directly instead of behind the Lambda adapter.
	RunLocal bool

	// LogLevel is the logging level (debug, info, warn, error).
	LogLevel string

	// MetricsEnabled toggles pipeline metrics.
	MetricsEnabled bool
	// MetricsBackend selects prometheus or cloudwatch.
	MetricsBackend string
	// MetricsNamespace prefixes metric names (prometheus) or is the CloudWatch namespace.
	MetricsNamespace string
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	loadDotEnv()

	return &Config{
		AWSRegion:           env.GetString("AWS_REGION", "us-east-1"),
		AWSEndpointOverride: env.GetString("AWS_ENDPOINT_OVERRIDE", ""),

		OrdersTable:      env.GetString("ORDERS_TABLE", "orders"),
		ItemsTable:       env.GetString("ITEMS_TABLE", "order-items"),
		ItemsStatusIndex: env.GetString("ITEMS_STATUS_INDEX", "item_status-index"),
		IdempotencyTable: env.GetString("IDEMPOTENCY_TABLE", "idempotency"),

		QueueBackend:      env.GetString("QUEUE_BACKEND", QueueBackendSQS),
		OrdersQueueURL:    env.GetString("ORDERS_QUEUE_URL", ""),
		OrdersDLQURL:      env.GetString("ORDERS_DLQ_URL", ""),
		VisibilityTimeout: env.GetDuration("VISIBILITY_TIMEOUT_SECONDS", 30, time.Second),
		MaxReceiveCount:   env.GetInt("MAX_RECEIVE_COUNT", 3),
		DedupWindow:       env.GetDuration("DEDUP_WINDOW_SECONDS", 300, time.Second),
		PollWait:          env.GetDuration("POLL_WAIT_SECONDS", 5, time.Second),

		IdempotencyTTL:           env.GetDuration("IDEMPOTENCY_TTL_HOURS", 48, time.Hour),
		IdempotencyInProgressTTL: env.GetDuration("IDEMPOTENCY_IN_PROGRESS_SECONDS", 60, time.Second),

		ProcessorBatchSize: env.GetInt("PROCESSOR_BATCH_SIZE", 1),
		DLQBatchSize:       env.GetInt("DLQ_BATCH_SIZE", 10),
		WorkerConcurrency:  env.GetInt("WORKER_CONCURRENCY", 8),
		ProcessorRateLimit: env.GetFloat64("PROCESSOR_RATE_LIMIT", 0),
		FaultRate:          env.GetFloat64("FAULT_RATE", 0),

		ServerAddr: env.GetString("SERVER_ADDR", ":8080"),
		RunLocal:   env.GetBool("RUN_LOCAL", false),

		LogLevel: env.GetString("LOG_LEVEL", "info"),

		MetricsEnabled:   env.GetBool("METRICS_ENABLED", true),
		MetricsBackend:   env.GetString("METRICS_BACKEND", MetricsBackendPrometheus),
		MetricsNamespace: env.GetString("METRICS_NAMESPACE", "orderflow"),
	}
}

// Validate reports every setting the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("visibility timeout must be positive"))
	}
	if c.MaxReceiveCount < 1 {
		errs = append(errs, errors.New("max receive count must be at least 1"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	if c.IdempotencyInProgressTTL <= 0 {
		errs = append(errs, errors.New("idempotency in-progress ttl must be positive"))
	}
	if c.ProcessorBatchSize < 1 || c.ProcessorBatchSize > maxSQSBatch {
		errs = append(errs, fmt.Errorf("processor batch size must be in [1,%d]", maxSQSBatch))
	}
	if c.DLQBatchSize < 1 || c.DLQBatchSize > maxSQSBatch {
		errs = append(errs, fmt.Errorf("dlq batch size must be in [1,%d]", maxSQSBatch))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("worker concurrency must be at least 1"))
	}
	if c.ProcessorRateLimit < 0 {
		errs = append(errs, errors.New("processor rate limit must not be negative"))
	}
	if c.FaultRate < 0 || c.FaultRate > 1 {
		errs = append(errs, errors.New("fault rate must be in [0,1]"))
	}
	switch c.QueueBackend {
	case QueueBackendMemory:
	case QueueBackendSQS:
		if c.OrdersQueueURL == "" || c.OrdersDLQURL == "" {
			errs = append(errs, errors.New("sqs backend requires ORDERS_QUEUE_URL and ORDERS_DLQ_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.QueueBackend))
	}
	switch c.MetricsBackend {
	case MetricsBackendPrometheus, MetricsBackendCloudWatch:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics backend %q", c.MetricsBackend))
	}
	return errors.Join(errs...)
}

// ErrSplitMemoryQueue is returned when the in-memory queue backend is asked to
// serve a process that runs only one side of the queue.
var ErrSplitMemoryQueue = errors.New("memory queue backend requires ingestion and consumers in one process")

// ValidateRoles checks that the queue backend can connect the roles this
// process runs. The memory backend lives inside a single process, so
// ingestion without consumers (or the reverse) would strand every message.
func (c *Config) ValidateRoles(ingest, consume bool) error {
	if c.QueueBackend == QueueBackendMemory && ingest != consume {
		return ErrSplitMemoryQueue
	}
	return nil
}

// loadDotEnv searches for a .env file from the current directory up to the
// root and loads the first one found.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
