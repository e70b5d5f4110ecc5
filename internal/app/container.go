// Package app provides the dependency injection container that assembles the
// pipeline components for every entry point.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/orderflow-pipeline/internal/aws"
	"github.com/imrishuroy/orderflow-pipeline/internal/config"
	"github.com/imrishuroy/orderflow-pipeline/internal/consumer"
	"github.com/imrishuroy/orderflow-pipeline/internal/deadletter"
	"github.com/imrishuroy/orderflow-pipeline/internal/handlers"
	"github.com/imrishuroy/orderflow-pipeline/internal/idempotency"
	"github.com/imrishuroy/orderflow-pipeline/internal/ingestion"
	"github.com/imrishuroy/orderflow-pipeline/internal/metrics"
	"github.com/imrishuroy/orderflow-pipeline/internal/orders"
	"github.com/imrishuroy/orderflow-pipeline/internal/processor"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue/memqueue"
	"github.com/imrishuroy/orderflow-pipeline/internal/queue/sqsqueue"
)

// defaultWorkDuration is how long the simulated unit of work takes per item.
const defaultWorkDuration = 200 * time.Millisecond

// Container holds all pipeline dependencies and provides methods to access them.
// Components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Overrides
	dynamoDB   aws.DynamoDBAPI
	sqs        aws.SQSAPI
	cloudWatch aws.CloudWatchAPI
	work       processor.UnitOfWork
	faults     processor.FaultInjector
	notifier   deadletter.Notifier

	// Infrastructure
	logger          *slog.Logger
	awsClients      *aws.AWSClients
	metricsProvider *metrics.Provider
	pipelineMetrics metrics.PipelineMetrics
	workQueue       queue.Queue
	deadLetterQueue queue.Queue

	// Stores
	orderStore       *orders.Store
	idempotencyGuard *idempotency.Guard

	// Services
	ingestionService  *ingestion.Service
	processor         *processor.Processor
	deadLetterHandler *deadletter.Handler
	router            *gin.Engine

	// Initialization flags
	loggerInit     sync.Once
	awsInit        sync.Once
	metricsInit    sync.Once
	queuesInit     sync.Once
	storesInit     sync.Once
	ingestionInit  sync.Once
	processorInit  sync.Once
	deadLetterInit sync.Once
	routerInit     sync.Once

	mu         sync.Mutex
	initErrors map[string]error
}

// Option overrides a dependency of the Container.
type Option func(*Container)

// WithDynamoDB replaces the DynamoDB client.
func WithDynamoDB(client aws.DynamoDBAPI) Option {
	return func(c *Container) { c.dynamoDB = client }
}

// WithSQS replaces the SQS client used by the sqs queue backend.
func WithSQS(client aws.SQSAPI) Option {
	return func(c *Container) { c.sqs = client }
}

// WithCloudWatch replaces the CloudWatch client used by the cloudwatch metrics backend.
func WithCloudWatch(client aws.CloudWatchAPI) Option {
	return func(c *Container) { c.cloudWatch = client }
}

// WithLogger replaces the logger built from the configured log level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		c.logger = logger
		c.loggerInit.Do(func() {})
	}
}

// WithUnitOfWork replaces the simulated unit of work run for each item.
func WithUnitOfWork(work processor.UnitOfWork) Option {
	return func(c *Container) { c.work = work }
}

// WithFaultInjector replaces the fault injector derived from FaultRate.
func WithFaultInjector(faults processor.FaultInjector) Option {
	return func(c *Container) { c.faults = faults }
}

// WithNotifier replaces the log notifier used by the dead-letter handler.
func WithNotifier(n deadletter.Notifier) Option {
	return func(c *Container) { c.notifier = n }
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config, opts ...Option) *Container {
	c := &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the pipeline configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// AWSClients returns the AWS service clients, with overrides applied. Real
// clients are only loaded when some client was not overridden.
func (c *Container) AWSClients() (*aws.AWSClients, error) {
	c.awsInit.Do(func() {
		clients, err := c.initAWSClients()
		c.setErr("aws", err)
		c.awsClients = clients
	})
	if err := c.getErr("aws"); err != nil {
		return nil, err
	}
	return c.awsClients, nil
}

// MetricsProvider returns the Prometheus-backed provider, or nil when the
// prometheus backend is not in use.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	if _, err := c.Metrics(); err != nil {
		return nil, err
	}
	return c.metricsProvider, nil
}

// Metrics returns the pipeline counters for the configured backend.
func (c *Container) Metrics() (metrics.PipelineMetrics, error) {
	c.metricsInit.Do(func() {
		m, err := c.initMetrics()
		c.setErr("metrics", err)
		c.pipelineMetrics = m
	})
	if err := c.getErr("metrics"); err != nil {
		return nil, err
	}
	return c.pipelineMetrics, nil
}

// Queues returns the work queue and the dead-letter queue.
func (c *Container) Queues() (work queue.Queue, dlq queue.Queue, err error) {
	c.queuesInit.Do(func() {
		c.setErr("queues", c.initQueues())
	})
	if err = c.getErr("queues"); err != nil {
		return nil, nil, err
	}
	return c.workQueue, c.deadLetterQueue, nil
}

// OrderStore returns the Work Store over the orders and items tables.
func (c *Container) OrderStore() (*orders.Store, error) {
	if err := c.initStores(); err != nil {
		return nil, err
	}
	return c.orderStore, nil
}

// IdempotencyGuard returns the guard over the idempotency table.
func (c *Container) IdempotencyGuard() (*idempotency.Guard, error) {
	if err := c.initStores(); err != nil {
		return nil, err
	}
	return c.idempotencyGuard, nil
}

// IngestionService returns the order ingestion service.
func (c *Container) IngestionService() (*ingestion.Service, error) {
	c.ingestionInit.Do(func() {
		svc, err := c.initIngestionService()
		c.setErr("ingestion", err)
		c.ingestionService = svc
	})
	if err := c.getErr("ingestion"); err != nil {
		return nil, err
	}
	return c.ingestionService, nil
}

// Processor returns the item processor.
func (c *Container) Processor() (*processor.Processor, error) {
	c.processorInit.Do(func() {
		p, err := c.initProcessor()
		c.setErr("processor", err)
		c.processor = p
	})
	if err := c.getErr("processor"); err != nil {
		return nil, err
	}
	return c.processor, nil
}

// DeadLetterHandler returns the dead-letter handler.
func (c *Container) DeadLetterHandler() (*deadletter.Handler, error) {
	c.deadLetterInit.Do(func() {
		h, err := c.initDeadLetterHandler()
		c.setErr("deadletter", err)
		c.deadLetterHandler = h
	})
	if err := c.getErr("deadletter"); err != nil {
		return nil, err
	}
	return c.deadLetterHandler, nil
}

// Router returns the gin engine serving the ingestion and read API.
func (c *Container) Router() (*gin.Engine, error) {
	c.routerInit.Do(func() {
		r, err := c.initRouter()
		c.setErr("router", err)
		c.router = r
	})
	if err := c.getErr("router"); err != nil {
		return nil, err
	}
	return c.router, nil
}

// Consumers returns the pollers for the work queue and the dead-letter queue.
// They are only used when the pipeline hosts its own consumers.
func (c *Container) Consumers() ([]*consumer.Runner, error) {
	work, dlq, err := c.Queues()
	if err != nil {
		return nil, err
	}
	p, err := c.Processor()
	if err != nil {
		return nil, err
	}
	h, err := c.DeadLetterHandler()
	if err != nil {
		return nil, err
	}

	return []*consumer.Runner{
		consumer.NewRunner("processor", work, p, c.Logger(),
			consumer.WithConcurrency(c.config.WorkerConcurrency),
			consumer.WithBatchSize(c.config.ProcessorBatchSize),
			consumer.WithRateLimit(c.config.ProcessorRateLimit),
		),
		consumer.NewRunner("deadletter", dlq, h, c.Logger(),
			consumer.WithBatchSize(c.config.DLQBatchSize),
		),
	}, nil
}

// Shutdown releases queue resources and flushes metrics.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	for _, q := range []queue.Queue{c.workQueue, c.deadLetterQueue} {
		if mq, ok := q.(*memqueue.Queue); ok {
			if err := mq.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown metrics provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Container) setErr(component string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initErrors[component] = err
}

func (c *Container) getErr(component string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initErrors[component]
}

// initLogger creates a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}

func (c *Container) initAWSClients() (*aws.AWSClients, error) {
	clients := &aws.AWSClients{
		DynamoDB:   c.dynamoDB,
		SQS:        c.sqs,
		CloudWatch: c.cloudWatch,
	}
	if err := clients.Fill(context.Background(), c.config.AWSRegion, c.config.AWSEndpointOverride); err != nil {
		return nil, fmt.Errorf("failed to init aws clients: %w", err)
	}
	return clients, nil
}

func (c *Container) dynamoDBClient() (aws.DynamoDBAPI, error) {
	if c.dynamoDB != nil {
		return c.dynamoDB, nil
	}
	clients, err := c.AWSClients()
	if err != nil {
		return nil, err
	}
	return clients.DynamoDB, nil
}

func (c *Container) initMetrics() (metrics.PipelineMetrics, error) {
	if !c.config.MetricsEnabled {
		return metrics.NewNoOpPipelineMetrics(), nil
	}

	switch c.config.MetricsBackend {
	case config.MetricsBackendCloudWatch:
		cw := c.cloudWatch
		if cw == nil {
			clients, err := c.AWSClients()
			if err != nil {
				return nil, err
			}
			cw = clients.CloudWatch
		}
		return metrics.NewCloudWatchMetrics(cw, c.config.MetricsNamespace, c.Logger()), nil
	default:
		provider, err := metrics.NewProvider()
		if err != nil {
			return nil, err
		}
		m, err := metrics.NewPipelineMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
		if err != nil {
			return nil, err
		}
		c.metricsProvider = provider
		return m, nil
	}
}

func (c *Container) initQueues() error {
	logger := c.Logger()

	if c.config.QueueBackend == config.QueueBackendMemory {
		dlq := memqueue.New("orders-dlq",
			memqueue.WithUnordered(),
			memqueue.WithVisibilityTimeout(c.config.VisibilityTimeout),
			memqueue.WithWaitTime(c.config.PollWait),
			memqueue.WithLogger(logger),
		)
		c.deadLetterQueue = dlq
		c.workQueue = memqueue.New("orders",
			memqueue.WithVisibilityTimeout(c.config.VisibilityTimeout),
			memqueue.WithDeadLetter(dlq, c.config.MaxReceiveCount),
			memqueue.WithDedupWindow(c.config.DedupWindow),
			memqueue.WithWaitTime(c.config.PollWait),
			memqueue.WithLogger(logger),
		)
		return nil
	}

	sqsClient := c.sqs
	if sqsClient == nil {
		clients, err := c.AWSClients()
		if err != nil {
			return err
		}
		sqsClient = clients.SQS
	}
	c.workQueue = sqsqueue.New(sqsClient, c.config.OrdersQueueURL, c.config.PollWait, logger)
	c.deadLetterQueue = sqsqueue.New(sqsClient, c.config.OrdersDLQURL, c.config.PollWait, logger)
	return nil
}

func (c *Container) initStores() error {
	c.storesInit.Do(func() {
		client, err := c.dynamoDBClient()
		if err != nil {
			c.setErr("stores", err)
			return
		}
		c.orderStore = orders.NewStore(client, c.config.OrdersTable, c.config.ItemsTable, c.config.ItemsStatusIndex)
		store := idempotency.NewStore(client, c.config.IdempotencyTable, c.config.IdempotencyTTL, c.config.IdempotencyInProgressTTL)
		c.idempotencyGuard = idempotency.NewGuard(store, c.Logger())
	})
	return c.getErr("stores")
}

func (c *Container) initIngestionService() (*ingestion.Service, error) {
	guard, err := c.IdempotencyGuard()
	if err != nil {
		return nil, err
	}
	store, err := c.OrderStore()
	if err != nil {
		return nil, err
	}
	work, _, err := c.Queues()
	if err != nil {
		return nil, err
	}
	m, err := c.Metrics()
	if err != nil {
		return nil, err
	}
	return ingestion.NewService(guard, store, work, m, c.Logger()), nil
}

func (c *Container) initProcessor() (*processor.Processor, error) {
	store, err := c.OrderStore()
	if err != nil {
		return nil, err
	}
	m, err := c.Metrics()
	if err != nil {
		return nil, err
	}

	work := c.work
	if work == nil {
		work = processor.SimulatedWork(defaultWorkDuration)
	}
	faults := c.faults
	if faults == nil {
		faults = processor.NoFaults()
		if c.config.FaultRate > 0 {
			faults = processor.RandomFaults(c.config.FaultRate)
		}
	}
	return processor.New(store, processor.WithFaults(work, faults), m, c.Logger()), nil
}

func (c *Container) initDeadLetterHandler() (*deadletter.Handler, error) {
	store, err := c.OrderStore()
	if err != nil {
		return nil, err
	}
	m, err := c.Metrics()
	if err != nil {
		return nil, err
	}
	return deadletter.NewHandler(store, c.notifier, m, c.Logger()), nil
}

func (c *Container) initRouter() (*gin.Engine, error) {
	svc, err := c.IngestionService()
	if err != nil {
		return nil, err
	}
	store, err := c.OrderStore()
	if err != nil {
		return nil, err
	}
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if provider != nil {
		r.Use(metrics.HTTPMetricsMiddleware(provider.MeterProvider(), c.config.MetricsNamespace))
		r.GET("/metrics", gin.WrapH(provider.Handler()))
	}

	handlers.RegisterOrdersRoutes(r, handlers.HandlerConfig{
		Ingester:   svc,
		Orders:     store,
		Logger:     c.Logger(),
		RetryAfter: c.config.IdempotencyInProgressTTL,
	})
	return r, nil
}
