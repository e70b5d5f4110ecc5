package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestPipelineMetrics_ExportsCounters(t *testing.T) {
	provider, err := NewProvider()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, provider.Shutdown(context.Background()))
	}()

	pm, err := NewPipelineMetrics(provider.MeterProvider(), "orderflow")
	require.NoError(t, err)

	ctx := context.Background()
	pm.Count(ctx, ItemsProcessed, 1)
	pm.Count(ctx, ItemsProcessed, 2)
	pm.Count(ctx, DLQWriteErrors, 1)
	pm.Count(ctx, "not_a_counter", 5)

	out := scrape(t, provider)
	assert.Regexp(t, `orderflow_items_processed_total\{[^}]*\} 3`, out)
	assert.Regexp(t, `orderflow_dlq_write_errors_total\{[^}]*\} 1`, out)
	assert.NotContains(t, out, "not_a_counter")
}

func TestProvider_ShutdownNil(t *testing.T) {
	p := &Provider{}
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNoOpPipelineMetrics(t *testing.T) {
	m := NewNoOpPipelineMetrics()
	assert.IsType(t, &NoOpPipelineMetrics{}, m)
	m.Count(context.Background(), ItemsProcessed, 1)
}

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (m *mockCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, m.err
}

func TestCloudWatchMetrics(t *testing.T) {
	mock := &mockCloudWatch{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewCloudWatchMetrics(mock, "OrderFlow", logger).(*cloudWatchMetrics)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	m.Count(context.Background(), ItemsFailed, 2)
	m.Count(context.Background(), "unknown", 1)

	require.Len(t, mock.inputs, 1)
	in := mock.inputs[0]
	assert.Equal(t, "OrderFlow", *in.Namespace)
	require.Len(t, in.MetricData, 1)
	d := in.MetricData[0]
	assert.Equal(t, ItemsFailed, *d.MetricName)
	assert.Equal(t, 2.0, *d.Value)
	assert.Equal(t, cwtypes.StandardUnitCount, d.Unit)
	assert.Equal(t, now, *d.Timestamp)

	mock.err = errors.New("throttled")
	assert.NotPanics(t, func() { m.Count(context.Background(), ItemsFailed, 1) })
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	provider, err := NewProvider()
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, provider.Shutdown(context.Background()))
	}()

	router := gin.New()
	router.Use(HTTPMetricsMiddleware(provider.MeterProvider(), "orderflow"))
	router.GET("/orders/:orderId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"orderId": c.Param("orderId")})
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}

	out := scrape(t, provider)
	assert.Regexp(t, `orderflow_http_requests_total\{[^}]*path="/orders/:orderId"[^}]*\} 2`, out)
}
