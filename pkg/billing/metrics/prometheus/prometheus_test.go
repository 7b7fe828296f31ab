package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/goreferral/pkg/billing"
)

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "invoice.payment_succeeded", billing.StatusSuccess)
	metrics.RecordWebhookEvent("stripe", "invoice.payment_succeeded", billing.StatusSuccess)
	metrics.RecordWebhookEvent("stripe", "invoice.payment_succeeded", billing.StatusDuplicate)
	metrics.RecordWebhookError("revenuecat", "auth_failed")
	metrics.RecordActionOutcome("revenuecat", "record_commission", "applied")

	assert.Equal(t, float64(2), testutil.ToFloat64(
		metrics.webhookEventsTotal.WithLabelValues("stripe", "invoice.payment_succeeded", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.webhookErrorsTotal.WithLabelValues("revenuecat", "auth_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		metrics.actionOutcomesTotal.WithLabelValues("revenuecat", "record_commission", "applied")))
}

func TestMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("stripe", "charge.refunded", 20*time.Millisecond)
	metrics.RecordAPICall("stripe", "/v1/customers", billing.StatusSuccess)
	metrics.RecordAPICallDuration("stripe", "/v1/customers", 80*time.Millisecond)

	count, err := testutil.GatherAndCount(reg,
		"test_billing_webhook_processing_duration_seconds",
		"test_billing_api_calls_total",
		"test_billing_api_call_duration_seconds",
	)
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestMetrics_ImplementsInterface(t *testing.T) {
	var _ billing.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}
