package jobs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ternarybob/mcpdash/internal/models"
)

const meterName = "mcpdash/jobs"

type registryMetrics struct {
	events metric.Int64Counter
}

// newRegistryMetrics registers against the global meter provider, which is a
// no-op until the host installs one
func newRegistryMetrics() *registryMetrics {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("v0.1.0"))

	events, err := meter.Int64Counter(
		"job_events_total",
		metric.WithDescription("Job events by outcome"),
	)
	if err != nil {
		return &registryMetrics{events: noop.Int64Counter{}}
	}
	return &registryMetrics{events: events}
}

func (m *registryMetrics) record(outcome string, reason models.ApplyReason) {
	m.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", string(reason)),
	))
}
