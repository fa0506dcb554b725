// Package metrics implements the Observability contract from spec.md's
// Design Notes §9: one gauge (locally connected users, labeled by instance
// id) plus counters for stream messages consumed, fan-out forwards sent
// and received, pending enqueues, retries succeeded/failed, and DLQ
// appends.
//
// The teacher wires go.opentelemetry.io/otel through a private
// webitel-go-kit bridge that is not available outside Webitel's module
// proxy (see DESIGN.md); this uses the public otlpmetrichttp exporter the
// bridge itself presumably wraps.
package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the counter instruments every component increments
// directly, plus the callback-driven connected-users gauge.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	StreamConsumed  metric.Int64Counter
	FanoutSent      metric.Int64Counter
	FanoutReceived  metric.Int64Counter
	PendingEnqueued metric.Int64Counter
	RetrySucceeded  metric.Int64Counter
	RetryFailed     metric.Int64Counter
	DeadLettered    metric.Int64Counter
}

// Options configure metrics export. Endpoint empty disables the OTLP
// exporter and falls back to a no-op provider, so the fabric never fails
// to start for want of a metrics backend.
type Options struct {
	Endpoint   string
	InstanceID string
}

func New(ctx context.Context, opts Options, logger *slog.Logger) (*Metrics, error) {
	var provider *sdkmetric.MeterProvider

	if opts.Endpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(opts.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	} else {
		provider = sdkmetric.NewMeterProvider()
	}

	meter := provider.Meter("notification-fabric")

	m := &Metrics{provider: provider, meter: meter}

	var err error
	if m.StreamConsumed, err = meter.Int64Counter("notifications.stream.consumed"); err != nil {
		return nil, err
	}
	if m.FanoutSent, err = meter.Int64Counter("notifications.fanout.sent"); err != nil {
		return nil, err
	}
	if m.FanoutReceived, err = meter.Int64Counter("notifications.fanout.received"); err != nil {
		return nil, err
	}
	if m.PendingEnqueued, err = meter.Int64Counter("notifications.pending.enqueued"); err != nil {
		return nil, err
	}
	if m.RetrySucceeded, err = meter.Int64Counter("notifications.retry.succeeded"); err != nil {
		return nil, err
	}
	if m.RetryFailed, err = meter.Int64Counter("notifications.retry.failed"); err != nil {
		return nil, err
	}
	if m.DeadLettered, err = meter.Int64Counter("notifications.deadletter.appended"); err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterConnectedUsersGauge binds the "locally connected users" gauge to
// a live counter function, labeled by instance id, as required at startup
// (spec.md §4.9).
func (m *Metrics) RegisterConnectedUsersGauge(instanceID string, count func() int64) error {
	gauge, err := m.meter.Int64ObservableGauge("notifications.local_connected_users")
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, count(), metric.WithAttributes(instanceAttr(instanceID)))
		return nil
	}, gauge)
	return err
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
