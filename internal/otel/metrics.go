package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the runtime's instruments.
type Metrics struct {
	InvocationDuration metric.Float64Histogram
	InvocationErrors   metric.Int64Counter
	CooldownRejects    metric.Int64Counter
	PluginLoadFailures metric.Int64Counter
	ReloadCycles       metric.Int64Counter
	ReloadDuration     metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InvocationDuration, err = meter.Float64Histogram("herald.invocation.duration",
		metric.WithDescription("Plugin invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationErrors, err = meter.Int64Counter("herald.invocation.errors",
		metric.WithDescription("Contained plugin invocation failures"),
	)
	if err != nil {
		return nil, err
	}

	m.CooldownRejects, err = meter.Int64Counter("herald.cooldown.rejects",
		metric.WithDescription("Invocations rejected by a per-user cooldown"),
	)
	if err != nil {
		return nil, err
	}

	m.PluginLoadFailures, err = meter.Int64Counter("herald.plugin.load_failures",
		metric.WithDescription("Plugin files that failed validation or import"),
	)
	if err != nil {
		return nil, err
	}

	m.ReloadCycles, err = meter.Int64Counter("herald.reload.cycles",
		metric.WithDescription("Completed hot-reload cycles"),
	)
	if err != nil {
		return nil, err
	}

	m.ReloadDuration, err = meter.Float64Histogram("herald.reload.duration",
		metric.WithDescription("Hot-reload cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordInvocation records one invocation outcome. A nil receiver is a no-op.
func (m *Metrics) RecordInvocation(ctx context.Context, kind, name string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrKind.String(kind), AttrName.String(name))
	m.InvocationDuration.Record(ctx, d.Seconds(), attrs)
	if failed {
		m.InvocationErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordCooldownReject(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.CooldownRejects.Add(ctx, 1, metric.WithAttributes(AttrName.String(name)))
}

func (m *Metrics) RecordLoadFailures(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PluginLoadFailures.Add(ctx, int64(n))
}

func (m *Metrics) RecordReload(ctx context.Context, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("failed", failed))
	m.ReloadCycles.Add(ctx, 1, attrs)
	m.ReloadDuration.Record(ctx, d.Seconds(), attrs)
}
