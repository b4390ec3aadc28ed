package kvm

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/hankjacobs/kvmrun"

type vcpuMetrics struct {
	attempts metric.Int64Counter
	exits    metric.Int64Counter
}

func newVCPUMetrics(mp metric.MeterProvider) (*vcpuMetrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(meterName)

	attempts, err := meter.Int64Counter("kvm.vcpu.run.attempts",
		metric.WithDescription("KVM_RUN requests issued, including retried ones."),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, errors.Wrap(err, "attempts counter")
	}

	exits, err := meter.Int64Counter("kvm.vcpu.exits",
		metric.WithDescription("vCPU exits by reason."),
		metric.WithUnit("{exit}"))
	if err != nil {
		return nil, errors.Wrap(err, "exits counter")
	}

	return &vcpuMetrics{attempts: attempts, exits: exits}, nil
}

func (m *vcpuMetrics) attempt(ctx context.Context) {
	m.attempts.Add(ctx, 1)
}

func (m *vcpuMetrics) exit(ctx context.Context, reason ExitReason) {
	m.exits.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason.String())))
}
