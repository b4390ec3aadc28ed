package kvm

import (
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// defaultInterruptRetries bounds how often a KVM_RUN interrupted by a signal is
// reissued before Run gives up.
const defaultInterruptRetries = 1024

type options struct {
	logger           *zap.Logger
	meterProvider    metric.MeterProvider
	interruptRetries uint64
}

// Option configures a Device or a VM. Options given to Open are the defaults
// of every VM created from that Device; options given to New override them.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMeterProvider sets where vCPU run-loop metrics are recorded.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithInterruptRetries sets how many consecutive EINTR results of KVM_RUN are
// retried before Run fails.
func WithInterruptRetries(n uint64) Option {
	return func(o *options) {
		o.interruptRetries = n
	}
}

func applyOptions(base options, opts []Option) options {
	for _, opt := range opts {
		opt(&base)
	}
	if base.logger == nil {
		base.logger = zap.NewNop()
	}
	return base
}
