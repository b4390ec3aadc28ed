package kvm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sys/unix"
)

// sums flattens the int64 counters in rm, keyed by metric name and then by
// the reason attribute, if any.
func sums(rm metricdata.ResourceMetrics) map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			points := map[string]int64{}
			for _, dp := range sum.DataPoints {
				reason, _ := dp.Attributes.Value("reason")
				points[reason.AsString()] += dp.Value
			}
			out[m.Name] = points
		}
	}
	return out
}

func TestRunMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })

	f := newFakeKVM()
	vm := newTestVM(t, f, PageSize, WithMeterProvider(mp))

	f.script(
		fakeExit{err: unix.EINTR},
		exitWith(ExitReasonIntr),
		exitWith(ExitReasonFlushDisk),
		exitWith(ExitReasonHlt),
	)
	require.NoError(t, vm.Run(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := sums(rm)
	assert.Equal(t, map[string]int64{"": 4}, got["kvm.vcpu.run.attempts"])
	assert.Equal(t, map[string]int64{
		"KVM_EXIT_INTR":       1,
		"KVM_EXIT_FLUSH_DISK": 1,
		"KVM_EXIT_HLT":        1,
	}, got["kvm.vcpu.exits"])
}
