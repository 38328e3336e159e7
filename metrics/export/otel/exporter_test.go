package otel

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	goAuthSync "github.com/MrEthical07/goAuthSync"
)

type fakeSource struct {
	mu       sync.RWMutex
	snapshot goAuthSync.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() goAuthSync.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := goAuthSync.MetricsSnapshot{
		Counters:   make(map[goAuthSync.MetricID]uint64, len(f.snapshot.Counters)),
		Histograms: make(map[goAuthSync.MetricID][]uint64, len(f.snapshot.Histograms)),
	}
	for k, v := range f.snapshot.Counters {
		out.Counters[k] = v
	}
	for k, buckets := range f.snapshot.Histograms {
		next := make([]uint64, len(buckets))
		copy(next, buckets)
		out.Histograms[k] = next
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func findSum(rm metricdata.ResourceMetrics, name string) (metricdata.Sum[int64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			return sum, ok
		}
	}
	return metricdata.Sum[int64]{}, false
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("goauthsync-test")

	src := &fakeSource{
		snapshot: goAuthSync.MetricsSnapshot{
			Counters: map[goAuthSync.MetricID]uint64{
				goAuthSync.MetricRefreshSuccess: 3,
			},
			Histograms: map[goAuthSync.MetricID][]uint64{
				goAuthSync.MetricRefreshLatency: {1, 1, 1, 1, 1, 1, 1, 1},
			},
		},
		dropped: 1,
	}

	exp, err := NewExporter(meter, src, attribute.String("origin", "tab-a"))
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	sum, ok := findSum(rm, "goauthsync_refresh_success_total")
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("expected one refresh_success data point, got %+v", sum)
	}
	dp := sum.DataPoints[0]
	if dp.Value != 3 {
		t.Fatalf("expected refresh_success 3, got %d", dp.Value)
	}
	if v, ok := dp.Attributes.Value("origin"); !ok || v.AsString() != "tab-a" {
		t.Fatalf("expected origin attribute, got %v", dp.Attributes)
	}

	dropped, ok := findSum(rm, "goauthsync_audit_dropped_total")
	if !ok || len(dropped.DataPoints) != 1 || dropped.DataPoints[0].Value != 1 {
		t.Fatalf("expected audit dropped 1, got %+v", dropped)
	}
}

func TestExporterRejectsNilSource(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("goauthsync-test")

	if _, err := NewExporter(meter, nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewExporter(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("goauthsync-test")

	src := &fakeSource{
		snapshot: goAuthSync.MetricsSnapshot{
			Counters: map[goAuthSync.MetricID]uint64{
				goAuthSync.MetricRefreshAttempt: 1,
			},
			Histograms: map[goAuthSync.MetricID][]uint64{
				goAuthSync.MetricRefreshLatency: {1, 0, 0, 0, 0, 0, 0, 0},
			},
		},
	}

	exp, err := NewExporter(meter, src)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.snapshot.Counters[goAuthSync.MetricRefreshAttempt] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
