package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/relmigrate/relmigrate/engine"
	"github.com/relmigrate/relmigrate/metrics"
	"github.com/relmigrate/relmigrate/region"
	"github.com/relmigrate/relmigrate/wire"
)

func collect(t *testing.T, c *metrics.Collector) map[string]float64 {
	t.Helper()

	descCh := make(chan *prometheus.Desc, 32)
	c.Describe(descCh)
	close(descCh)

	wantDescs := 0
	for range descCh {
		wantDescs++
	}

	metricCh := make(chan prometheus.Metric, 32)
	c.Collect(metricCh)
	close(metricCh)

	got := make(map[string]float64)

	for m := range metricCh {
		var pb dto.Metric

		if err := m.Write(&pb); err != nil {
			t.Fatalf("Write() error: %v", err)
		}

		switch {
		case pb.Gauge != nil:
			got[m.Desc().String()] = pb.Gauge.GetValue()
		case pb.Counter != nil:
			got[m.Desc().String()] = pb.Counter.GetValue()
		default:
			t.Fatalf("metric %s has neither Gauge nor Counter value", m.Desc())
		}
	}

	if len(got) != wantDescs {
		t.Fatalf("collected %d metrics, want %d (one per described Desc)", len(got), wantDescs)
	}

	return got
}

func TestCollectSamplesEngineStats(t *testing.T) {
	t.Parallel()

	store := region.NewStore()
	if err := store.Register(&region.Region{
		ID:         "pc.ram",
		Host:       make([]byte, region.TargetPageSize),
		UsedLength: region.TargetPageSize,
		MaxLength:  region.TargetPageSize,
		PageSize:   region.TargetPageSize,
		Migratable: true,
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	tp := wire.NewMemTransport()

	e, err := engine.NewSource(tp, store, engine.Config{}, nil)
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}

	if _, err := e.Iterate(); err != nil {
		t.Fatalf("Iterate() error: %v", err)
	}

	c := metrics.New(e)

	values := collect(t, c)
	if len(values) != 12 {
		t.Fatalf("collected %d metrics, want 12", len(values))
	}
}
