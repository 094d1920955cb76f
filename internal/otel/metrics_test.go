package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil || m.SweepDuration == nil || m.SearchDuration == nil {
		t.Error("histogram instrument is nil")
	}
	if m.ItemsIngested == nil || m.IngestFailures == nil || m.ItemsDeleted == nil {
		t.Error("item counter is nil")
	}
	if m.ItemsPurged == nil || m.StaleLinks == nil {
		t.Error("maintenance counter is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	m.ItemsIngested.Add(context.Background(), 1)
}

func TestNewMetrics_CountersReachReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Reader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.ItemsIngested.Add(ctx, 2)
	m.ItemsIngested.Add(ctx, 3)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "godiary.items.ingested" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 5 {
		t.Fatalf("expected 5 ingested, got %d", total)
	}
}

func TestObserveCatalog_GaugesPerProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{
		Enabled: true, Exporter: "none", Reader: reader,
		Catalog: CatalogInfo{DBPath: "/home/me/.godiary/diary.db", Sweeps: []string{"notes"}},
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	reg, err := ObserveCatalog(p.Meter, func(context.Context) ([]CatalogCount, error) {
		return []CatalogCount{
			{Provider: "gmail", Live: 4, Trashed: 1},
			{Provider: "manual", Live: 2, PendingLinks: 3},
		}, nil
	})
	if err != nil {
		t.Fatalf("ObserveCatalog: %v", err)
	}
	defer reg.Unregister()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if v, ok := rm.Resource.Set().Value("godiary.catalog.db"); !ok || v.AsString() != "diary.db" {
		t.Fatalf("catalog db attribute = %v %v", v, ok)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			gauge, ok := md.Data.(metricdata.Gauge[int64])
			if !ok {
				continue
			}
			for _, dp := range gauge.DataPoints {
				provider, _ := dp.Attributes.Value(AttrProvider)
				got[md.Name+"/"+provider.AsString()] = dp.Value
			}
		}
	}
	want := map[string]int64{
		"godiary.items.live/gmail":     4,
		"godiary.items.trashed/gmail":  1,
		"godiary.links.pending/manual": 3,
		"godiary.items.live/manual":    2,
		"godiary.links.pending/gmail":  0,
		"godiary.items.trashed/manual": 0,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %d, want %d (all: %v)", k, got[k], v, got)
		}
	}
}

func TestInit_SweepBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Reader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.SweepDuration.Record(context.Background(), 42)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "godiary.sweep.duration" {
				continue
			}
			h := md.Data.(metricdata.Histogram[float64])
			if len(h.DataPoints) != 1 || len(h.DataPoints[0].Bounds) != len(sweepBuckets) {
				t.Fatalf("unexpected sweep histogram: %+v", h.DataPoints)
			}
			return
		}
	}
	t.Fatal("sweep duration not collected")
}
