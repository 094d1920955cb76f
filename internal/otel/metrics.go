package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the catalog's instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	SweepDuration   metric.Float64Histogram
	ItemsIngested   metric.Int64Counter
	IngestFailures  metric.Int64Counter
	ItemsDeleted    metric.Int64Counter
	ItemsPurged     metric.Int64Counter
	StaleLinks      metric.Int64Counter
	SearchDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("godiary.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("godiary.sweep.duration",
		metric.WithDescription("Duration of one sweep run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsIngested, err = meter.Int64Counter("godiary.items.ingested",
		metric.WithDescription("Items created or updated by ingestion"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestFailures, err = meter.Int64Counter("godiary.items.ingest_failures",
		metric.WithDescription("Source records rejected during a sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsDeleted, err = meter.Int64Counter("godiary.items.deleted",
		metric.WithDescription("Items soft or hard deleted on request"),
	)
	if err != nil {
		return nil, err
	}

	m.ItemsPurged, err = meter.Int64Counter("godiary.items.purged",
		metric.WithDescription("Soft-deleted items purged by retention"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleLinks, err = meter.Int64Counter("godiary.links.stale",
		metric.WithDescription("Pending calendar links reported past their timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchDuration, err = meter.Float64Histogram("godiary.search.duration",
		metric.WithDescription("Search query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// CatalogCount is one provider's share of the catalog at observation time.
type CatalogCount struct {
	Provider     string
	Live         int64
	Trashed      int64
	PendingLinks int64
}

// ObserveCatalog registers gauges for live items, trashed items and pending
// calendar links per provider, read from counts at each collection.
func ObserveCatalog(meter metric.Meter, counts func(context.Context) ([]CatalogCount, error)) (metric.Registration, error) {
	live, err := meter.Int64ObservableGauge("godiary.items.live",
		metric.WithDescription("Items not soft-deleted"),
	)
	if err != nil {
		return nil, err
	}
	trashed, err := meter.Int64ObservableGauge("godiary.items.trashed",
		metric.WithDescription("Soft-deleted items awaiting restore or purge"),
	)
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64ObservableGauge("godiary.links.pending",
		metric.WithDescription("Calendar links still pending"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		rows, err := counts(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			attrs := metric.WithAttributes(AttrProvider.String(r.Provider))
			o.ObserveInt64(live, r.Live, attrs)
			o.ObserveInt64(trashed, r.Trashed, attrs)
			o.ObserveInt64(pending, r.PendingLinks, attrs)
		}
		return nil
	}, live, trashed, pending)
}
