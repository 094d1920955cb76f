// Package sweep drives ingestion sources into the catalog. Each sweep is one
// Run; every record lands in its own transaction and failures are recorded
// as item error events without aborting the rest of the run.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/basket/go-diary/internal/otel"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/shared"
)

// Record is one unit fetched from a source: an item plus what hangs off it.
// Raw, when set, is the JSON provider payload stored as the item's blob.
// Err marks a record the source could not read; it counts as a failure.
type Record struct {
	Err   error
	Raw   []byte
	Item  persistence.IngestRequest
	Email *persistence.EmailSidecar
	Files []persistence.FileSpec
	Tags  []string
}

// Source produces records for one provider.
type Source interface {
	Name() string
	Provider() persistence.Provider
	Fetch(ctx context.Context) ([]Record, error)
}

// Target pairs a source with the account its records belong to.
type Target struct {
	Source    Source
	AccountID string
}

// Result summarizes one completed run.
type Result struct {
	RunID    string                `json:"run_id"`
	Source   string                `json:"source"`
	Status   persistence.RunStatus `json:"status"`
	Stats    persistence.RunStats  `json:"stats"`
	Duration time.Duration         `json:"duration"`
}

type Runner struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	// Concurrency bounds RunAll; zero means one goroutine per target.
	Concurrency int
}

func NewRunner(store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Runner{store: store, logger: logger, metrics: metrics, tracer: tracer}
}

// Run sweeps src once. A run where some records failed returns the result
// together with a *persistence.PartialSweepError.
func (r *Runner) Run(ctx context.Context, src Source, accountID string) (Result, error) {
	start := time.Now()
	res := Result{Source: src.Name()}

	runID, err := r.store.OpenRun(ctx, accountID, src.Name())
	if err != nil {
		return res, fmt.Errorf("open run: %w", err)
	}
	res.RunID = runID
	ctx = shared.WithSource(shared.WithRunID(ctx, runID), src.Name())
	ctx, span := otel.StartSpan(ctx, r.tracer, "sweep.run",
		otel.AttrRunID.String(runID), otel.AttrSource.String(src.Name()),
		otel.AttrProvider.String(string(src.Provider())))
	defer span.End()

	records, fetchErr := src.Fetch(ctx)
	var failures []persistence.ItemFailure
	if fetchErr != nil {
		r.logger.ErrorContext(ctx, "sweep fetch failed", "error", fetchErr)
		failures = append(failures, persistence.ItemFailure{Err: fmt.Errorf("fetch: %w", fetchErr)})
	}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			failures = append(failures, persistence.ItemFailure{Err: err})
			break
		}
		if rec.Err != nil {
			failures = append(failures, persistence.ItemFailure{ExternalID: rec.Item.ExternalID, Err: rec.Err})
			r.logger.WarnContext(ctx, "sweep record unreadable", "external_id", rec.Item.ExternalID, "error", rec.Err)
			r.recordFailure(ctx, runID, src, rec, "", rec.Err)
			continue
		}
		out, err := r.ingestRecord(ctx, runID, accountID, src.Provider(), rec)
		switch {
		case err != nil:
			failures = append(failures, persistence.ItemFailure{ExternalID: rec.Item.ExternalID, Err: err})
			r.logger.WarnContext(ctx, "sweep record failed", "external_id", rec.Item.ExternalID, "error", err)
			// Rejected attachments are already on the item's trail.
			if out.ItemID == "" || !persistence.IsRejection(err) {
				r.recordFailure(ctx, runID, src, rec, out.ItemID, err)
			}
		case out.Created:
			res.Stats.Created++
		default:
			res.Stats.Updated++
		}
	}
	res.Stats.Errored = len(failures)
	res.Status = runStatus(res.Stats)

	// The close must land even when the sweep context was cancelled.
	if err := r.store.CloseRun(context.WithoutCancel(ctx), runID, res.Status, res.Stats); err != nil {
		return res, fmt.Errorf("close run: %w", err)
	}
	res.Duration = time.Since(start)
	r.record(ctx, res)
	span.SetAttributes(otel.AttrResult.String(string(res.Status)))
	r.logger.InfoContext(ctx, "sweep finished",
		"status", res.Status, "created", res.Stats.Created, "updated", res.Stats.Updated,
		"errored", res.Stats.Errored, "duration", res.Duration)

	switch res.Status {
	case persistence.RunStatusPartial:
		return res, &persistence.PartialSweepError{
			RunID: runID, Created: res.Stats.Created, Updated: res.Stats.Updated, Failures: failures,
		}
	case persistence.RunStatusFailed:
		errs := make([]error, len(failures))
		for i, f := range failures {
			errs[i] = f.Err
		}
		return res, fmt.Errorf("sweep %s failed: %w", src.Name(), errors.Join(errs...))
	}
	return res, nil
}

// RunAll sweeps every target concurrently. Each target finishes on its own;
// the returned error joins every target's failure.
func (r *Runner) RunAll(ctx context.Context, targets []Target) ([]Result, error) {
	results := make([]Result, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	if r.Concurrency > 0 {
		g.SetLimit(r.Concurrency)
	}
	for i, t := range targets {
		g.Go(func() error {
			results[i], errs[i] = r.Run(ctx, t.Source, t.AccountID)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// recordFailure leaves an error event for a failed record. It lands on the
// cataloged item when one is known (or exists for the record's external id)
// and is detached otherwise.
func (r *Runner) recordFailure(ctx context.Context, runID string, src Source, rec Record, itemID string, failure error) {
	provider := rec.Item.Provider
	if provider == "" {
		provider = src.Provider()
	}
	if itemID == "" && rec.Item.ExternalID != "" {
		if it, err := r.store.FindItem(ctx, provider, rec.Item.ExternalID); err == nil {
			itemID = it.ID
		}
	}
	data := map[string]any{"run_id": runID, "source": src.Name(), "provider": provider}
	if rec.Item.ExternalID != "" {
		data["external_id"] = rec.Item.ExternalID
	}
	// The audit row must land even when the sweep context was cancelled.
	if err := r.store.RecordItemError(context.WithoutCancel(ctx), itemID, failure, data); err != nil {
		r.logger.ErrorContext(ctx, "record item error failed", "external_id", rec.Item.ExternalID, "error", err)
	}
}

// ingestRecord upserts one record and attaches its dependents. The result
// names the item even when a later attachment failed.
func (r *Runner) ingestRecord(ctx context.Context, runID, accountID string, provider persistence.Provider, rec Record) (persistence.IngestResult, error) {
	req := rec.Item
	req.RunID = runID
	if req.AccountID == "" {
		req.AccountID = accountID
	}
	if req.Provider == "" {
		req.Provider = provider
	}
	if len(rec.Raw) > 0 && req.BlobID == "" {
		req.Payload = rec.Raw
	}
	out, err := r.store.IngestItem(ctx, req)
	if err != nil {
		return persistence.IngestResult{}, err
	}
	// Attachment failures keep the item.
	if err := r.attach(ctx, out, rec); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Runner) attach(ctx context.Context, out persistence.IngestResult, rec Record) error {
	if rec.Email != nil {
		sc := *rec.Email
		sc.ItemID = out.ItemID
		if err := r.store.AttachEmailSidecar(ctx, sc); err != nil {
			return fmt.Errorf("attach email sidecar: %w", err)
		}
	}
	if len(rec.Files) > 0 {
		known := map[string]bool{}
		if !out.Created {
			existing, err := r.store.ListFiles(ctx, out.ItemID, true)
			if err != nil {
				return err
			}
			for _, f := range existing {
				known[f.AbsolutePath] = true
			}
		}
		for _, spec := range rec.Files {
			if known[spec.AbsolutePath] {
				continue
			}
			if _, err := r.store.AttachFile(ctx, out.ItemID, spec); err != nil {
				return fmt.Errorf("attach file %s: %w", spec.RelativePath, err)
			}
		}
	}
	if len(rec.Tags) > 0 {
		if _, err := r.store.AssignTags(ctx, out.ItemID, rec.Tags); err != nil {
			return fmt.Errorf("assign tags: %w", err)
		}
	}
	return nil
}

func (r *Runner) record(ctx context.Context, res Result) {
	if r.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(string(otel.AttrSource), res.Source),
		attribute.String(string(otel.AttrResult), string(res.Status)),
	)
	r.metrics.SweepDuration.Record(ctx, res.Duration.Seconds(), attrs)
	if n := res.Stats.Created + res.Stats.Updated; n > 0 {
		r.metrics.ItemsIngested.Add(ctx, int64(n), attrs)
	}
	if res.Stats.Errored > 0 {
		r.metrics.IngestFailures.Add(ctx, int64(res.Stats.Errored), attrs)
	}
}

// runStatus maps run stats to a terminal status. A run with nothing to do is ok.
func runStatus(st persistence.RunStats) persistence.RunStatus {
	switch {
	case st.Errored == 0:
		return persistence.RunStatusOK
	case st.Created+st.Updated > 0:
		return persistence.RunStatusPartial
	default:
		return persistence.RunStatusFailed
	}
}
