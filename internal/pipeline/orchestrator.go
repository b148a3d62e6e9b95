// Package pipeline drives work items through fetch and stage on a bounded
// worker pool, then loads each dataset type once every item has an outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/config"
	"github.com/withObsrvr/tripdata-loader/internal/fetch"
	"github.com/withObsrvr/tripdata-loader/internal/load"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
	"github.com/withObsrvr/tripdata-loader/internal/metadata"
	"github.com/withObsrvr/tripdata-loader/internal/metrics"
	"github.com/withObsrvr/tripdata-loader/internal/notify"
	"github.com/withObsrvr/tripdata-loader/internal/report"
	"github.com/withObsrvr/tripdata-loader/internal/stage"
)

// Policy decides what happens to a type's load when some items failed.
type Policy string

const (
	// FailClosed skips the load and fails the type if any item failed.
	FailClosed Policy = config.PolicyFailClosed
	// BestEffort loads whatever was staged and lists the omitted items.
	BestEffort Policy = config.PolicyBestEffort
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case FailClosed, BestEffort:
		return p, nil
	case "":
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown failure policy: %q", s)
	}
}

// ErrPolicyBlocked is the load error of a type skipped by FailClosed.
var ErrPolicyBlocked = errors.New("load blocked by fail-closed policy")

// Fetcher retrieves one work item to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, item catalog.WorkItem) (fetch.Result, error)
	Remove(item catalog.WorkItem) error
}

// Stager uploads a local artifact to the staging store.
type Stager interface {
	EnsureBucket(ctx context.Context) (bool, error)
	Stage(ctx context.Context, path string, item catalog.WorkItem) (stage.StagedObject, error)
}

// Loader replaces a type's destination table from its staged objects.
type Loader interface {
	Load(ctx context.Context, t catalog.DatasetType) (load.Result, error)
	TableName(t catalog.DatasetType) string
}

// Config configures the Orchestrator.
type Config struct {
	Workers         int // fetch+stage tasks per type
	TypeConcurrency int // types processed at once
	Policy          Policy
	RetryAttempts   int // total attempts per operation
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	FetchTimeout    time.Duration
	StageTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.TypeConcurrency < 1 {
		c.TypeConcurrency = 1
	}
	if c.Policy == "" {
		c.Policy = FailClosed
	}
	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.RetryMaxBackoff < c.RetryBackoff {
		c.RetryMaxBackoff = c.RetryBackoff
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Minute
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 10 * time.Minute
	}
}

// Deps are the collaborators of a run. Ledger, Notifier and Metrics are
// optional.
type Deps struct {
	Catalog  catalog.Catalog
	Fetcher  Fetcher
	Stager   Stager
	Loader   Loader
	Ledger   metadata.Writer
	Notifier notify.Emitter
	Metrics  *metrics.Metrics
}

// Orchestrator runs the ingest pipeline for a set of dataset types.
type Orchestrator struct {
	cfg      Config
	catalog  catalog.Catalog
	fetcher  Fetcher
	stager   Stager
	loader   Loader
	ledger   metadata.Writer
	notifier notify.Emitter
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Fetcher == nil || deps.Stager == nil || deps.Loader == nil {
		return nil, errors.New("pipeline: fetcher, stager and loader are required")
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, &config.ConfigError{Field: "FAILURE_POLICY", Err: err}
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		catalog:  deps.Catalog,
		fetcher:  deps.Fetcher,
		stager:   deps.Stager,
		loader:   deps.Loader,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      logging.Component("pipeline"),
	}
	if o.ledger == nil {
		o.ledger = metadata.NoopWriter{}
	}
	if o.notifier == nil {
		o.notifier = notify.NoopEmitter{}
	}
	return o, nil
}

// Run processes every type and returns the run summary. The error is non-nil
// only when the run could not start; item and load failures are reported in
// the summary. A cancelled context stops dispatching, skips loads that have
// not started and keeps fetched artifacts on disk.
func (o *Orchestrator) Run(ctx context.Context, types []catalog.DatasetType) (*report.Summary, error) {
	if len(types) == 0 {
		return nil, &config.ConfigError{Field: "DATASET_TYPES", Err: errors.New("no dataset types")}
	}
	if err := o.catalog.Validate(); err != nil {
		return nil, &config.ConfigError{Field: "CATALOG", Err: err}
	}

	runID := logging.RunID(ctx)
	if runID == "" {
		runID = logging.GenerateRunID()
		ctx = logging.WithRunID(ctx, runID)
	}
	log := o.log.With("run_id", runID)
	start := time.Now()

	created, err := o.stager.EnsureBucket(ctx)
	if err != nil {
		return nil, &config.ConfigError{Field: "STORAGE_BUCKET", Err: err}
	}
	if created {
		log.Info("created staging bucket")
	}

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}
	if err := o.ledger.StartRun(ctx, metadata.RunRecord{
		RunID:           runID,
		StartedAt:       start.UTC(),
		Policy:          string(o.cfg.Policy),
		DatasetTypes:    typeNames,
		ProducerVersion: notify.ProducerVersion,
	}); err != nil {
		log.Warn("failed to record run start", "error", err)
	}

	log.Info("run started",
		"types", typeNames,
		"policy", o.cfg.Policy,
		"workers", o.cfg.Workers,
		"type_concurrency", o.cfg.TypeConcurrency,
	)

	reports := make([]report.TypeReport, len(types))
	var g errgroup.Group
	g.SetLimit(o.cfg.TypeConcurrency)
	for i, t := range types {
		i, t := i, t
		g.Go(func() error {
			reports[i] = o.runType(ctx, runID, t)
			return nil
		})
	}
	_ = g.Wait()

	finished := time.Now()
	summary := &report.Summary{
		RunID:      runID,
		Policy:     string(o.cfg.Policy),
		StartedAt:  start.UTC(),
		FinishedAt: finished.UTC(),
		Elapsed:    finished.Sub(start),
		Cancelled:  ctx.Err() != nil,
		Types:      reports,
	}

	status := "succeeded"
	switch {
	case summary.Cancelled:
		status = "cancelled"
	case !summary.Succeeded():
		status = "failed"
	}
	// The ledger write must land even when the run was cancelled.
	if err := o.ledger.FinishRun(context.WithoutCancel(ctx), runID, status, finished.UTC()); err != nil {
		log.Warn("failed to record run finish", "error", err)
	}

	log.Info("run finished", "status", status, "elapsed", summary.Elapsed, "failed_types", summary.FailedTypes())
	return summary, nil
}

// runType processes one dataset type end to end.
func (o *Orchestrator) runType(ctx context.Context, runID string, t catalog.DatasetType) report.TypeReport {
	start := time.Now()
	log := logging.TypeLogger(runID, string(t))
	tm := newTypeMachine(t, o.metrics)

	rep := report.TypeReport{Type: string(t), Table: o.loader.TableName(t)}
	items := o.catalog.Items(t)
	rep.Items = len(items)

	finish := func() report.TypeReport {
		rep.State = string(tm.State())
		rep.Transitions = tm.Transitions()
		rep.Duration = time.Since(start)
		log.Info("type finished", "state", rep.State, "rows", rep.RowCount, "duration", rep.Duration)
		return rep
	}

	if len(items) == 0 {
		tm.Fail()
		rep.LoadError = "catalog produced no work items"
		return finish()
	}

	_ = tm.Advance(TypeFetching)
	log.Info("processing type", "items", len(items))

	outcomes := o.runItems(ctx, runID, t, items, tm)

	// Barrier: every item has an outcome here.
	var failed []itemOutcome
	staged := 0
	for _, out := range outcomes {
		switch {
		case out.failure != nil:
			failed = append(failed, out)
			rep.Failures = append(rep.Failures, out.failure.reportEntry())
		default:
			staged++
		}
		if out.fetched {
			if out.fetch.Cached {
				rep.FetchCached++
			} else {
				rep.Fetched++
			}
		}
		if out.state == ItemStaged {
			if out.staged.Skipped {
				rep.StageSkipped++
			} else {
				rep.Staged++
			}
		}
	}
	rep.Failed = len(failed)

	loadRec := metadata.LoadRecord{RunID: runID, DatasetType: string(t), Table: rep.Table}

	switch {
	case ctx.Err() != nil:
		tm.Fail()
		rep.LoadError = fmt.Sprintf("load not started: %v", ctx.Err())
	case len(failed) > 0 && o.cfg.Policy == FailClosed:
		tm.Fail()
		rep.LoadError = fmt.Errorf("%w: %d of %d items failed", ErrPolicyBlocked, len(failed), len(items)).Error()
		log.Warn("skipping load", "failed", len(failed), "policy", o.cfg.Policy)
	case staged == 0:
		tm.Fail()
		rep.LoadError = "no staged items to load"
	default:
		if len(failed) > 0 {
			for _, f := range failed {
				rep.Omitted = append(rep.Omitted, f.item.String())
			}
			log.Warn("loading without failed items", "omitted", rep.Omitted)
		}
		o.loadType(ctx, runID, t, tm, &rep, log)
	}

	loadRec.State = string(tm.State())
	loadRec.JobID = rep.JobID
	loadRec.RowCount = rep.RowCount
	loadRec.Omitted = rep.Omitted
	loadRec.ErrorMessage = rep.LoadError
	loadRec.Duration = time.Since(start)
	if err := o.ledger.RecordLoad(context.WithoutCancel(ctx), loadRec); err != nil {
		log.Warn("failed to record load", "error", err)
	}

	if ctx.Err() != nil {
		log.Info("run cancelled, keeping local artifacts for the next run")
	} else {
		rep.CleanupErrors = o.cleanup(items, log)
	}
	return finish()
}

// loadType runs the load phase and records its outcome in rep.
func (o *Orchestrator) loadType(ctx context.Context, runID string, t catalog.DatasetType, tm *typeMachine, rep *report.TypeReport, log *slog.Logger) {
	if err := tm.Advance(TypeLoading); err != nil {
		tm.Fail()
		rep.LoadError = err.Error()
		return
	}

	res, err := o.loader.Load(ctx, t)
	if err != nil {
		tm.Fail()
		rep.LoadError = err.Error()
		var le *load.LoadError
		if errors.As(err, &le) {
			rep.JobID = le.JobID
		}
		o.metrics.IncLoadFailures(string(t))
		log.Error("load failed", "error", err)
		return
	}

	rep.JobID = res.JobID
	rep.RowCount = res.RowCount
	if res.Table != "" {
		rep.Table = res.Table
	}
	_ = tm.Advance(TypeDone)
	o.metrics.ObserveLoad(string(t), rep.Table, res.RowCount, res.Duration)

	evt := notify.NewLoadEvent(runID, notify.LoadInfo{
		DatasetType: string(t),
		Table:       rep.Table,
		JobID:       res.JobID,
		RowCount:    res.RowCount,
		SourceURI:   res.SourceURI,
		ItemsStaged: rep.Staged + rep.StageSkipped,
		Omitted:     rep.Omitted,
		DurationMs:  res.Duration.Milliseconds(),
	})
	if err := o.notifier.Emit(ctx, evt); err != nil {
		log.Warn("failed to emit load event", "error", err)
	}
}

// cleanup removes the local artifact of every item. Failures are returned,
// never fatal.
func (o *Orchestrator) cleanup(items []catalog.WorkItem, log *slog.Logger) []string {
	var errs []string
	for _, item := range items {
		if err := o.fetcher.Remove(item); err != nil {
			log.Warn("failed to remove local artifact", "item", item.String(), "error", err)
			errs = append(errs, err.Error())
		}
	}
	return errs
}
