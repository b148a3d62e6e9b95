package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/fetch"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
	"github.com/withObsrvr/tripdata-loader/internal/metadata"
	"github.com/withObsrvr/tripdata-loader/internal/report"
	"github.com/withObsrvr/tripdata-loader/internal/stage"
)

const (
	stageFetch    = "fetch"
	stageStage    = "stage"
	stageDispatch = "dispatch"
	stageCollect  = "collect"
)

// errNoOutcome marks an item whose worker exited without reporting a result.
var errNoOutcome = errors.New("no terminal outcome reported")

// ItemFailure records why a work item did not reach the staging store.
type ItemFailure struct {
	Item     catalog.WorkItem
	Stage    string // fetch, stage, dispatch or collect
	Attempts int
	Err      error
}

func (f *ItemFailure) Error() string {
	return fmt.Sprintf("%s failed at %s after %d attempt(s): %v", f.Item, f.Stage, f.Attempts, f.Err)
}

func (f *ItemFailure) Unwrap() error {
	return f.Err
}

func (f *ItemFailure) reportEntry() report.ItemFailure {
	return report.ItemFailure{
		Item:     f.Item.String(),
		Stage:    f.Stage,
		Attempts: f.Attempts,
		Error:    f.Err.Error(),
	}
}

// itemTask is sent to workers for processing.
type itemTask struct {
	index int
	item  catalog.WorkItem
}

// itemEvent is sent from workers to the collector. Non-terminal events carry
// only a state change.
type itemEvent struct {
	index   int
	state   ItemState
	outcome *itemOutcome
}

// itemOutcome is the terminal result of one work item.
type itemOutcome struct {
	item     catalog.WorkItem
	state    ItemState
	fetched  bool
	fetch    fetch.Result
	staged   stage.StagedObject
	attempts int
	failure  *ItemFailure
}

// runItems runs the dispatcher → workers → collector flow for one type and
// returns once every item has a terminal outcome.
func (o *Orchestrator) runItems(ctx context.Context, runID string, t catalog.DatasetType, items []catalog.WorkItem, tm *typeMachine) []itemOutcome {
	workers := o.cfg.Workers
	if workers > len(items) {
		workers = len(items)
	}

	work := make(chan itemTask)
	events := make(chan itemEvent, workers*2)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for task := range work {
				o.processItem(ctx, runID, workerID, task, events)
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.dispatcherLoop(ctx, items, work, events)
	}()

	go func() {
		wg.Wait()
		close(events)
	}()

	return o.collectorLoop(ctx, runID, t, items, tm, events)
}

// dispatcherLoop sends tasks to workers. Once the context is cancelled the
// remaining items are failed without being attempted.
func (o *Orchestrator) dispatcherLoop(ctx context.Context, items []catalog.WorkItem, work chan<- itemTask, events chan<- itemEvent) {
	defer close(work)

	for i, item := range items {
		task := itemTask{index: i, item: item}
		if ctx.Err() == nil {
			select {
			case work <- task:
				continue
			case <-ctx.Done():
			}
		}
		events <- itemEvent{index: i, state: ItemFailed, outcome: &itemOutcome{
			item:    item,
			state:   ItemFailed,
			failure: &ItemFailure{Item: item, Stage: stageDispatch, Err: ctx.Err()},
		}}
	}
}

// collectorLoop is the single owner of per-item results for a type.
func (o *Orchestrator) collectorLoop(ctx context.Context, runID string, t catalog.DatasetType, items []catalog.WorkItem, tm *typeMachine, events <-chan itemEvent) []itemOutcome {
	outcomes := make([]itemOutcome, len(items))
	tracker := newItemTracker(len(items))
	log := logging.TypeLogger(runID, string(t))

	for ev := range events {
		tracker.set(ev.index, ev.state)
		if tracker.phase() == TypeStaging {
			_ = tm.Advance(TypeStaging)
		}
		if ev.outcome == nil {
			continue
		}

		out := *ev.outcome
		outcomes[ev.index] = out
		if out.failure != nil {
			o.metrics.IncItemFailed(string(t), out.failure.Stage)
		}
		o.recordItem(ctx, runID, out, log)
	}

	// The load must never see a partial result set.
	if !tracker.done() {
		for _, i := range tracker.unfinished() {
			log.Error("item ended without an outcome", "item", items[i].String())
			out := itemOutcome{
				item:    items[i],
				state:   ItemFailed,
				failure: &ItemFailure{Item: items[i], Stage: stageCollect, Err: errNoOutcome},
			}
			tracker.set(i, ItemFailed)
			outcomes[i] = out
			o.metrics.IncItemFailed(string(t), stageCollect)
			o.recordItem(ctx, runID, out, log)
		}
	}
	return outcomes
}

func (o *Orchestrator) recordItem(ctx context.Context, runID string, out itemOutcome, log *slog.Logger) {
	rec := metadata.ItemRecord{
		RunID:        runID,
		DatasetType:  string(out.item.Type),
		Year:         out.item.Year,
		Month:        out.item.Month,
		State:        string(out.state),
		StagingKey:   out.item.StagingKey(),
		FetchCached:  out.fetch.Cached,
		StageSkipped: out.staged.Skipped,
		ByteSize:     out.fetch.Size,
		MD5:          out.staged.MD5,
		SHA256:       out.staged.SHA256,
		Attempts:     out.attempts,
	}
	if out.failure != nil {
		rec.ErrorStage = out.failure.Stage
		rec.ErrorMessage = out.failure.Err.Error()
	}
	if err := o.ledger.RecordItem(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record item", "item", out.item.String(), "error", err)
	}
}

// processItem fetches then stages one item, reporting state changes.
func (o *Orchestrator) processItem(ctx context.Context, runID string, workerID int, task itemTask, events chan<- itemEvent) {
	item := task.item
	log := logging.ItemLogger(runID, string(item.Type), item.Year, item.Month).With("worker_id", workerID)

	o.metrics.AddInFlight(1)
	defer o.metrics.AddInFlight(-1)

	out := &itemOutcome{item: item}
	done := func(s ItemState) {
		out.state = s
		events <- itemEvent{index: task.index, state: s, outcome: out}
	}

	events <- itemEvent{index: task.index, state: ItemFetching}
	fetchStart := time.Now()
	attempts, err := o.retry(ctx, item, stageFetch, o.cfg.FetchTimeout, log, func(ctx context.Context) error {
		res, err := o.fetcher.Fetch(ctx, item)
		if err != nil {
			return err
		}
		out.fetch = res
		return nil
	})
	out.attempts = attempts
	if err != nil {
		log.Error("fetch failed", "attempts", attempts, "error", err)
		out.failure = &ItemFailure{Item: item, Stage: stageFetch, Attempts: attempts, Err: err}
		done(ItemFailed)
		return
	}
	out.fetched = true
	if out.fetch.Cached {
		o.metrics.IncFetchCached(string(item.Type))
		log.Debug("using fetched artifact", "path", out.fetch.Path)
	} else {
		o.metrics.IncFetched(string(item.Type), out.fetch.Size, time.Since(fetchStart))
		log.Info("fetched", "bytes", out.fetch.Size, "attempts", attempts)
	}

	events <- itemEvent{index: task.index, state: ItemStaging}
	stageStart := time.Now()
	attempts, err = o.retry(ctx, item, stageStage, o.cfg.StageTimeout, log, func(ctx context.Context) error {
		obj, err := o.stager.Stage(ctx, out.fetch.Path, item)
		if err != nil {
			return err
		}
		out.staged = obj
		return nil
	})
	out.attempts += attempts
	if err != nil {
		log.Error("stage failed", "attempts", attempts, "error", err)
		out.failure = &ItemFailure{Item: item, Stage: stageStage, Attempts: attempts, Err: err}
		done(ItemFailed)
		return
	}
	if out.staged.Skipped {
		o.metrics.IncStageSkipped(string(item.Type))
		log.Debug("already staged", "key", out.staged.Key)
	} else {
		o.metrics.IncStaged(string(item.Type), time.Since(stageStart))
		log.Info("staged", "uri", out.staged.URI)
	}
	done(ItemStaged)
}

// retryable reports whether err is worth another attempt. Typed component
// errors decide for themselves; cancellation never is.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// retry runs op with a per-attempt timeout under bounded exponential backoff.
// It returns the number of attempts made.
func (o *Orchestrator) retry(ctx context.Context, item catalog.WorkItem, operation string, timeout time.Duration, log *slog.Logger, op func(context.Context) error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBackoff
	b.MaxInterval = o.cfg.RetryMaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.RetryAttempts-1)), ctx)

	attempts := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := op(actx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		o.metrics.IncRetryAttempts(string(item.Type), operation)
		log.Warn(operation+" attempt failed, retrying", "attempt", attempts, "wait", wait, "error", err)
	})
	if err != nil && lastErr != nil && !errors.Is(err, lastErr) {
		// Cancelled while waiting between attempts: keep the typed error.
		err = fmt.Errorf("%w (after: %v)", err, lastErr)
	}
	return attempts, err
}
