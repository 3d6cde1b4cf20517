package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// ErrFailureThreshold is returned (wrapped) by Run when the fraction of
// failed units exceeds the configured threshold. The BatchResult is still
// returned alongside it so callers keep the full per-unit Outcome set.
var ErrFailureThreshold = errors.New("unit failure fraction exceeds threshold")

// UnitFunc computes one (asset, WindowSpec) unit. Production wiring passes
// the cache-memoized rolling engine; tests may inject failures.
type UnitFunc func(ctx context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config holds executor tuning. Zero values take defaults in New.
type Config struct {
	// Workers is the worker pool size. Defaults to GOMAXPROCS.
	Workers int
	// QueueFactor bounds scheduled-but-not-started tasks to
	// Workers * QueueFactor; submission beyond that blocks. Defaults to 2.
	QueueFactor int
	// UnitTimeout bounds a single unit's computation. 0 disables.
	UnitTimeout time.Duration
	// BatchTimeout bounds the whole batch. 0 disables.
	BatchTimeout time.Duration
	// FailureThreshold is the failed-unit fraction above which the batch
	// as a whole is reported failed. 1.0 (the default) never trips.
	FailureThreshold float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.QueueFactor <= 0 {
		c.QueueFactor = 2
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 1.0
	}
	return c
}

// ---------------------------------------------------------------------------
// Batch / BatchResult
// ---------------------------------------------------------------------------

// Batch is one unit-of-work mapping: every asset is computed against every
// window spec.
type Batch struct {
	Inputs map[string]*series.TimeSeries
	Specs  []series.WindowSpec
}

// BatchResult carries the complete per-unit Outcome set of a batch run.
// Outcomes are ordered canonically: assets sorted by name, specs in input
// order. Worker completion order is never observable here.
type BatchResult struct {
	RunID    string
	Assets   []string // canonical asset order
	Outcomes map[string][]series.Outcome
	Total    int
	Failed   int
	Elapsed  time.Duration
}

// SuccessfulResults returns asset -> MetricResult for the given spec,
// excluding failed units. This is the aggregation engine's input shape.
func (r *BatchResult) SuccessfulResults(spec series.WindowSpec) map[string]*series.MetricResult {
	out := make(map[string]*series.MetricResult)
	for _, asset := range r.Assets {
		for _, o := range r.Outcomes[asset] {
			if o.Spec == spec && !o.Failed() {
				out[asset] = o.Result
			}
		}
	}
	return out
}

// FailureFraction returns failed units / total units.
func (r *BatchResult) FailureFraction() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Total)
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// task is one scheduled unit, carrying its canonical output slot.
type task struct {
	idx   int
	asset string
	ts    *series.TimeSeries
	spec  series.WindowSpec
}

// unitResult is a worker's report for one task.
type unitResult struct {
	idx    int
	result *series.MetricResult
	err    error
}

// Executor fans (asset, WindowSpec) computations across a bounded worker
// pool, isolates per-unit failures, and reassembles outcomes in canonical
// order. An Executor is stateless across runs and safe for concurrent use.
type Executor struct {
	cfg     Config
	compute UnitFunc
}

// New creates an executor running compute on every unit.
func New(cfg Config, compute UnitFunc) *Executor {
	return &Executor{cfg: cfg.withDefaults(), compute: compute}
}

// Run executes the batch. Input validation is eager: a DataError or
// ConfigError blocks the whole batch before any worker is scheduled.
// Per-unit ComputationError/ExecutionError values are captured into the
// Outcome set; Run only returns a batch-level error when the failure
// fraction exceeds the configured threshold or validation fails.
func (e *Executor) Run(ctx context.Context, batch Batch) (*BatchResult, error) {
	tasks, assets, err := e.plan(batch)
	if err != nil {
		return nil, err
	}

	if e.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.BatchTimeout)
		defer cancel()
	}

	runID := uuid.New().String()
	start := time.Now()
	total := len(tasks)

	log.Debug().
		Str("run_id", runID).
		Int("assets", len(assets)).
		Int("specs", len(batch.Specs)).
		Int("units", total).
		Int("workers", e.cfg.Workers).
		Msg("Batch started")

	// Task channel capacity is the backpressure bound: at most
	// Workers * QueueFactor units sit scheduled-but-not-started.
	taskCh := make(chan task, e.queueSize())
	// Result channel holds every result so workers never block on send,
	// even when the collector has already given up on a cancelled batch.
	resultCh := make(chan unitResult, total)

	for w := 0; w < e.cfg.Workers; w++ {
		go e.worker(ctx, taskCh, resultCh)
	}

	go e.submit(ctx, tasks, taskCh)

	// Collect in completion order, record into canonical slots.
	outcomes := make([]series.Outcome, total)
	recorded := make([]bool, total)
	received := 0
	cancelled := false

collect:
	for received < total {
		select {
		case r := <-resultCh:
			t := tasks[r.idx]
			outcomes[r.idx] = series.Outcome{Asset: t.asset, Spec: t.spec, Result: r.result, Err: r.err}
			recorded[r.idx] = true
			received++
		case <-ctx.Done():
			cancelled = true
			break collect
		}
	}

	if cancelled {
		// Units that never reported get explicit cancellation outcomes.
		// Still-running units finish into the buffered channel and their
		// results are discarded.
		for i, t := range tasks {
			if recorded[i] {
				continue
			}
			outcomes[i] = series.Outcome{
				Asset: t.asset,
				Spec:  t.spec,
				Err:   series.NewExecutionError(t.asset, t.spec, ctx.Err(), "batch cancelled"),
			}
		}
		log.Warn().Str("run_id", runID).Int("completed", received).Int("units", total).
			Msg("Batch cancelled; unfinished units recorded as failures")
	}

	res := &BatchResult{
		RunID:    runID,
		Assets:   assets,
		Outcomes: make(map[string][]series.Outcome, len(assets)),
		Total:    total,
		Elapsed:  time.Since(start),
	}
	for i, o := range outcomes {
		res.Outcomes[tasks[i].asset] = append(res.Outcomes[tasks[i].asset], o)
		if o.Failed() {
			res.Failed++
		}
	}

	log.Debug().
		Str("run_id", runID).
		Int("failed", res.Failed).
		Dur("elapsed", res.Elapsed).
		Msg("Batch finished")

	if frac := res.FailureFraction(); frac > e.cfg.FailureThreshold {
		return res, fmt.Errorf("batch %s: %d/%d units failed (%.2f > %.2f): %w",
			runID, res.Failed, res.Total, frac, e.cfg.FailureThreshold, ErrFailureThreshold)
	}
	return res, nil
}

// plan validates the batch eagerly and lays out tasks in canonical order:
// assets sorted by name, specs in input order.
func (e *Executor) plan(batch Batch) ([]task, []string, error) {
	if len(batch.Inputs) == 0 {
		return nil, nil, series.NewDataError("batch has no input series")
	}
	if len(batch.Specs) == 0 {
		return nil, nil, series.NewConfigError("batch has no window specs")
	}
	for _, spec := range batch.Specs {
		if err := spec.Validate(); err != nil {
			return nil, nil, err
		}
	}

	assets := make([]string, 0, len(batch.Inputs))
	for asset, ts := range batch.Inputs {
		if ts == nil {
			return nil, nil, series.NewDataError("asset %q has nil series", asset)
		}
		if ts.Asset() != asset {
			return nil, nil, series.NewDataError("asset key %q does not match series asset %q", asset, ts.Asset())
		}
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	tasks := make([]task, 0, len(assets)*len(batch.Specs))
	for _, asset := range assets {
		for _, spec := range batch.Specs {
			tasks = append(tasks, task{
				idx:   len(tasks),
				asset: asset,
				ts:    batch.Inputs[asset],
				spec:  spec,
			})
		}
	}
	return tasks, assets, nil
}

// queueSize is the task channel capacity: the number of units that may sit
// scheduled-but-not-started before submission blocks.
func (e *Executor) queueSize() int {
	return e.cfg.Workers * e.cfg.QueueFactor
}

// submit feeds tasks into taskCh in canonical order, blocking when the
// queue bound is reached, and closes the channel when done or cancelled.
func (e *Executor) submit(ctx context.Context, tasks []task, taskCh chan<- task) {
	defer close(taskCh)
	for _, t := range tasks {
		select {
		case taskCh <- t:
		case <-ctx.Done():
			return
		}
	}
}

// worker drains the task channel until it closes or the batch is cancelled.
func (e *Executor) worker(ctx context.Context, taskCh <-chan task, resultCh chan<- unitResult) {
	for t := range taskCh {
		if ctx.Err() != nil {
			// Scheduled but not started: dropped without execution.
			resultCh <- unitResult{idx: t.idx, err: series.NewExecutionError(t.asset, t.spec, ctx.Err(), "dropped before start")}
			continue
		}
		res, err := e.runUnit(ctx, t)
		resultCh <- unitResult{idx: t.idx, result: res, err: err}
	}
}

// runUnit executes one unit with panic isolation and the per-unit timeout.
// The numeric kernel is not interruptible mid-computation; on timeout the
// unit is reported failed and the kernel's eventual result is discarded.
func (e *Executor) runUnit(ctx context.Context, t task) (*series.MetricResult, error) {
	unitCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.UnitTimeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, e.cfg.UnitTimeout)
		defer cancel()
	}

	ch := make(chan unitResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- unitResult{err: series.NewExecutionError(t.asset, t.spec, nil, "worker panic: %v", r)}
			}
		}()
		res, err := e.compute(unitCtx, t.ts, t.spec)
		ch <- unitResult{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-unitCtx.Done():
		return nil, series.NewExecutionError(t.asset, t.spec, unitCtx.Err(), "unit timed out")
	}
}
