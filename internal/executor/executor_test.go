package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-quant/rollgrid/internal/portfolio"
	"github.com/meridian-quant/rollgrid/internal/rolling"
	"github.com/meridian-quant/rollgrid/internal/series"
)

func makeSeries(t *testing.T, asset string, values ...float64) *series.TimeSeries {
	t.Helper()
	points := make([]series.Value, len(values))
	for i, v := range values {
		points[i] = series.Value{Timestamp: int64(i) * 60_000, V: v}
	}
	ts, err := series.NewTimeSeries(asset, points)
	require.NoError(t, err)
	return ts
}

func threeAssetBatch(t *testing.T) Batch {
	t.Helper()
	return Batch{
		Inputs: map[string]*series.TimeSeries{
			"AAPL": makeSeries(t, "AAPL", 1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
			"MSFT": makeSeries(t, "MSFT", 10, 20, 30, 40, 50, 60, 70, 80, 90, 100),
			"GOOG": makeSeries(t, "GOOG", 5, 4, 6, 3, 7, 2, 8, 1, 9, 10),
		},
		Specs: []series.WindowSpec{{Kind: series.Mean, Window: 5}},
	}
}

func engineUnit() UnitFunc {
	eng := rolling.NewEngine(rolling.Strict)
	return func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		return eng.Compute(ts, spec)
	}
}

func TestRun_CanonicalOrderAndSuccess(t *testing.T) {
	ex := New(Config{Workers: 4}, engineUnit())

	res, err := ex.Run(context.Background(), threeAssetBatch(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "GOOG", "MSFT"}, res.Assets)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 0, res.Failed)
	assert.NotEmpty(t, res.RunID)

	for _, asset := range res.Assets {
		require.Len(t, res.Outcomes[asset], 1)
		o := res.Outcomes[asset][0]
		assert.False(t, o.Failed())
		assert.Equal(t, asset, o.Result.Asset)
		assert.Len(t, o.Result.Points, 10)
	}
}

func TestRun_DeterministicAcrossPoolSizes(t *testing.T) {
	// Bit-identical outcomes regardless of worker count or completion
	// order. A per-asset delay skews completion order away from canonical
	// order to make accidental order dependence visible.
	delays := map[string]time.Duration{"AAPL": 30 * time.Millisecond, "GOOG": 10 * time.Millisecond, "MSFT": 0}
	eng := rolling.NewEngine(rolling.Strict)
	unit := func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		time.Sleep(delays[ts.Asset()])
		return eng.Compute(ts, spec)
	}

	var baseline *BatchResult
	for _, workers := range []int{1, 4, 16} {
		ex := New(Config{Workers: workers}, unit)
		res, err := ex.Run(context.Background(), threeAssetBatch(t))
		require.NoError(t, err, "workers=%d", workers)

		if baseline == nil {
			baseline = res
			continue
		}
		assert.Equal(t, baseline.Assets, res.Assets, "workers=%d", workers)
		for _, asset := range baseline.Assets {
			require.Equal(t, len(baseline.Outcomes[asset]), len(res.Outcomes[asset]))
			for i := range baseline.Outcomes[asset] {
				assert.Equal(t, baseline.Outcomes[asset][i].Result, res.Outcomes[asset][i].Result,
					"workers=%d asset=%s unit=%d", workers, asset, i)
			}
		}
	}
}

func TestRun_AggregatedIdenticalAcrossPoolSizes(t *testing.T) {
	// The determinism guarantee holds through aggregation: the serialized
	// portfolio series must be byte-identical across pool sizes, not just
	// the per-asset results. Delays skew completion order as above.
	delays := map[string]time.Duration{"AAPL": 30 * time.Millisecond, "GOOG": 10 * time.Millisecond, "MSFT": 0}
	eng := rolling.NewEngine(rolling.Strict)
	unit := func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		time.Sleep(delays[ts.Asset()])
		return eng.Compute(ts, spec)
	}

	spec := series.WindowSpec{Kind: series.Mean, Window: 5}
	agg := portfolio.NewAggregator(portfolio.Config{Renormalize: true})
	weights := portfolio.EqualWeights([]string{"AAPL", "GOOG", "MSFT"})

	var baseline []byte
	for _, workers := range []int{1, 4, 16} {
		ex := New(Config{Workers: workers}, unit)
		res, err := ex.Run(context.Background(), threeAssetBatch(t))
		require.NoError(t, err, "workers=%d", workers)

		combined, err := agg.Aggregate(res.SuccessfulResults(spec), weights)
		require.NoError(t, err, "workers=%d", workers)
		require.NotEmpty(t, combined.Points)

		data, err := json.Marshal(combined)
		require.NoError(t, err)

		if baseline == nil {
			baseline = data
			continue
		}
		assert.Equal(t, baseline, data, "workers=%d", workers)
	}
}

func TestSubmit_BlocksAtQueueBound(t *testing.T) {
	// Submission must stall once Workers*QueueFactor tasks sit queued with
	// no worker consuming, and resume as the queue drains.
	ex := New(Config{Workers: 1, QueueFactor: 2}, engineUnit())

	batch := threeAssetBatch(t)
	batch.Specs = []series.WindowSpec{
		{Kind: series.Mean, Window: 5},
		{Kind: series.Stddev, Window: 5},
	}
	tasks, _, err := ex.plan(batch)
	require.NoError(t, err)
	require.Len(t, tasks, 6)

	taskCh := make(chan task, ex.queueSize())
	require.Equal(t, 2, cap(taskCh))

	done := make(chan struct{})
	go func() {
		ex.submit(context.Background(), tasks, taskCh)
		close(done)
	}()

	// The queue fills to its bound and submission stalls there.
	require.Eventually(t, func() bool { return len(taskCh) == cap(taskCh) },
		time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("submission completed with no consumer; queue bound not enforced")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining unblocks submission; every task arrives and the channel
	// closes behind the last one.
	drained := 0
	for range taskCh {
		drained++
	}
	assert.Equal(t, 6, drained)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submission did not finish after the queue drained")
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	eng := rolling.NewEngine(rolling.Strict)
	unit := func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		if ts.Asset() == "GOOG" {
			return nil, series.NewComputationError("GOOG", spec, "injected failure")
		}
		return eng.Compute(ts, spec)
	}

	ex := New(Config{Workers: 4}, unit)
	res, err := ex.Run(context.Background(), threeAssetBatch(t))
	require.NoError(t, err, "one failure out of three stays under the default threshold")

	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Outcomes["GOOG"][0].Failed())
	assert.True(t, series.IsComputationError(res.Outcomes["GOOG"][0].Err))
	assert.False(t, res.Outcomes["AAPL"][0].Failed())
	assert.False(t, res.Outcomes["MSFT"][0].Failed())

	spec := series.WindowSpec{Kind: series.Mean, Window: 5}
	ok := res.SuccessfulResults(spec)
	assert.Len(t, ok, 2)
	assert.NotContains(t, ok, "GOOG")
}

func TestRun_FailureThresholdTrips(t *testing.T) {
	unit := func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		if ts.Asset() != "AAPL" {
			return nil, series.NewComputationError(ts.Asset(), spec, "injected failure")
		}
		return &series.MetricResult{Asset: ts.Asset(), Spec: spec}, nil
	}

	ex := New(Config{Workers: 2, FailureThreshold: 0.5}, unit)
	res, err := ex.Run(context.Background(), threeAssetBatch(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailureThreshold)
	require.NotNil(t, res, "outcome set is still delivered on batch failure")
	assert.Equal(t, 2, res.Failed)
	assert.InDelta(t, 2.0/3.0, res.FailureFraction(), 1e-9)
}

func TestRun_PanicIsolation(t *testing.T) {
	eng := rolling.NewEngine(rolling.Strict)
	unit := func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		if ts.Asset() == "MSFT" {
			panic("kernel bug")
		}
		return eng.Compute(ts, spec)
	}

	ex := New(Config{Workers: 4}, unit)
	res, err := ex.Run(context.Background(), threeAssetBatch(t))
	require.NoError(t, err)

	o := res.Outcomes["MSFT"][0]
	require.True(t, o.Failed())
	assert.True(t, series.IsExecutionError(o.Err))
	assert.Contains(t, o.Err.Error(), "panic")
	assert.False(t, res.Outcomes["AAPL"][0].Failed())
	assert.False(t, res.Outcomes["GOOG"][0].Failed())
}

func TestRun_UnitTimeout(t *testing.T) {
	eng := rolling.NewEngine(rolling.Strict)
	unit := func(ctx context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		if ts.Asset() == "GOOG" {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
		return eng.Compute(ts, spec)
	}

	ex := New(Config{Workers: 4, UnitTimeout: 20 * time.Millisecond}, unit)
	res, err := ex.Run(context.Background(), threeAssetBatch(t))
	require.NoError(t, err)

	o := res.Outcomes["GOOG"][0]
	require.True(t, o.Failed())
	assert.True(t, series.IsExecutionError(o.Err))
	assert.ErrorIs(t, o.Err, context.DeadlineExceeded)
	assert.False(t, res.Outcomes["AAPL"][0].Failed())
}

func TestRun_BatchTimeoutDropsUnstarted(t *testing.T) {
	block := make(chan struct{})
	unit := func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		// Simulates an uninterruptible kernel: ignores ctx entirely.
		<-block
		return &series.MetricResult{Asset: ts.Asset(), Spec: spec}, nil
	}
	defer close(block)

	ex := New(Config{Workers: 1, BatchTimeout: 30 * time.Millisecond}, unit)
	res, err := ex.Run(context.Background(), threeAssetBatch(t))
	require.NoError(t, err, "cancellation is per-unit, not a hard batch error")

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Failed)
	for _, asset := range res.Assets {
		o := res.Outcomes[asset][0]
		require.True(t, o.Failed(), "asset %s", asset)
		assert.True(t, series.IsExecutionError(o.Err))
	}
}

func TestRun_ValidationBeforeScheduling(t *testing.T) {
	var calls atomic.Int64
	unit := func(_ context.Context, ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
		calls.Add(1)
		return &series.MetricResult{Asset: ts.Asset(), Spec: spec}, nil
	}
	ex := New(Config{Workers: 2}, unit)
	ctx := context.Background()

	_, err := ex.Run(ctx, Batch{Specs: []series.WindowSpec{{Kind: series.Mean, Window: 2}}})
	assert.True(t, series.IsDataError(err), "empty inputs")

	_, err = ex.Run(ctx, Batch{Inputs: map[string]*series.TimeSeries{"A": makeSeries(t, "A", 1, 2)}})
	assert.True(t, series.IsConfigError(err), "no specs")

	_, err = ex.Run(ctx, Batch{
		Inputs: map[string]*series.TimeSeries{"A": makeSeries(t, "A", 1, 2)},
		Specs:  []series.WindowSpec{{Kind: series.Mean, Window: 0}},
	})
	assert.True(t, series.IsConfigError(err), "invalid window")

	_, err = ex.Run(ctx, Batch{
		Inputs: map[string]*series.TimeSeries{"A": nil},
		Specs:  []series.WindowSpec{{Kind: series.Mean, Window: 2}},
	})
	assert.True(t, series.IsDataError(err), "nil series")

	_, err = ex.Run(ctx, Batch{
		Inputs: map[string]*series.TimeSeries{"B": makeSeries(t, "A", 1, 2)},
		Specs:  []series.WindowSpec{{Kind: series.Mean, Window: 2}},
	})
	assert.True(t, series.IsDataError(err), "asset key mismatch")

	assert.Equal(t, int64(0), calls.Load(), "no unit may run before validation passes")
}

func TestRun_MultipleSpecsPerAsset(t *testing.T) {
	batch := threeAssetBatch(t)
	batch.Specs = []series.WindowSpec{
		{Kind: series.Mean, Window: 5},
		{Kind: series.Stddev, Window: 5},
		{Kind: series.Sharpe, Window: 4},
	}

	ex := New(Config{Workers: 8}, engineUnit())
	res, err := ex.Run(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, 9, res.Total)
	for _, asset := range res.Assets {
		require.Len(t, res.Outcomes[asset], 3)
		// Spec order within an asset matches input order.
		for i, spec := range batch.Specs {
			assert.Equal(t, spec, res.Outcomes[asset][i].Spec)
		}
	}
}

func TestRun_ContextCancelledUpfront(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ex := New(Config{Workers: 2}, engineUnit())
	res, err := ex.Run(ctx, threeAssetBatch(t))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Failed)
	for _, asset := range res.Assets {
		assert.True(t, errors.Is(res.Outcomes[asset][0].Err, context.Canceled))
	}
}
