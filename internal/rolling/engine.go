package rolling

import (
	"math"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// ---------------------------------------------------------------------------
// MissingPolicy
// ---------------------------------------------------------------------------

// MissingPolicy controls how missing observations inside a window affect
// the output. One policy applies uniformly to every metric kind.
type MissingPolicy uint8

const (
	// Strict propagates: any missing observation inside the current window
	// marks the output for that position missing. Default.
	Strict MissingPolicy = iota
	// Shrink drops missing observations and computes over the remaining
	// valid entries. Metrics needing dispersion (stddev, sharpe) still
	// report missing when fewer than 2 valid entries remain.
	Shrink
)

func (p MissingPolicy) String() string {
	if p == Shrink {
		return "shrink"
	}
	return "strict"
}

// ParseMissingPolicy converts a config string to a MissingPolicy.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch s {
	case "", "strict":
		return Strict, nil
	case "shrink":
		return Shrink, nil
	default:
		return 0, series.NewConfigError("unknown missing policy %q", s)
	}
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine computes one windowed metric series for one asset. Compute is a
// pure function of its inputs: the engine holds only immutable policy and
// may be shared freely across goroutines.
type Engine struct {
	policy MissingPolicy
}

// NewEngine creates a rolling-metric engine with the given missing policy.
func NewEngine(policy MissingPolicy) *Engine {
	return &Engine{policy: policy}
}

// Compute produces the MetricResult for (ts, spec).
//
// Output layout: one point per raw input position during warm-up (flagged
// warmup), then one point per Step-th valid window end. Positions whose
// window contains a missing observation follow the engine's MissingPolicy.
// A non-finite intermediate (zero-variance Sharpe denominator) marks that
// position failed rather than aborting the computation.
func (e *Engine) Compute(ts *series.TimeSeries, spec series.WindowSpec) (*series.MetricResult, error) {
	if ts == nil {
		return nil, series.NewDataError("nil series")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	raw := ts.Points()

	// Composite metrics consume a derived series: simple returns for
	// Sharpe, the cumulative-return curve (built from returns per window)
	// for drawdown. The derivation is internal per asset; it is never
	// assumed to be pre-computed.
	var source []series.Value
	var offset int // raw index of source[0]
	switch spec.Kind {
	case series.Sharpe, series.Drawdown:
		source = deriveReturns(raw)
		offset = 1
	default:
		source = raw
	}

	firstValid := spec.Window - 1 + offset // raw index of the first full window
	step := spec.EffectiveStep()

	points := make([]series.Value, 0, len(raw))

	// Warm-up span: explicit markers, never zero or a silently-wrong number.
	for i := 0; i < firstValid && i < len(raw); i++ {
		points = append(points, series.Value{Timestamp: raw[i].Timestamp, Flag: series.FlagWarmup})
	}

	w := newWindow(spec.Window)
	emitted := 0
	for j := 0; j < len(source); j++ {
		w.push(source[j])
		if !w.full() {
			continue
		}

		i := j + offset // raw index of this window end
		if (i-firstValid)%step != 0 {
			continue
		}

		points = append(points, e.evaluate(w, spec, raw[i].Timestamp))
		emitted++
	}

	return &series.MetricResult{Asset: ts.Asset(), Spec: spec, Points: points}, nil
}

// evaluate computes the output point for the current full window.
func (e *Engine) evaluate(w *window, spec series.WindowSpec, timestamp int64) series.Value {
	out := series.Value{Timestamp: timestamp}

	if w.hasMissing() {
		if e.policy == Strict {
			out.Flag = series.FlagMissing
			return out
		}
		// Shrink: fall through and compute over the valid entries.
	}

	switch spec.Kind {
	case series.Mean:
		if w.validCount() < 1 {
			out.Flag = series.FlagMissing
			return out
		}
		out.V = w.stats.mean

	case series.Stddev:
		// Sample stddev is undefined below 2 observations.
		if w.validCount() < 2 {
			out.Flag = series.FlagMissing
			return out
		}
		out.V = w.stats.stddev()

	case series.Sharpe:
		if w.validCount() < 2 {
			out.Flag = series.FlagMissing
			return out
		}
		sd := w.stats.stddev()
		if sd == 0 {
			// Zero-variance denominator: undefined ratio. The position is
			// marked failed, never propagated as a crash or an Inf.
			out.Flag = series.FlagFailed
			return out
		}
		out.V = w.stats.mean / sd

	case series.Drawdown:
		if w.validCount() < 1 {
			out.Flag = series.FlagMissing
			return out
		}
		out.V = windowDrawdown(w)
	}

	if math.IsNaN(out.V) || math.IsInf(out.V, 0) {
		out.V = 0
		out.Flag = series.FlagFailed
	}
	return out
}
