package portfolio

import (
	"math"
	"sort"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// WeightEpsilon is the tolerance for the sum-to-one weight invariant.
const WeightEpsilon = 1e-6

// Weights maps assets to portfolio weights, either statically for the whole
// series or additionally keyed by timestamp for a time-varying scheme.
// Immutable after construction.
type Weights struct {
	static map[string]float64
	timed  map[int64]map[string]float64
}

// NewStaticWeights builds a static weight set. The map is copied.
func NewStaticWeights(static map[string]float64) *Weights {
	return &Weights{static: copyWeights(static)}
}

// NewTimeVaryingWeights builds a weight set where timed entries override
// the static fallback at their timestamp. Both maps are copied.
func NewTimeVaryingWeights(static map[string]float64, timed map[int64]map[string]float64) *Weights {
	w := &Weights{static: copyWeights(static)}
	if len(timed) > 0 {
		w.timed = make(map[int64]map[string]float64, len(timed))
		for ts, m := range timed {
			w.timed[ts] = copyWeights(m)
		}
	}
	return w
}

// EqualWeights assigns 1/n to each asset.
func EqualWeights(assets []string) *Weights {
	m := make(map[string]float64, len(assets))
	n := float64(len(assets))
	for _, a := range assets {
		m[a] = 1 / n
	}
	return &Weights{static: m}
}

// At returns the weight map in effect at the given timestamp. Callers must
// not modify the returned map.
func (w *Weights) At(ts int64) map[string]float64 {
	if w.timed != nil {
		if m, ok := w.timed[ts]; ok {
			return m
		}
	}
	return w.static
}

// Assets returns the sorted union of all assets carrying a weight.
func (w *Weights) Assets() []string {
	set := make(map[string]struct{}, len(w.static))
	for a := range w.static {
		set[a] = struct{}{}
	}
	for _, m := range w.timed {
		for a := range m {
			set[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every weight map sums to 1 within WeightEpsilon and
// contains only finite weights. Returns a *ConfigError on violation.
func (w *Weights) Validate() error {
	if len(w.static) == 0 && len(w.timed) == 0 {
		return series.NewConfigError("weight set is empty")
	}
	if len(w.static) > 0 {
		if err := validateWeightMap(w.static, -1); err != nil {
			return err
		}
	}
	for ts, m := range w.timed {
		if err := validateWeightMap(m, ts); err != nil {
			return err
		}
	}
	return nil
}

func validateWeightMap(m map[string]float64, ts int64) error {
	sum := 0.0
	for asset, weight := range m {
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			return series.NewConfigError("weight for %q is not finite", asset)
		}
		sum += weight
	}
	if math.Abs(sum-1) > WeightEpsilon {
		if ts >= 0 {
			return series.NewConfigError("weights at timestamp %d sum to %v, want 1 within %v", ts, sum, WeightEpsilon)
		}
		return series.NewConfigError("static weights sum to %v, want 1 within %v", sum, WeightEpsilon)
	}
	return nil
}

func copyWeights(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
