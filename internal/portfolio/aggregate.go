package portfolio

import (
	"math"
	"sort"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// ---------------------------------------------------------------------------
// Alignment
// ---------------------------------------------------------------------------

// Alignment selects how per-asset result timestamps combine into the
// portfolio timeline.
type Alignment uint8

const (
	// Intersection keeps only timestamps every contributing result emitted.
	// Default.
	Intersection Alignment = iota
	// FillForward uses the union of timestamps and carries each asset's
	// last valid value forward, bounded by the configured staleness.
	FillForward
)

func (a Alignment) String() string {
	if a == FillForward {
		return "fill_forward"
	}
	return "intersection"
}

// ParseAlignment converts a config string to an Alignment.
func ParseAlignment(s string) (Alignment, error) {
	switch s {
	case "", "intersection":
		return Intersection, nil
	case "fill_forward":
		return FillForward, nil
	default:
		return 0, series.NewConfigError("unknown alignment policy %q", s)
	}
}

// ---------------------------------------------------------------------------
// Aggregator
// ---------------------------------------------------------------------------

// Config holds the aggregation policy knobs.
type Config struct {
	// Alignment policy; applied uniformly to the whole run.
	Alignment Alignment
	// MaxStaleness bounds fill-forward: a value older than this many output
	// periods is not usable. Ignored under Intersection. 0 means no bound.
	MaxStaleness int
	// Renormalize, when true, rescales the weights of the assets present
	// at a timestamp to sum to 1. When false the run is strict: uncovered
	// assets in the weight set are a ConfigError, and timestamps whose
	// present weights do not sum to 1 are omitted as explicit gaps rather
	// than emitted with diluted exposure.
	Renormalize bool
}

// Aggregated is the portfolio-level metric series plus the assets that
// contributed to it, in canonical order.
type Aggregated struct {
	Spec   series.WindowSpec `json:"spec"`
	Assets []string          `json:"assets"`
	Points []series.Value    `json:"points"`
}

// Aggregator combines per-asset MetricResults into one portfolio series
// under a weighting scheme. Stateless and safe for concurrent use.
type Aggregator struct {
	cfg Config
}

// NewAggregator creates an aggregator with the given policy.
func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate merges the successful per-asset results. Assets with failed
// Outcomes must already be excluded by the caller (the executor's
// SuccessfulResults does this); they are never treated as zero.
//
// All arithmetic is float64 and summation follows canonical (sorted) asset
// order, so output is reproducible across runs and worker counts.
func (a *Aggregator) Aggregate(results map[string]*series.MetricResult, w *Weights) (*Aggregated, error) {
	if len(results) == 0 {
		return nil, series.NewDataError("no successful results to aggregate")
	}
	if w == nil {
		return nil, series.NewConfigError("nil weight set")
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	assets := make([]string, 0, len(results))
	var spec series.WindowSpec
	for asset, res := range results {
		if res == nil {
			return nil, series.NewDataError("nil result for asset %q", asset)
		}
		if len(assets) == 0 {
			spec = res.Spec
		} else if res.Spec != spec {
			return nil, series.NewConfigError("mixed window specs in one aggregation: %s vs %s", spec, res.Spec)
		}
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	// Strict runs require the weight set to cover every asset with data.
	if !a.cfg.Renormalize {
		for _, asset := range assets {
			if _, ok := w.static[asset]; !ok && !coveredByTimed(w, asset) {
				return nil, series.NewConfigError("strict aggregation: asset %q has data but no weight", asset)
			}
		}
	}

	timeline := a.timeline(assets, results)
	values := a.alignValues(assets, results, timeline)

	points := make([]series.Value, 0, len(timeline))
	for ti, ts := range timeline {
		wm := w.At(ts)

		// Canonical-order summation over the assets valid at this
		// timestamp and covered by the weight map.
		var sum, wsum float64
		contributors := 0
		for ai, asset := range assets {
			v := values[ai][ti]
			if !v.Valid() {
				continue
			}
			weight, ok := wm[asset]
			if !ok {
				continue
			}
			sum += weight * v.V
			wsum += weight
			contributors++
		}

		if contributors == 0 {
			continue // nothing to report at this timestamp
		}

		switch {
		case a.cfg.Renormalize:
			if math.Abs(wsum) <= WeightEpsilon {
				continue // present weights cancel out; renormalizing would divide by ~0
			}
			points = append(points, series.Value{Timestamp: ts, V: sum / wsum})
		default:
			// Strict: partial coverage is an explicit gap, never a
			// silently diluted exposure.
			if math.Abs(wsum-1) > WeightEpsilon {
				continue
			}
			points = append(points, series.Value{Timestamp: ts, V: sum})
		}
	}

	return &Aggregated{Spec: spec, Assets: assets, Points: points}, nil
}

// timeline builds the ascending output timestamp set per the alignment
// policy: intersection or union of the per-asset emitted timestamps.
func (a *Aggregator) timeline(assets []string, results map[string]*series.MetricResult) []int64 {
	counts := make(map[int64]int)
	for _, asset := range assets {
		for _, p := range results[asset].Points {
			counts[p.Timestamp]++
		}
	}

	need := 1 // union
	if a.cfg.Alignment == Intersection {
		need = len(assets)
	}

	out := make([]int64, 0, len(counts))
	for ts, n := range counts {
		if n >= need {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// alignValues resolves, per asset, the value at each timeline position.
// Under FillForward a missing position reuses the last valid value as long
// as it is no more than MaxStaleness output periods old; fill never
// reaches back before an asset's first valid point.
func (a *Aggregator) alignValues(assets []string, results map[string]*series.MetricResult, timeline []int64) [][]series.Value {
	values := make([][]series.Value, len(assets))

	for ai, asset := range assets {
		byTs := make(map[int64]series.Value, len(results[asset].Points))
		for _, p := range results[asset].Points {
			byTs[p.Timestamp] = p
		}

		row := make([]series.Value, len(timeline))
		lastValidIdx := -1
		var lastValid series.Value

		for ti, ts := range timeline {
			p, ok := byTs[ts]
			if ok && p.Valid() {
				row[ti] = p
				lastValidIdx, lastValid = ti, p
				continue
			}

			if a.cfg.Alignment == FillForward && lastValidIdx >= 0 {
				age := ti - lastValidIdx
				if a.cfg.MaxStaleness <= 0 || age <= a.cfg.MaxStaleness {
					row[ti] = series.Value{Timestamp: ts, V: lastValid.V}
					continue
				}
			}

			row[ti] = series.Value{Timestamp: ts, Flag: series.FlagMissing}
		}
		values[ai] = row
	}

	return values
}

func coveredByTimed(w *Weights, asset string) bool {
	for _, m := range w.timed {
		if _, ok := m[asset]; ok {
			return true
		}
	}
	return false
}
