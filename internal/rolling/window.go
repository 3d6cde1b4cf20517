package rolling

import (
	"math"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// ---------------------------------------------------------------------------
// Incremental window statistics
// ---------------------------------------------------------------------------

// welford accumulates mean and M2 (sum of squared deviations) over the
// valid values currently inside the window, supporting O(1) add and remove.
// The Welford-style formulation avoids the cancellation error a plain
// sum/sum-of-squares pair accumulates over long series.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

// remove inverts add for a value known to be inside the accumulated set.
func (w *welford) remove(x float64) {
	if w.n <= 1 {
		*w = welford{}
		return
	}
	n := float64(w.n)
	meanPrev := (n*w.mean - x) / (n - 1)
	w.m2 -= (x - meanPrev) * (x - w.mean)
	w.mean = meanPrev
	w.n--
	// Guard against tiny negative M2 from floating-point round-off.
	if w.m2 < 0 {
		w.m2 = 0
	}
}

// variance returns the sample variance (Bessel's correction).
// Zero when fewer than 2 values are accumulated.
func (w *welford) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}

func (w *welford) stddev() float64 {
	return math.Sqrt(w.variance())
}

// ---------------------------------------------------------------------------
// Sliding source window
// ---------------------------------------------------------------------------

// window is a fixed-capacity ring over the source series feeding a kernel.
// It tracks the count of missing entries currently inside, so the strict
// propagation check is O(1), and keeps valid-value statistics via welford.
type window struct {
	capacity int
	ring     []series.Value
	head     int
	count    int
	missing  int
	stats    welford
}

func newWindow(capacity int) *window {
	return &window{
		capacity: capacity,
		ring:     make([]series.Value, capacity),
	}
}

// push adds v to the window, retiring the oldest entry once full.
func (w *window) push(v series.Value) {
	if w.count == w.capacity {
		old := w.ring[w.head]
		if old.Valid() {
			w.stats.remove(old.V)
		} else {
			w.missing--
		}
		w.count--
	}

	w.ring[w.head] = v
	w.head = (w.head + 1) % w.capacity
	w.count++

	if v.Valid() {
		w.stats.add(v.V)
	} else {
		w.missing++
	}
}

// full reports whether the window holds capacity entries.
func (w *window) full() bool { return w.count == w.capacity }

// hasMissing reports whether any entry inside the window is missing.
func (w *window) hasMissing() bool { return w.missing > 0 }

// validCount returns the number of valid entries inside the window.
func (w *window) validCount() int { return w.stats.n }

// each calls fn for every entry in chronological order.
func (w *window) each(fn func(v series.Value)) {
	start := (w.head - w.count + w.capacity) % w.capacity
	for i := 0; i < w.count; i++ {
		fn(w.ring[(start+i)%w.capacity])
	}
}

// ---------------------------------------------------------------------------
// Derived series
// ---------------------------------------------------------------------------

// deriveReturns computes the simple-returns series from raw observations.
// Returns[i] corresponds to raw index i+1. A return is missing when either
// endpoint is missing or the base price is zero (the division would be
// non-finite, so the point is unusable rather than wrong).
func deriveReturns(points []series.Value) []series.Value {
	if len(points) < 2 {
		return nil
	}
	out := make([]series.Value, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		v := series.Value{Timestamp: cur.Timestamp, Flag: series.FlagMissing}
		if prev.Valid() && cur.Valid() && prev.V != 0 {
			v.V = (cur.V - prev.V) / prev.V
			v.Flag = series.FlagValid
		}
		out[i-1] = v
	}
	return out
}

// windowDrawdown computes the maximum peak-to-trough decline, as a positive
// fraction of the peak, of the cumulative-return curve built from the
// returns currently inside the window. Missing entries are assumed to have
// been handled by the caller's policy; any still present are skipped.
// Returns 0 for an empty curve.
func windowDrawdown(w *window) float64 {
	cum := 1.0
	peak := 1.0
	maxDD := 0.0

	w.each(func(v series.Value) {
		if !v.Valid() {
			return
		}
		cum *= 1 + v.V
		if cum > peak {
			peak = cum
		}
		if peak > 0 {
			dd := (peak - cum) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	})

	return maxDD
}
