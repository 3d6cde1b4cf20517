package series

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// ValueFlag marks the state of a single point in a series.
type ValueFlag uint8

const (
	// FlagValid marks a normal finite observation.
	FlagValid ValueFlag = iota
	// FlagMissing marks an observation that is explicitly absent
	// (blank source field, or missing propagated through a window).
	FlagMissing
	// FlagWarmup marks an output position inside the warm-up span of a
	// windowed metric, before the first full window exists.
	FlagWarmup
	// FlagFailed marks an output position whose computation produced a
	// non-finite intermediate (e.g. zero-variance Sharpe denominator).
	FlagFailed
)

func (f ValueFlag) String() string {
	switch f {
	case FlagValid:
		return "valid"
	case FlagMissing:
		return "missing"
	case FlagWarmup:
		return "warmup"
	case FlagFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Value is a single (timestamp, value) point. Timestamps are Unix
// milliseconds. V is meaningful only when Flag == FlagValid.
type Value struct {
	Timestamp int64     `json:"ts"`
	V         float64   `json:"v"`
	Flag      ValueFlag `json:"flag,omitempty"`
}

// Valid reports whether the point carries a usable number.
func (v Value) Valid() bool { return v.Flag == FlagValid }

// ---------------------------------------------------------------------------
// TimeSeries
// ---------------------------------------------------------------------------

// TimeSeries is an immutable, validated per-asset price series.
// Timestamps are strictly increasing with no duplicates. Points flagged
// FlagMissing are explicit gaps; a non-finite V on a valid point is
// normalized to FlagMissing at construction.
type TimeSeries struct {
	asset       string
	points      []Value
	fingerprint string
}

// NewTimeSeries validates and constructs a TimeSeries. The input slice is
// copied; the caller keeps ownership of points. Returns a *DataError if the
// asset is empty, the series is empty, or timestamps are not strictly
// increasing.
func NewTimeSeries(asset string, points []Value) (*TimeSeries, error) {
	if asset == "" {
		return nil, newDataError("series has empty asset identifier")
	}
	if len(points) == 0 {
		return nil, newDataError("series %q is empty", asset)
	}

	cp := make([]Value, len(points))
	copy(cp, points)

	for i := range cp {
		if i > 0 && cp[i].Timestamp <= cp[i-1].Timestamp {
			return nil, newDataError("series %q: timestamps not strictly increasing at index %d (%d <= %d)",
				asset, i, cp[i].Timestamp, cp[i-1].Timestamp)
		}
		// Normalize non-finite inputs to explicit missing markers so the
		// kernels never see NaN/Inf through a valid point.
		if cp[i].Flag == FlagValid && !isFinite(cp[i].V) {
			cp[i].V = 0
			cp[i].Flag = FlagMissing
		}
		if cp[i].Flag == FlagMissing {
			cp[i].V = 0
		}
	}

	ts := &TimeSeries{asset: asset, points: cp}
	ts.fingerprint = computeFingerprint(asset, cp)
	return ts, nil
}

// Asset returns the asset identifier.
func (t *TimeSeries) Asset() string { return t.asset }

// Len returns the number of points.
func (t *TimeSeries) Len() int { return len(t.points) }

// At returns the point at index i.
func (t *TimeSeries) At(i int) Value { return t.points[i] }

// Points returns the underlying point slice. Callers must not modify it.
func (t *TimeSeries) Points() []Value { return t.points }

// Fingerprint returns the content hash of the series, computed once at
// construction. Two series with identical asset, timestamps, values and
// flags share a fingerprint; any difference changes it.
func (t *TimeSeries) Fingerprint() string { return t.fingerprint }

// computeFingerprint hashes the asset plus every point into a compact
// hex digest. Used as the data component of cache keys so cached results
// self-invalidate when the underlying data changes.
func computeFingerprint(asset string, points []Value) string {
	h := sha256.New()
	h.Write([]byte(asset))

	var buf [17]byte
	for _, p := range points {
		binary.BigEndian.PutUint64(buf[0:8], uint64(p.Timestamp))
		binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(p.V))
		buf[16] = byte(p.Flag)
		h.Write(buf[:])
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ---------------------------------------------------------------------------
// MetricKind / WindowSpec
// ---------------------------------------------------------------------------

// MetricKind identifies a windowed metric. The set is closed: each kind
// carries its own compute rule and required history in the rolling engine.
type MetricKind uint8

const (
	Mean MetricKind = iota
	Stddev
	Sharpe
	Drawdown
)

func (k MetricKind) String() string {
	switch k {
	case Mean:
		return "mean"
	case Stddev:
		return "stddev"
	case Sharpe:
		return "sharpe"
	case Drawdown:
		return "drawdown"
	default:
		return "unknown"
	}
}

// ParseMetricKind converts a config string to a MetricKind.
func ParseMetricKind(s string) (MetricKind, error) {
	switch s {
	case "mean":
		return Mean, nil
	case "stddev":
		return Stddev, nil
	case "sharpe":
		return Sharpe, nil
	case "drawdown":
		return Drawdown, nil
	default:
		return 0, newConfigError("unknown metric kind %q", s)
	}
}

// WindowSpec describes one windowed metric request. It is a comparable
// value type and is used directly as a cache-key component.
type WindowSpec struct {
	Kind   MetricKind `json:"kind"`
	Window int        `json:"window"`
	Step   int        `json:"step"` // 0 is treated as 1
}

// Validate checks the spec parameters. Returns a *ConfigError on violation.
func (s WindowSpec) Validate() error {
	if s.Window < 1 {
		return newConfigError("window spec %s: window length %d < 1", s.Kind, s.Window)
	}
	if s.Step < 0 {
		return newConfigError("window spec %s: step %d < 0", s.Kind, s.Step)
	}
	return nil
}

// EffectiveStep returns the step, defaulting 0 to 1.
func (s WindowSpec) EffectiveStep() int {
	if s.Step <= 0 {
		return 1
	}
	return s.Step
}

// MinHistory returns the number of raw observations needed before the
// first non-warmup output. Sharpe and drawdown consume the derived
// returns series, which starts one observation later than the raw series.
func (s WindowSpec) MinHistory() int {
	switch s.Kind {
	case Sharpe, Drawdown:
		return s.Window + 1
	default:
		return s.Window
	}
}

func (s WindowSpec) String() string {
	return fmt.Sprintf("%s(w=%d,step=%d)", s.Kind, s.Window, s.EffectiveStep())
}

// ---------------------------------------------------------------------------
// MetricResult / Outcome
// ---------------------------------------------------------------------------

// MetricResult is the output of one (asset, WindowSpec) computation:
// one point per raw input position (respecting Step), warm-up positions
// flagged FlagWarmup. Immutable once produced.
type MetricResult struct {
	Asset  string     `json:"asset"`
	Spec   WindowSpec `json:"spec"`
	Points []Value    `json:"points"`
}

// ValidCount returns the number of FlagValid points.
func (r *MetricResult) ValidCount() int {
	n := 0
	for _, p := range r.Points {
		if p.Valid() {
			n++
		}
	}
	return n
}

// Outcome is the per-unit success/failure record of a batch. Exactly one
// of Result and Err is set.
type Outcome struct {
	Asset  string
	Spec   WindowSpec
	Result *MetricResult
	Err    error
}

// Failed reports whether the unit failed.
func (o Outcome) Failed() bool { return o.Err != nil }
