package series

import (
	"errors"
	"fmt"
)

// Error taxonomy. DataError and ConfigError are validated eagerly and fail
// a batch before any work is scheduled. ComputationError and ExecutionError
// are isolated to a single (asset, WindowSpec) unit's Outcome.

// DataError marks malformed input data (unsorted, duplicate timestamps,
// bad source rows). Hard batch failure, no partial results.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string { return "data error: " + e.Reason }

func newDataError(format string, args ...any) *DataError {
	return &DataError{Reason: fmt.Sprintf(format, args...)}
}

// NewDataError builds a DataError from a format string.
func NewDataError(format string, args ...any) *DataError {
	return newDataError(format, args...)
}

// ConfigError marks an invalid WindowSpec, weight set, or engine
// configuration. Hard batch failure, no partial results.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

func newConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// NewConfigError builds a ConfigError from a format string.
func NewConfigError(format string, args ...any) *ConfigError {
	return newConfigError(format, args...)
}

// ComputationError marks a wholesale numeric failure of one unit's kernel.
// The built-in rolling kernels never return it: they resolve non-finite
// intermediates as Failed-flagged positions inside a successful result. It
// is the category a UnitFunc returns when a whole computation is unusable,
// and the executor captures it in that unit's Outcome only.
type ComputationError struct {
	Asset  string
	Spec   WindowSpec
	Reason string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computation error: %s %s: %s", e.Asset, e.Spec, e.Reason)
}

// NewComputationError builds a ComputationError for one unit.
func NewComputationError(asset string, spec WindowSpec, format string, args ...any) *ComputationError {
	return &ComputationError{Asset: asset, Spec: spec, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError marks a worker-level failure for one unit: panic, unit
// timeout, or batch cancellation before the unit started.
type ExecutionError struct {
	Asset  string
	Spec   WindowSpec
	Reason string
	Cause  error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("execution error: %s %s: %s: %v", e.Asset, e.Spec, e.Reason, e.Cause)
	}
	return fmt.Sprintf("execution error: %s %s: %s", e.Asset, e.Spec, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// NewExecutionError builds an ExecutionError for one unit.
func NewExecutionError(asset string, spec WindowSpec, cause error, format string, args ...any) *ExecutionError {
	return &ExecutionError{Asset: asset, Spec: spec, Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// IsDataError reports whether err is (or wraps) a DataError.
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsComputationError reports whether err is (or wraps) a ComputationError.
func IsComputationError(err error) bool {
	var ce *ComputationError
	return errors.As(err, &ce)
}

// IsExecutionError reports whether err is (or wraps) an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
