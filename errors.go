package openfalciparum

import (
	"fmt"

	"github.com/pkg/errors"
)

// Test-message format constants shared across the test suite's
// table-driven assertions.
const (
	UnequalFloatParameterError  = "expected %s %f, instead got %f"
	UnequalIntParameterError    = "expected %s %d, instead got %d"
	UnequalStringParameterError = "expected %s %s, instead got %s"
	UnexpectedErrorWhileError   = "encountered error while %s: %s"
	ExpectedErrorWhileError     = "expected an error while %s, instead got none"
)

// Kind classifies a core error per §7 of the design: scenario, checkpoint,
// numerical, range, or I/O. The driver inspects Kind to decide whether a
// diagnostic state dump is warranted and to pick the process exit code.
type Kind int

const (
	// KindScenario covers invalid or inconsistent scenario input.
	KindScenario Kind = iota
	// KindCheckpoint covers a corrupt or mismatched checkpoint stream.
	KindCheckpoint
	// KindNumerical covers fitter non-convergence, quadrature failure,
	// or a NaN surfacing from the vector engine.
	KindNumerical
	// KindRange covers a fatal range violation (e.g. cumulative
	// probability overflow in a decision branch). Infection-list
	// overflow is NOT a KindRange error: it is silently truncated by
	// contract (§4.3 step 2) and never reaches this type.
	KindRange
	// KindIO covers failure to open an input or output stream.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindScenario:
		return "scenario"
	case KindCheckpoint:
		return "checkpoint"
	case KindNumerical:
		return "numerical"
	case KindRange:
		return "range"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// CoreError is a located, kind-tagged error. Location is an XPath-like
// string for scenario errors, a field name for checkpoint errors, or the
// array/quantity name for numerical and range errors.
type CoreError struct {
	Kind     Kind
	Location string
	cause    error
}

func (e *CoreError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s error at %s: %s", e.Kind, e.Location, e.cause)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.cause)
}

func (e *CoreError) Unwrap() error { return e.cause }

// newCoreError wraps cause with pkg/errors so a stack trace is attached.
func newCoreError(kind Kind, location string, cause error) *CoreError {
	return &CoreError{Kind: kind, Location: location, cause: errors.WithStack(cause)}
}

// ScenarioErrorf builds a fatal scenario error located at an XPath-like path.
func ScenarioErrorf(path, format string, args ...interface{}) error {
	return newCoreError(KindScenario, path, fmt.Errorf(format, args...))
}

// CheckpointErrorf builds a fatal checkpoint-stream error.
func CheckpointErrorf(field, format string, args ...interface{}) error {
	return newCoreError(KindCheckpoint, field, fmt.Errorf(format, args...))
}

// NumericalErrorf builds a fatal numerical error. It carries only the
// location and message; no dump of the offending state is written with it.
func NumericalErrorf(where, format string, args ...interface{}) error {
	return newCoreError(KindNumerical, where, fmt.Errorf(format, args...))
}

// RangeErrorf builds a fatal range error (probability overflow etc.).
func RangeErrorf(where, format string, args ...interface{}) error {
	return newCoreError(KindRange, where, fmt.Errorf(format, args...))
}

// IOErrorf builds a fatal I/O error.
func IOErrorf(where, format string, args ...interface{}) error {
	return newCoreError(KindIO, where, fmt.Errorf(format, args...))
}
