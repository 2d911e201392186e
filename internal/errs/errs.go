// Package errs holds the error taxonomy shared by the modeling packages.
//
// Leaf packages (adstock, saturation, optimizer) wrap these sentinels so that
// callers can classify failures with errors.Is regardless of origin.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter marks out-of-domain inputs. Never clamped silently.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotFitted is returned by query operations on a model without a posterior.
	ErrNotFitted = errors.New("model is not fitted")

	// ErrMissingColumn marks a requested channel or column absent from the input.
	ErrMissingColumn = errors.New("missing column")

	// ErrFitFailed marks a sampler or curve-fit failure.
	ErrFitFailed = errors.New("fit failed")
)

// Invalid wraps ErrInvalidParameter with a formatted reason.
func Invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// MissingColumnError names the absent field.
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing column: %q", e.Column)
}

func (e *MissingColumnError) Is(target error) bool {
	return target == ErrMissingColumn
}

// Missing returns a MissingColumnError for column.
func Missing(column string) error {
	return &MissingColumnError{Column: column}
}

// FitError reports a failed fit together with whatever diagnostics were
// computed before the failure. Diagnostics may be nil.
type FitError struct {
	Stage       string
	Diagnostics interface{}
	Err         error
}

func (e *FitError) Error() string {
	return fmt.Sprintf("fit failed during %s: %v", e.Stage, e.Err)
}

func (e *FitError) Unwrap() error {
	return e.Err
}

func (e *FitError) Is(target error) bool {
	return target == ErrFitFailed
}
