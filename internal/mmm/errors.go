package mmm

import "github.com/fractal-lba/mmm/internal/errs"

// Error conditions returned by this package. They alias the shared sentinels
// so callers can match either.
var (
	ErrInvalidParameter = errs.ErrInvalidParameter
	ErrNotFitted        = errs.ErrNotFitted
	ErrMissingColumn    = errs.ErrMissingColumn
	ErrFitFailed        = errs.ErrFitFailed
)

// FitError reports a failed fit with the diagnostics computed so far.
type FitError = errs.FitError

// MissingColumnError names an absent channel, control or outcome column.
type MissingColumnError = errs.MissingColumnError
