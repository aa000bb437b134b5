package api

import "errors"

// Benign signals. These are sentinel values checked with errors.Is; none
// of them indicates a fault in the engine itself.
var (
	// ErrNoActiveExperiment means the site has no running experiment;
	// the caller serves control content with no tracking.
	ErrNoActiveExperiment = errors.New("no active experiment")

	// ErrInsufficientData means the variants have not accumulated
	// enough visitors to evaluate. Not an error, a no-op signal.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrConcurrentCycle means an optimization cycle for the site is
	// already in flight; the overlapping trigger is dropped, not queued.
	ErrConcurrentCycle = errors.New("cycle already in flight")

	// ErrExperimentNotFound means the referenced experiment or variant
	// does not exist.
	ErrExperimentNotFound = errors.New("experiment not found")

	// ErrConversionWithoutVisitor means a conversion would push a
	// variant's conversion count past its visitor count. Conversions
	// come from counted visitors; anything else is misrouted.
	ErrConversionWithoutVisitor = errors.New("conversions cannot exceed visitors")
)
