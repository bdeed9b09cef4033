package graph

import (
	"errors"
)

var (
	// ErrCycleDetected is returned when a check re-enters a
	// (subject, relation, object) triple already being evaluated on the
	// current path. It indicates a model defect, not a denial.
	ErrCycleDetected = errors.New("a cycle has been detected")

	// ErrResolutionDepthExceeded is returned when the recursion guard trips.
	ErrResolutionDepthExceeded = errors.New("resolution depth exceeded")
)
