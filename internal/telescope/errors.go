package telescope

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error taxonomy. Only ErrInvalidPlaneID and ErrCorrelationFailure are fatal;
// the others are recovered per candidate or reported as warnings.
var (
	// ErrInvalidPlaneID reports a plane id unknown to the geometry.
	ErrInvalidPlaneID = errors.New("invalid plane id")
	// ErrCorrelationFailure reports that the bootstrap correlator found no
	// usable correlation between adjacent planes.
	ErrCorrelationFailure = errors.New("correlation failure")
	// ErrUnderconstrainedTrack reports a candidate with too few matched planes
	// to produce a fit.
	ErrUnderconstrainedTrack = errors.New("underconstrained track")
	// ErrAlignmentNonConvergence reports that alignment hit its iteration
	// limit before the residual threshold was met.
	ErrAlignmentNonConvergence = errors.New("alignment did not converge")
)

// PlaneError attaches a plane id to an error.
type PlaneError struct {
	PlaneID int
	Err     error
}

func (e *PlaneError) Error() string {
	return fmt.Sprintf("plane %d: %v", e.PlaneID, e.Err)
}

func (e *PlaneError) Unwrap() error { return e.Err }

// UnderconstrainedError records why a candidate could not be fitted.
type UnderconstrainedError struct {
	EventID  int64
	Matched  int
	Required int
	Stage    string // "input" or "outlier rejection"
}

func (e *UnderconstrainedError) Error() string {
	return fmt.Sprintf("event %d: %v after %s: %d matched planes, need %d",
		e.EventID, ErrUnderconstrainedTrack, e.Stage, e.Matched, e.Required)
}

func (e *UnderconstrainedError) Unwrap() error { return ErrUnderconstrainedTrack }

// NonConvergenceError carries the residual magnitudes left when the
// alignment loop stopped at its iteration limit.
type NonConvergenceError struct {
	Iterations     int
	Threshold      float64
	MaxResidual    float64
	PlaneResiduals map[int]float64 // plane id -> |mean residual|
}

func (e *NonConvergenceError) Error() string {
	ids := make([]int, 0, len(e.PlaneResiduals))
	for id := range e.PlaneResiduals {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d=%.3g", id, e.PlaneResiduals[id]))
	}
	return fmt.Sprintf("%v after %d iterations: max residual %.3g > threshold %.3g (planes: %s)",
		ErrAlignmentNonConvergence, e.Iterations, e.MaxResidual, e.Threshold, strings.Join(parts, " "))
}

func (e *NonConvergenceError) Unwrap() error { return ErrAlignmentNonConvergence }
