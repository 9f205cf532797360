package telescope

import "math"

// Hit is one cluster position on one plane, in the plane's local frame.
// Hits are produced by the upstream clusterer and never modified here.
type Hit struct {
	PlaneID int
	X       float64
	Y       float64
	Charge  float64 // opaque to reconstruction
	Size    int     // cluster size in pixels, opaque to reconstruction
}

// Event groups the hits recorded for one trigger, keyed by plane id.
type Event struct {
	ID   int64
	Hits map[int][]Hit
}

// PlaneHits returns the hits recorded on planeID, or nil.
func (e *Event) PlaneHits(planeID int) []Hit {
	if e.Hits == nil {
		return nil
	}
	return e.Hits[planeID]
}

// NumHits returns the total number of hits across all planes.
func (e *Event) NumHits() int {
	n := 0
	for _, hits := range e.Hits {
		n += len(hits)
	}
	return n
}

// HitRef is a hit together with its position in the event's per-plane list,
// which identifies it for duplicate resolution.
type HitRef struct {
	Hit   Hit
	Index int
}

// TrackCandidate is a tentative association of at most one hit per plane.
// Hits is indexed by plane index in z order; nil marks an unmatched plane.
type TrackCandidate struct {
	EventID      int64
	Hits         []*HitRef
	SeedResidual float64 // total positional residual to the seed line
}

// NumMatched returns the number of planes carrying a hit.
func (c *TrackCandidate) NumMatched() int {
	n := 0
	for _, h := range c.Hits {
		if h != nil {
			n++
		}
	}
	return n
}

// Clone returns a copy that can be modified without affecting c.
func (c *TrackCandidate) Clone() *TrackCandidate {
	out := &TrackCandidate{
		EventID:      c.EventID,
		Hits:         make([]*HitRef, len(c.Hits)),
		SeedResidual: c.SeedResidual,
	}
	for i, h := range c.Hits {
		if h != nil {
			ref := *h
			out.Hits[i] = &ref
		}
	}
	return out
}

// WithoutPlane returns a copy of c with the hit at plane index i removed.
func (c *TrackCandidate) WithoutPlane(i int) *TrackCandidate {
	out := c.Clone()
	if i >= 0 && i < len(out.Hits) {
		out.Hits[i] = nil
	}
	return out
}

// State is a straight-line track state at one z position.
type State struct {
	X      float64
	Y      float64
	SlopeX float64
	SlopeY float64
}

// PlaneState is the smoothed track estimate at one plane.
type PlaneState struct {
	PlaneID int
	Z       float64
	State

	// Covariance of (x, y, slopeX, slopeY), 4x4 row-major.
	Covariance [16]float64

	// Measured position in the global frame; valid when Matched or Outlier.
	HitX, HitY float64

	// Measured minus smoothed prediction.
	ResidualX, ResidualY float64
	// Measured minus the prediction from all other planes, with its variance.
	UnbiasedResidualX, UnbiasedResidualY float64
	UnbiasedVarianceX, UnbiasedVarianceY float64
	// Residual over its expected sigma.
	PullX, PullY float64

	Matched bool
	// Outlier marks a hit that belonged to the candidate but was dropped by
	// outlier rejection; its residuals are still reported.
	Outlier bool
}

// HasMeasurement reports whether a hit was associated with this plane,
// including hits later rejected as outliers.
func (p *PlaneState) HasMeasurement() bool {
	return p.Matched || p.Outlier
}

// FittedTrack is the smoothed trajectory for one candidate.
// It is immutable once returned by the fitter.
type FittedTrack struct {
	EventID        int64
	ReferencePlane int // plane id at which Reference is evaluated
	Reference      State
	Planes         []PlaneState // z order
	ChiSquare      float64
	NDF            int
}

// ChiSquareOverNDF returns the fit quality, or +Inf when ndf is not positive.
func (t *FittedTrack) ChiSquareOverNDF() float64 {
	if t.NDF <= 0 {
		return math.Inf(1)
	}
	return t.ChiSquare / float64(t.NDF)
}

// NumMatched returns the number of planes whose hit contributed to the fit.
func (t *FittedTrack) NumMatched() int {
	n := 0
	for i := range t.Planes {
		if t.Planes[i].Matched {
			n++
		}
	}
	return n
}

// Plane returns the state at planeID.
func (t *FittedTrack) Plane(planeID int) (PlaneState, bool) {
	for _, p := range t.Planes {
		if p.PlaneID == planeID {
			return p, true
		}
	}
	return PlaneState{}, false
}
