// Package geometry holds the telescope Geometry Model: plane positions along
// the beam axis, their in-plane alignment transforms and intrinsic
// resolutions, plus the local <-> global coordinate transforms.
//
// Alignment transforms change only through ApplyCorrection. Concurrent
// readers should work on a Snapshot taken at the start of an alignment
// iteration.
package geometry

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/testbeam/internal/telescope"
)

// Plane is one detector layer.
type Plane struct {
	ID int
	Z  float64

	// Alignment: local coordinates are rotated by Rotation (radians) and
	// then shifted by (OffsetX, OffsetY) to reach the global frame.
	OffsetX  float64
	OffsetY  float64
	Rotation float64

	// Intrinsic hit resolution (sigma) along the local axes.
	ResolutionX float64
	ResolutionY float64
}

// LocalToGlobal maps a local hit position into the global frame.
func (p Plane) LocalToGlobal(x, y float64) (gx, gy float64) {
	sin, cos := math.Sincos(p.Rotation)
	gx = cos*x - sin*y + p.OffsetX
	gy = sin*x + cos*y + p.OffsetY
	return
}

// GlobalToLocal is the inverse of LocalToGlobal.
func (p Plane) GlobalToLocal(gx, gy float64) (x, y float64) {
	sin, cos := math.Sincos(p.Rotation)
	dx, dy := gx-p.OffsetX, gy-p.OffsetY
	x = cos*dx + sin*dy
	y = -sin*dx + cos*dy
	return
}

// MeasurementCovariance returns the 2x2 global-frame covariance of a hit,
// row-major: the local diagonal resolution rotated into the global frame.
func (p Plane) MeasurementCovariance() [4]float64 {
	sin, cos := math.Sincos(p.Rotation)
	vx := p.ResolutionX * p.ResolutionX
	vy := p.ResolutionY * p.ResolutionY
	xx := cos*cos*vx + sin*sin*vy
	yy := sin*sin*vx + cos*cos*vy
	xy := cos * sin * (vx - vy)
	return [4]float64{xx, xy, xy, yy}
}

// MaxResolution returns the larger of the two resolutions.
func (p Plane) MaxResolution() float64 {
	return math.Max(p.ResolutionX, p.ResolutionY)
}

// Geometry is the ordered set of planes.
type Geometry struct {
	mu     sync.RWMutex
	planes []Plane
	index  map[int]int // plane id -> position in planes
}

// New builds a Geometry. Planes must be given in beam order with strictly
// increasing z, unique ids and non-negative resolutions.
func New(planes []Plane) (*Geometry, error) {
	if len(planes) < 2 {
		return nil, fmt.Errorf("geometry needs at least 2 planes, got %d", len(planes))
	}
	g := &Geometry{
		planes: make([]Plane, len(planes)),
		index:  make(map[int]int, len(planes)),
	}
	copy(g.planes, planes)
	for i, p := range g.planes {
		if _, dup := g.index[p.ID]; dup {
			return nil, &telescope.PlaneError{PlaneID: p.ID, Err: fmt.Errorf("%w: duplicate id", telescope.ErrInvalidPlaneID)}
		}
		if i > 0 && p.Z <= g.planes[i-1].Z {
			return nil, fmt.Errorf("plane %d: z %g not greater than previous plane z %g", p.ID, p.Z, g.planes[i-1].Z)
		}
		if p.ResolutionX < 0 || p.ResolutionY < 0 || math.IsNaN(p.ResolutionX) || math.IsNaN(p.ResolutionY) {
			return nil, fmt.Errorf("plane %d: invalid resolution (%g, %g)", p.ID, p.ResolutionX, p.ResolutionY)
		}
		g.index[p.ID] = i
	}
	return g, nil
}

// MustNew is New for fixtures; it panics on error.
func MustNew(planes []Plane) *Geometry {
	g, err := New(planes)
	if err != nil {
		panic(err)
	}
	return g
}

// NumPlanes returns the number of planes.
func (g *Geometry) NumPlanes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.planes)
}

// Planes returns a copy of the planes in z order.
func (g *Geometry) Planes() []Plane {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Plane, len(g.planes))
	copy(out, g.planes)
	return out
}

// PlaneAt returns the plane at position i in z order.
func (g *Geometry) PlaneAt(i int) Plane {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.planes[i]
}

// Index returns the z-order position of planeID.
func (g *Geometry) Index(planeID int) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[planeID]
	if !ok {
		return 0, &telescope.PlaneError{PlaneID: planeID, Err: telescope.ErrInvalidPlaneID}
	}
	return i, nil
}

// Plane returns the plane with the given id.
func (g *Geometry) Plane(planeID int) (Plane, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[planeID]
	if !ok {
		return Plane{}, &telescope.PlaneError{PlaneID: planeID, Err: telescope.ErrInvalidPlaneID}
	}
	return g.planes[i], nil
}

// LocalToGlobal maps a local position on planeID into the global frame.
func (g *Geometry) LocalToGlobal(planeID int, x, y float64) (float64, float64, error) {
	p, err := g.Plane(planeID)
	if err != nil {
		return 0, 0, err
	}
	gx, gy := p.LocalToGlobal(x, y)
	return gx, gy, nil
}

// GlobalToLocal maps a global position into planeID's local frame.
func (g *Geometry) GlobalToLocal(planeID int, gx, gy float64) (float64, float64, error) {
	p, err := g.Plane(planeID)
	if err != nil {
		return 0, 0, err
	}
	x, y := p.GlobalToLocal(gx, gy)
	return x, y, nil
}

// ApplyCorrection shifts planeID's alignment by (dx, dy) and rotates it by
// drot radians about its own origin.
func (g *Geometry) ApplyCorrection(planeID int, dx, dy, drot float64) error {
	if math.IsNaN(dx) || math.IsNaN(dy) || math.IsNaN(drot) {
		return fmt.Errorf("plane %d: correction contains NaN", planeID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.index[planeID]
	if !ok {
		return &telescope.PlaneError{PlaneID: planeID, Err: telescope.ErrInvalidPlaneID}
	}
	g.planes[i].OffsetX += dx
	g.planes[i].OffsetY += dy
	g.planes[i].Rotation += drot
	return nil
}

// Snapshot returns an independent copy, frozen for one alignment iteration.
func (g *Geometry) Snapshot() *Geometry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := &Geometry{
		planes: make([]Plane, len(g.planes)),
		index:  make(map[int]int, len(g.index)),
	}
	copy(s.planes, g.planes)
	for id, i := range g.index {
		s.index[id] = i
	}
	return s
}

// ZSpan returns the distance between the first and last plane.
func (g *Geometry) ZSpan() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.planes[len(g.planes)-1].Z - g.planes[0].Z
}
