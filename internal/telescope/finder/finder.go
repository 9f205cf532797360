// Package finder associates hits across planes into track candidates.
//
// Every combination of one hit on the first plane and one hit on the last
// plane forms a straight seed line in the global frame. On each interior
// plane the hit nearest to the seed's intersection is taken if it lies inside
// the plane's search window. Candidates sharing a hit are resolved greedily
// in order of increasing total residual to their seed line.
//
// A particle leaves no candidate when the first or the last plane missed its
// hit, so the track yield is bounded by the product of the two seed plane
// efficiencies.
package finder

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
)

// ErrSeedLimit reports an event whose seed combinations exceed the
// configured maximum. The event is skipped.
var ErrSeedLimit = errors.New("seed combination limit exceeded")

// Config holds the finder parameters.
type Config struct {
	SearchWindowScale   float64
	MinMatchedPlanes    int
	MaxSeedCombinations int // <= 0 means unlimited
	// ScatteringVariance[i] is the slope variance added after the plane at
	// z-order index i.
	ScatteringVariance []float64
}

// ConfigFromTuning builds a Config from a loaded TrackingConfig for a
// telescope with numPlanes planes.
func ConfigFromTuning(cfg *config.TrackingConfig, numPlanes int) Config {
	scatter := make([]float64, numPlanes)
	for i := range scatter {
		scatter[i] = cfg.GetScatteringVariance(i)
	}
	return Config{
		SearchWindowScale:   cfg.GetSearchWindowScale(),
		MinMatchedPlanes:    cfg.GetMinMatchedPlanes(),
		MaxSeedCombinations: cfg.GetMaxSeedCombinations(),
		ScatteringVariance:  scatter,
	}
}

// Finder builds track candidates from single events. It holds no per-event
// state and is safe for concurrent use.
type Finder struct {
	cfg Config
}

// New creates a Finder.
func New(cfg Config) *Finder {
	return &Finder{cfg: cfg}
}

// Config returns the finder configuration.
func (f *Finder) Config() Config {
	return f.cfg
}

// Window returns the search window radius on the plane at z-order index k
// of geom. The window covers the hit resolution and the accumulated
// scattering displacement from every upstream plane.
func (f *Finder) Window(geom *geometry.Geometry, k int) float64 {
	planes := geom.Planes()
	sigma := math.Max(planes[k].MaxResolution(), planes[0].MaxResolution())
	sigma = math.Max(sigma, planes[len(planes)-1].MaxResolution())
	variance := sigma * sigma
	for j := 0; j < k; j++ {
		if j < len(f.cfg.ScatteringVariance) {
			dz := planes[k].Z - planes[j].Z
			variance += f.cfg.ScatteringVariance[j] * dz * dz
		}
	}
	return f.cfg.SearchWindowScale * math.Sqrt(variance)
}

// globalHit is a hit transformed into the global frame.
type globalHit struct {
	ref  telescope.HitRef
	x, y float64
}

// Find returns the candidates for ev, ordered by increasing residual.
// Hits on planes unknown to geom fail the event with ErrInvalidPlaneID.
func (f *Finder) Find(ev *telescope.Event, geom *geometry.Geometry) ([]*telescope.TrackCandidate, error) {
	planes := geom.Planes()
	n := len(planes)

	for id := range ev.Hits {
		if _, err := geom.Index(id); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
	}

	hits := make([][]globalHit, n)
	for i, p := range planes {
		local := ev.PlaneHits(p.ID)
		hits[i] = make([]globalHit, len(local))
		for k, h := range local {
			gx, gy := p.LocalToGlobal(h.X, h.Y)
			hits[i][k] = globalHit{ref: telescope.HitRef{Hit: h, Index: k}, x: gx, y: gy}
		}
	}

	first, last := hits[0], hits[n-1]
	if len(first) == 0 || len(last) == 0 {
		return nil, nil
	}
	if limit := f.cfg.MaxSeedCombinations; limit > 0 && len(first)*len(last) > limit {
		return nil, fmt.Errorf("event %d: %w (%d > %d)", ev.ID, ErrSeedLimit, len(first)*len(last), limit)
	}

	windows := make([]float64, n)
	for k := 1; k < n-1; k++ {
		windows[k] = f.Window(geom, k)
	}

	z0, zL := planes[0].Z, planes[n-1].Z
	var candidates []*telescope.TrackCandidate
	for _, a := range first {
		for _, b := range last {
			c := &telescope.TrackCandidate{EventID: ev.ID, Hits: make([]*telescope.HitRef, n)}
			ra, rb := a.ref, b.ref
			c.Hits[0] = &ra
			c.Hits[n-1] = &rb

			tx := (b.x - a.x) / (zL - z0)
			ty := (b.y - a.y) / (zL - z0)
			for k := 1; k < n-1; k++ {
				px := a.x + tx*(planes[k].Z-z0)
				py := a.y + ty*(planes[k].Z-z0)
				best, dist := nearest(hits[k], px, py, windows[k])
				if best < 0 {
					c.SeedResidual += windows[k]
					continue
				}
				ref := hits[k][best].ref
				c.Hits[k] = &ref
				c.SeedResidual += dist
			}
			if c.NumMatched() >= f.cfg.MinMatchedPlanes {
				candidates = append(candidates, c)
			}
		}
	}
	return resolve(candidates), nil
}

// nearest returns the index of the hit closest to (px, py) within window,
// or -1. Equal distances keep the lower hit index.
func nearest(hits []globalHit, px, py, window float64) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i, h := range hits {
		d := math.Hypot(h.x-px, h.y-py)
		if d <= window && d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// resolve keeps, among candidates sharing any hit, the one with the
// smallest seed residual. Ties are broken by the seed hit indices in plane
// order, then by the remaining hit indices.
func resolve(candidates []*telescope.TrackCandidate) []*telescope.TrackCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SeedResidual != b.SeedResidual {
			return a.SeedResidual < b.SeedResidual
		}
		return lessHitOrder(a, b)
	})

	type key struct{ plane, index int }
	used := make(map[key]struct{})
	out := make([]*telescope.TrackCandidate, 0, len(candidates))
	for _, c := range candidates {
		conflict := false
		for p, h := range c.Hits {
			if h == nil {
				continue
			}
			if _, ok := used[key{p, h.Index}]; ok {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for p, h := range c.Hits {
			if h != nil {
				used[key{p, h.Index}] = struct{}{}
			}
		}
		out = append(out, c)
	}
	return out
}

func lessHitOrder(a, b *telescope.TrackCandidate) bool {
	n := len(a.Hits)
	order := make([]int, 0, n)
	order = append(order, 0, n-1)
	for k := 1; k < n-1; k++ {
		order = append(order, k)
	}
	for _, k := range order {
		ia, ib := hitIndex(a.Hits[k]), hitIndex(b.Hits[k])
		if ia != ib {
			return ia < ib
		}
	}
	return false
}

func hitIndex(h *telescope.HitRef) int {
	if h == nil {
		return math.MaxInt
	}
	return h.Index
}
