// Package simulate generates synthetic testbeam events: straight tracks
// from a Gaussian beam crossing a misaligned telescope, with per-plane
// efficiency, resolution smearing, optional multiple scattering and
// uniformly distributed noise hits.
//
// Hits are written in each plane's local frame using the true (misaligned)
// geometry, so a reconstruction with nominal geometry sees the injected
// offsets as residuals.
package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
)

// Config describes the beam and detector to simulate.
type Config struct {
	Seed   uint64
	Events int

	// Planes is the true geometry, misalignment included.
	Planes []geometry.Plane

	// TracksPerEvent is the Poisson mean of tracks per event. Values <= 0
	// and exactly 1 give one track in every event.
	TracksPerEvent float64

	// Beam spot at the first plane.
	BeamX, BeamY           float64
	BeamSigmaX, BeamSigmaY float64

	// Mean beam slopes and their Gaussian spread.
	SlopeX, SlopeY float64
	Divergence     float64

	// Efficiency is the probability that a crossing produces a hit; 0 is
	// treated as 1.
	Efficiency float64
	// ScatteringVariance[i] is the slope kick variance applied after plane i.
	ScatteringVariance []float64

	// NoiseHitsPerPlane is the Poisson mean of noise hits per plane,
	// uniform in [-NoiseHalfWidth, NoiseHalfWidth] local coordinates.
	NoiseHitsPerPlane float64
	NoiseHalfWidth    float64
}

// NominalPlanes returns n planes at z = 0, spacing, 2*spacing, ... with no
// misalignment and the given resolution.
func NominalPlanes(n int, spacing, resolution float64) []geometry.Plane {
	planes := make([]geometry.Plane, n)
	for i := range planes {
		planes[i] = geometry.Plane{
			ID:          i,
			Z:           float64(i) * spacing,
			ResolutionX: resolution,
			ResolutionY: resolution,
		}
	}
	return planes
}

// DefaultConfig is the reference scenario: six planes one unit apart,
// 10 micron resolution, one track per event with slope (0.01, -0.02).
func DefaultConfig() Config {
	return Config{
		Seed:           1,
		Events:         1000,
		Planes:         NominalPlanes(6, 1, 0.01),
		TracksPerEvent: 1,
		BeamSigmaX:     1,
		BeamSigmaY:     1,
		SlopeX:         0.01,
		SlopeY:         -0.02,
		Efficiency:     1,
	}
}

// TruthTrack is the generated trajectory of one particle.
type TruthTrack struct {
	EventID int64
	// States holds the true state at each plane, z order. Slopes change
	// after a plane when scattering is enabled.
	States []telescope.State
	// HitIndex[i] is the index of this track's hit in the event's list for
	// plane i, or -1 when the plane was inefficient.
	HitIndex []int
}

// Output holds the generated events and their truth.
type Output struct {
	Events []*telescope.Event
	Truth  []TruthTrack
}

// Generate runs the simulation described by cfg.
func Generate(cfg Config) (*Output, error) {
	if len(cfg.Planes) < 2 {
		return nil, fmt.Errorf("simulate: need at least 2 planes, got %d", len(cfg.Planes))
	}
	if cfg.Events < 0 {
		return nil, fmt.Errorf("simulate: negative event count %d", cfg.Events)
	}
	if cfg.Efficiency < 0 || cfg.Efficiency > 1 {
		return nil, fmt.Errorf("simulate: efficiency %g outside [0, 1]", cfg.Efficiency)
	}
	if _, err := geometry.New(cfg.Planes); err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	rng := rand.New(src)
	s := &sim{cfg: cfg, rng: rng}
	if cfg.TracksPerEvent > 0 {
		s.tracks = &distuv.Poisson{Lambda: cfg.TracksPerEvent, Src: src}
	}
	if cfg.NoiseHitsPerPlane > 0 {
		s.noise = &distuv.Poisson{Lambda: cfg.NoiseHitsPerPlane, Src: src}
	}

	out := &Output{Events: make([]*telescope.Event, 0, cfg.Events)}
	for i := 0; i < cfg.Events; i++ {
		ev, truth := s.event(int64(i))
		out.Events = append(out.Events, ev)
		out.Truth = append(out.Truth, truth...)
	}
	return out, nil
}

type sim struct {
	cfg    Config
	rng    *rand.Rand
	tracks *distuv.Poisson
	noise  *distuv.Poisson
}

func (s *sim) gauss(mu, sigma float64) float64 {
	if sigma <= 0 {
		return mu
	}
	return mu + sigma*s.rng.NormFloat64()
}

func (s *sim) event(id int64) (*telescope.Event, []TruthTrack) {
	ev := &telescope.Event{ID: id, Hits: make(map[int][]telescope.Hit, len(s.cfg.Planes))}

	ntracks := 1
	if s.tracks != nil && s.cfg.TracksPerEvent != 1 {
		ntracks = int(s.tracks.Rand())
	}

	truth := make([]TruthTrack, 0, ntracks)
	for t := 0; t < ntracks; t++ {
		truth = append(truth, s.track(ev))
	}
	if s.noise != nil {
		for _, p := range s.cfg.Planes {
			n := int(s.noise.Rand())
			for k := 0; k < n; k++ {
				ev.Hits[p.ID] = append(ev.Hits[p.ID], telescope.Hit{
					PlaneID: p.ID,
					X:       (2*s.rng.Float64() - 1) * s.cfg.NoiseHalfWidth,
					Y:       (2*s.rng.Float64() - 1) * s.cfg.NoiseHalfWidth,
					Charge:  1,
					Size:    1,
				})
			}
		}
	}
	return ev, truth
}

func (s *sim) track(ev *telescope.Event) TruthTrack {
	planes := s.cfg.Planes
	efficiency := s.cfg.Efficiency
	if efficiency == 0 {
		efficiency = 1
	}

	st := telescope.State{
		X:      s.gauss(s.cfg.BeamX, s.cfg.BeamSigmaX),
		Y:      s.gauss(s.cfg.BeamY, s.cfg.BeamSigmaY),
		SlopeX: s.gauss(s.cfg.SlopeX, s.cfg.Divergence),
		SlopeY: s.gauss(s.cfg.SlopeY, s.cfg.Divergence),
	}
	tt := TruthTrack{
		EventID:  ev.ID,
		States:   make([]telescope.State, len(planes)),
		HitIndex: make([]int, len(planes)),
	}
	for i, p := range planes {
		if i > 0 {
			dz := p.Z - planes[i-1].Z
			st.X += st.SlopeX * dz
			st.Y += st.SlopeY * dz
		}
		tt.States[i] = st
		tt.HitIndex[i] = -1

		if efficiency >= 1 || s.rng.Float64() < efficiency {
			lx, ly := p.GlobalToLocal(st.X, st.Y)
			tt.HitIndex[i] = len(ev.Hits[p.ID])
			ev.Hits[p.ID] = append(ev.Hits[p.ID], telescope.Hit{
				PlaneID: p.ID,
				X:       s.gauss(lx, p.ResolutionX),
				Y:       s.gauss(ly, p.ResolutionY),
				Charge:  1,
				Size:    1,
			})
		}

		if i < len(s.cfg.ScatteringVariance) && s.cfg.ScatteringVariance[i] > 0 {
			theta := math.Sqrt(s.cfg.ScatteringVariance[i])
			st.SlopeX = s.gauss(st.SlopeX, theta)
			st.SlopeY = s.gauss(st.SlopeY, theta)
		}
	}
	return tt
}
