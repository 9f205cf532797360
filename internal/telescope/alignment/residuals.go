package alignment

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
)

// ResidualSet aggregates per-plane residuals over one alignment iteration.
// It is filled by a single goroutine at the iteration barrier.
type ResidualSet struct {
	planes []geometry.Plane
	index  map[int]int
	data   []planeData
}

// planeData holds the raw samples for one plane.
type planeData struct {
	rx, ry []float64 // unbiased residuals
	wx, wy []float64 // inverse residual variances
	u, v   []float64 // predicted position relative to the plane origin
}

// NewResidualSet creates an empty set for the planes of geom, which should
// be the snapshot the tracks were fitted with.
func NewResidualSet(geom *geometry.Geometry) *ResidualSet {
	planes := geom.Planes()
	s := &ResidualSet{
		planes: planes,
		index:  make(map[int]int, len(planes)),
		data:   make([]planeData, len(planes)),
	}
	for i, p := range planes {
		s.index[p.ID] = i
	}
	return s
}

// Add records the residuals of every plane of track that carries a hit,
// including hits rejected as outliers. Residuals far from the bulk of their
// plane are clipped when the set is summarised.
func (s *ResidualSet) Add(track *telescope.FittedTrack) {
	for _, ps := range track.Planes {
		if !ps.HasMeasurement() {
			continue
		}
		i, ok := s.index[ps.PlaneID]
		if !ok {
			continue
		}
		p := s.planes[i]
		d := &s.data[i]
		d.rx = append(d.rx, ps.UnbiasedResidualX)
		d.ry = append(d.ry, ps.UnbiasedResidualY)
		d.wx = append(d.wx, inverse(ps.UnbiasedVarianceX))
		d.wy = append(d.wy, inverse(ps.UnbiasedVarianceY))
		d.u = append(d.u, ps.HitX-ps.UnbiasedResidualX-p.OffsetX)
		d.v = append(d.v, ps.HitY-ps.UnbiasedResidualY-p.OffsetY)
	}
}

// AddAll records every track.
func (s *ResidualSet) AddAll(tracks []*telescope.FittedTrack) {
	for _, t := range tracks {
		s.Add(t)
	}
}

func inverse(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return 1 / v
}

// PlaneResiduals summarises the residuals of one plane. Means and spreads
// are taken over the residuals within clipSigma robust standard deviations
// of the median; Count includes the clipped ones.
type PlaneResiduals struct {
	PlaneID int
	Count   int
	Clipped int
	MeanX   float64
	MeanY   float64
	RMSX    float64
	RMSY    float64
	StdX    float64
	StdY    float64
}

// Plane returns the summary for planeID.
func (s *ResidualSet) Plane(planeID int) (PlaneResiduals, bool) {
	i, ok := s.index[planeID]
	if !ok {
		return PlaneResiduals{}, false
	}
	return s.summary(i), true
}

// Summaries returns the summary of every plane in z order.
func (s *ResidualSet) Summaries() []PlaneResiduals {
	out := make([]PlaneResiduals, len(s.planes))
	for i := range s.planes {
		out[i] = s.summary(i)
	}
	return out
}

// ResidualsX returns the raw x residuals recorded for planeID.
func (s *ResidualSet) ResidualsX(planeID int) []float64 {
	if i, ok := s.index[planeID]; ok {
		return s.data[i].rx
	}
	return nil
}

// ResidualsY returns the raw y residuals recorded for planeID.
func (s *ResidualSet) ResidualsY(planeID int) []float64 {
	if i, ok := s.index[planeID]; ok {
		return s.data[i].ry
	}
	return nil
}

// PlaneIDs returns the plane ids in z order.
func (s *ResidualSet) PlaneIDs() []int {
	ids := make([]int, len(s.planes))
	for i, p := range s.planes {
		ids[i] = p.ID
	}
	return ids
}

func (s *ResidualSet) summary(i int) PlaneResiduals {
	d := s.data[i].clipped()
	r := PlaneResiduals{PlaneID: s.planes[i].ID, Count: len(s.data[i].rx)}
	r.Clipped = r.Count - len(d.rx)
	if len(d.rx) == 0 {
		return r
	}
	r.MeanX = stat.Mean(d.rx, nil)
	r.MeanY = stat.Mean(d.ry, nil)
	r.RMSX = rms(d.rx)
	r.RMSY = rms(d.ry)
	if len(d.rx) > 1 {
		r.StdX = stat.StdDev(d.rx, nil)
		r.StdY = stat.StdDev(d.ry, nil)
	}
	return r
}

const (
	// clipSigma is the distance from the median, in robust standard
	// deviations, beyond which a residual is left out of the statistics.
	clipSigma = 5
	// madScale turns a median absolute deviation into a Gaussian sigma.
	madScale = 1.4826
	// minClipSamples is the smallest sample that gets clipped.
	minClipSamples = 3
)

// clipped returns the samples of d whose x and y residuals both lie within
// clipSigma robust standard deviations of their medians. A zero spread
// disables clipping on that axis.
func (d *planeData) clipped() *planeData {
	n := len(d.rx)
	if n < minClipSamples {
		return d
	}
	keep := make([]bool, n)
	for k := range keep {
		keep[k] = true
	}
	for _, rs := range [][]float64{d.rx, d.ry} {
		median, sigma := robustSpread(rs)
		if sigma == 0 {
			continue
		}
		for k, r := range rs {
			if math.Abs(r-median) > clipSigma*sigma {
				keep[k] = false
			}
		}
	}

	out := &planeData{}
	for k := range keep {
		if !keep[k] {
			continue
		}
		out.rx = append(out.rx, d.rx[k])
		out.ry = append(out.ry, d.ry[k])
		out.wx = append(out.wx, d.wx[k])
		out.wy = append(out.wy, d.wy[k])
		out.u = append(out.u, d.u[k])
		out.v = append(out.v, d.v[k])
	}
	return out
}

// robustSpread returns the median of xs and its MAD-based sigma.
func robustSpread(xs []float64) (median, sigma float64) {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	dev := make([]float64, len(xs))
	for k, x := range xs {
		dev[k] = math.Abs(x - median)
	}
	sort.Float64s(dev)
	return median, madScale * stat.Quantile(0.5, stat.Empirical, dev, nil)
}

func rms(xs []float64) float64 {
	return math.Sqrt(floats.Dot(xs, xs) / float64(len(xs)))
}
