// Package correlator bootstraps a coarse telescope alignment from hit-pair
// correlations between planes adjacent in z.
//
// For every adjacent pair (A, B) and each axis, all same-event hit pairs are
// filled into a 2D histogram of (u_A, u_B) with common bin edges. Projecting
// the histogram onto its diagonals gives the distribution of u_B - u_A in
// units of the bin width; the peak, refined by a centroid over its
// neighbourhood, is the relative offset of B with respect to A. The peak is
// only accepted when it stands above the diagonal content expected for
// uncorrelated planes, which is the correlation of the two marginal
// distributions. Offsets are chained from the first plane, which is fixed
// at zero.
package correlator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/monitoring"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
)

const (
	maxBins      = 512
	paddingBins  = 4
	centroidBins = 2
	minBinWidth  = 1e-6
)

// Config controls the correlator.
type Config struct {
	// Events is the number of leading events used; 0 uses all.
	Events int
	// BinWidth of the correlation histograms. 0 derives it per plane pair
	// from the plane resolutions.
	BinWidth float64
	// MinSignificance is the minimum excess of the peak diagonal over its
	// uncorrelated expectation, in Poisson standard deviations, for a
	// correlation to be accepted.
	MinSignificance float64
	// KeepBeamSlope disables removal of the linear trend in z. By default
	// the chained offsets are detrended so the first and last planes both
	// stay at zero, which removes the mean beam slope from the estimate.
	KeepBeamSlope bool
}

// ConfigFromTuning builds a Config from a loaded TrackingConfig.
func ConfigFromTuning(cfg *config.TrackingConfig) Config {
	return Config{
		Events:          cfg.GetCorrelationEvents(),
		BinWidth:        cfg.GetCorrelationBinWidth(),
		MinSignificance: cfg.GetCorrelationMinSignificance(),
	}
}

// PairOffset is the measured offset of plane ToPlane relative to FromPlane.
type PairOffset struct {
	FromPlane     int
	ToPlane       int
	DX, DY        float64
	SignificanceX float64
	SignificanceY float64
	Pairs         int
}

// Result holds the bootstrap geometry and the per-pair measurements.
type Result struct {
	Geometry *geometry.Geometry
	Pairs    []PairOffset
	// Corrections are the translations applied per plane, z order.
	CorrectionsX []float64
	CorrectionsY []float64
}

// Correlate estimates initial plane translations from events using geom as
// the uncorrected geometry. geom itself is not modified; the returned
// geometry is geom shifted by the estimated translations.
func Correlate(events []*telescope.Event, geom *geometry.Geometry, cfg Config) (*Result, error) {
	if cfg.Events > 0 && len(events) > cfg.Events {
		events = events[:cfg.Events]
	}
	planes := geom.Planes()
	n := len(planes)

	res := &Result{
		Pairs:        make([]PairOffset, 0, n-1),
		CorrectionsX: make([]float64, n),
		CorrectionsY: make([]float64, n),
	}
	for i := 1; i < n; i++ {
		a, b := planes[i-1], planes[i]
		ax, ay, bx, by := pairCoordinates(events, a, b)
		if len(ax) == 0 {
			return nil, &telescope.PlaneError{PlaneID: b.ID,
				Err: fmt.Errorf("%w: no hit pairs with plane %d", telescope.ErrCorrelationFailure, a.ID)}
		}

		wx := cfg.BinWidth
		wy := cfg.BinWidth
		if wx <= 0 {
			wx = 2 * math.Hypot(a.ResolutionX, b.ResolutionX)
			wy = 2 * math.Hypot(a.ResolutionY, b.ResolutionY)
		}

		dx, sigX, err := peakOffset(ax, bx, wx, cfg.MinSignificance)
		if err != nil {
			return nil, &telescope.PlaneError{PlaneID: b.ID, Err: fmt.Errorf("x correlation with plane %d: %w", a.ID, err)}
		}
		dy, sigY, err := peakOffset(ay, by, wy, cfg.MinSignificance)
		if err != nil {
			return nil, &telescope.PlaneError{PlaneID: b.ID, Err: fmt.Errorf("y correlation with plane %d: %w", a.ID, err)}
		}

		res.Pairs = append(res.Pairs, PairOffset{
			FromPlane: a.ID, ToPlane: b.ID,
			DX: dx, DY: dy,
			SignificanceX: sigX, SignificanceY: sigY,
			Pairs: len(ax),
		})
		// A hit measured in B's frame sits at -offset relative to A, so the
		// translation that restores it has the opposite sign.
		res.CorrectionsX[i] = res.CorrectionsX[i-1] - dx
		res.CorrectionsY[i] = res.CorrectionsY[i-1] - dy
	}

	if !cfg.KeepBeamSlope {
		detrend(planes, res.CorrectionsX)
		detrend(planes, res.CorrectionsY)
	}

	out := geom.Snapshot()
	for i, p := range planes {
		if err := out.ApplyCorrection(p.ID, res.CorrectionsX[i], res.CorrectionsY[i], 0); err != nil {
			return nil, err
		}
		monitoring.Logf("correlator: plane %d translation (%.4f, %.4f)", p.ID, res.CorrectionsX[i], res.CorrectionsY[i])
	}
	res.Geometry = out
	return res, nil
}

// pairCoordinates returns the global coordinates of every same-event hit
// pair between planes a and b.
func pairCoordinates(events []*telescope.Event, a, b geometry.Plane) (ax, ay, bx, by []float64) {
	for _, ev := range events {
		hitsA := ev.PlaneHits(a.ID)
		hitsB := ev.PlaneHits(b.ID)
		for _, ha := range hitsA {
			gax, gay := a.LocalToGlobal(ha.X, ha.Y)
			for _, hb := range hitsB {
				gbx, gby := b.LocalToGlobal(hb.X, hb.Y)
				ax = append(ax, gax)
				ay = append(ay, gay)
				bx = append(bx, gbx)
				by = append(by, gby)
			}
		}
	}
	return
}

// peakOffset histograms the pairs (a[k], b[k]) and returns the position of
// the diagonal peak of b - a together with its significance.
func peakOffset(a, b []float64, width, minSignificance float64) (offset, significance float64, err error) {
	lo := math.Min(floats.Min(a), floats.Min(b))
	hi := math.Max(floats.Max(a), floats.Max(b))
	if math.IsNaN(lo) || math.IsInf(lo, 0) || math.IsNaN(hi) || math.IsInf(hi, 0) {
		return 0, 0, fmt.Errorf("%w: non-finite hit coordinates", telescope.ErrCorrelationFailure)
	}
	width = math.Max(width, minBinWidth)
	if (hi-lo)/width > maxBins-2*paddingBins {
		width = (hi - lo) / float64(maxBins-2*paddingBins)
	}
	lo -= paddingBins * width
	nbins := int(math.Ceil((hi-lo)/width)) + paddingBins
	if nbins > maxBins {
		nbins = maxBins
	}

	hist := mat.NewDense(nbins, nbins, nil)
	bin := func(v float64) int {
		i := int((v - lo) / width)
		if i < 0 {
			return 0
		}
		if i >= nbins {
			return nbins - 1
		}
		return i
	}
	for k := range a {
		i, j := bin(a[k]), bin(b[k])
		hist.Set(i, j, hist.At(i, j)+1)
	}

	// proj[d+nbins-1] holds the content of diagonal j - i = d; bg holds
	// what the diagonal would contain if a and b were independent.
	rowA := make([]float64, nbins)
	colB := make([]float64, nbins)
	proj := make([]float64, 2*nbins-1)
	for i := 0; i < nbins; i++ {
		for j := 0; j < nbins; j++ {
			v := hist.At(i, j)
			proj[j-i+nbins-1] += v
			rowA[i] += v
			colB[j] += v
		}
	}
	total := floats.Sum(rowA)
	if total == 0 {
		return 0, 0, fmt.Errorf("%w: empty histogram", telescope.ErrCorrelationFailure)
	}
	bg := make([]float64, len(proj))
	for i := 0; i < nbins; i++ {
		if rowA[i] == 0 {
			continue
		}
		for j := 0; j < nbins; j++ {
			bg[j-i+nbins-1] += rowA[i] * colB[j] / total
		}
	}

	excess := make([]float64, len(proj))
	for d := range proj {
		excess[d] = (proj[d] - bg[d]) / math.Sqrt(math.Max(bg[d], 1))
	}
	peak := floats.MaxIdx(excess)
	significance = excess[peak]
	if significance < minSignificance {
		return 0, significance, fmt.Errorf("%w: peak significance %.2f below %.2f",
			telescope.ErrCorrelationFailure, significance, minSignificance)
	}

	var pos, weights []float64
	for d := peak - centroidBins; d <= peak+centroidBins; d++ {
		if d < 0 || d >= len(proj) {
			continue
		}
		pos = append(pos, float64(d-(nbins-1)))
		weights = append(weights, math.Max(proj[d]-bg[d], 0))
	}
	if floats.Sum(weights) == 0 {
		return float64(peak-(nbins-1)) * width, significance, nil
	}
	return stat.Mean(pos, weights) * width, significance, nil
}

// detrend removes the straight line through the first and last values so
// both end planes keep a zero correction.
func detrend(planes []geometry.Plane, c []float64) {
	n := len(planes)
	span := planes[n-1].Z - planes[0].Z
	last := c[n-1]
	for i := range c {
		c[i] -= last * (planes[i].Z - planes[0].Z) / span
	}
}
