package fitter

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/finder"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
	"github.com/banshee-data/testbeam/internal/telescope/simulate"
)

func nominal() *geometry.Geometry {
	return geometry.MustNew(simulate.NominalPlanes(6, 1, 0.01))
}

func defaultConfig() Config {
	return Config{OutlierSigmaThreshold: 5, MinMatchedPlanes: 4}
}

// lineCandidate builds a candidate with exact hits on the given line.
func lineCandidate(x0, y0, tx, ty float64) *telescope.TrackCandidate {
	c := &telescope.TrackCandidate{EventID: 1, Hits: make([]*telescope.HitRef, 6)}
	for p := 0; p < 6; p++ {
		z := float64(p)
		c.Hits[p] = &telescope.HitRef{Hit: telescope.Hit{PlaneID: p, X: x0 + tx*z, Y: y0 + ty*z}}
	}
	return c
}

// ---------------------------------------------------------------------------
// Exact data
// ---------------------------------------------------------------------------

func TestFitNoNoiseRecoversLine(t *testing.T) {
	t.Parallel()

	track, err := New(defaultConfig()).Fit(lineCandidate(1, 2, 0.01, -0.02), nominal())
	require.NoError(t, err)

	assert.Equal(t, 0, track.ReferencePlane)
	assert.InDelta(t, 1.0, track.Reference.X, 1e-9)
	assert.InDelta(t, 2.0, track.Reference.Y, 1e-9)
	assert.InDelta(t, 0.01, track.Reference.SlopeX, 1e-9)
	assert.InDelta(t, -0.02, track.Reference.SlopeY, 1e-9)
	assert.InDelta(t, 0, track.ChiSquare, 1e-9)
	assert.Equal(t, 8, track.NDF)

	for i, ps := range track.Planes {
		z := float64(i)
		assert.True(t, ps.Matched)
		assert.False(t, ps.Outlier)
		assert.InDelta(t, 1+0.01*z, ps.X, 1e-9)
		assert.InDelta(t, 2-0.02*z, ps.Y, 1e-9)
		assert.InDelta(t, 0, ps.ResidualX, 1e-9)
		assert.InDelta(t, 0, ps.UnbiasedResidualY, 1e-9)
	}
}

func TestFitZeroResolution(t *testing.T) {
	t.Parallel()

	geom := geometry.MustNew(simulate.NominalPlanes(6, 1, 0))
	cfg := defaultConfig()
	cfg.OutlierSigmaThreshold = 0
	track, err := New(cfg).Fit(lineCandidate(-0.5, 0.25, 0.003, 0.004), geom)
	require.NoError(t, err)
	assert.InDelta(t, -0.5, track.Reference.X, 1e-6)
	assert.InDelta(t, 0.004, track.Reference.SlopeY, 1e-6)
	for _, ps := range track.Planes {
		assert.False(t, math.IsNaN(ps.PullX))
		assert.False(t, math.IsNaN(ps.UnbiasedVarianceX))
	}
}

func TestFitInteriorGapInflatesCovariance(t *testing.T) {
	t.Parallel()

	f := New(defaultConfig())
	full, err := f.Fit(lineCandidate(0, 0, 0.01, 0.01), nominal())
	require.NoError(t, err)
	gap, err := f.Fit(lineCandidate(0, 0, 0.01, 0.01).WithoutPlane(2), nominal())
	require.NoError(t, err)

	ps := gap.Planes[2]
	assert.False(t, ps.Matched)
	assert.False(t, ps.HasMeasurement())
	assert.Greater(t, ps.Covariance[0], full.Planes[2].Covariance[0])
	assert.Greater(t, ps.Covariance[5], full.Planes[2].Covariance[5])
	assert.InDelta(t, 0.02, ps.X, 1e-9)
	assert.Equal(t, 6, gap.NDF)
	assert.Equal(t, 5, gap.NumMatched())
}

// ---------------------------------------------------------------------------
// Underconstrained and outliers
// ---------------------------------------------------------------------------

func TestFitUnderconstrained(t *testing.T) {
	t.Parallel()

	c := lineCandidate(0, 0, 0, 0).WithoutPlane(1).WithoutPlane(2).WithoutPlane(3)
	track, err := New(defaultConfig()).Fit(c, nominal())
	assert.Nil(t, track)
	require.Error(t, err)
	assert.True(t, errors.Is(err, telescope.ErrUnderconstrainedTrack))

	var ue *telescope.UnderconstrainedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "input", ue.Stage)
	assert.Equal(t, 3, ue.Matched)
}

func TestFitMinimumMatchedIsThree(t *testing.T) {
	t.Parallel()

	cfg := Config{MinMatchedPlanes: 1}
	c := lineCandidate(0, 0, 0, 0).WithoutPlane(1).WithoutPlane(2).WithoutPlane(3).WithoutPlane(4)
	_, err := New(cfg).Fit(c, nominal())
	assert.True(t, errors.Is(err, telescope.ErrUnderconstrainedTrack))
}

func TestFitRejectsOutlier(t *testing.T) {
	t.Parallel()

	c := lineCandidate(0, 0, 0, 0)
	c.Hits[2].Hit.X = 0.1

	track, err := New(defaultConfig()).Fit(c, nominal())
	require.NoError(t, err)

	ps := track.Planes[2]
	assert.False(t, ps.Matched)
	assert.True(t, ps.Outlier)
	assert.True(t, ps.HasMeasurement())
	assert.InDelta(t, 0.1, ps.ResidualX, 1e-9)
	assert.InDelta(t, 0.1, ps.UnbiasedResidualX, 1e-9)
	assert.Equal(t, 6, track.NDF)
	assert.InDelta(t, 0, track.ChiSquare, 1e-9)
	for i, p := range track.Planes {
		if i != 2 {
			assert.True(t, p.Matched, "plane %d", i)
		}
	}
}

func TestFitRejectsEveryOutlierInOnePass(t *testing.T) {
	t.Parallel()

	c := lineCandidate(0, 0, 0, 0)
	c.Hits[2].Hit.X = 0.08
	c.Hits[3].Hit.Y = -0.09

	track, err := New(defaultConfig()).Fit(c, nominal())
	require.NoError(t, err)

	for i, p := range track.Planes {
		outlier := i == 2 || i == 3
		assert.Equal(t, !outlier, p.Matched, "plane %d matched", i)
		assert.Equal(t, outlier, p.Outlier, "plane %d outlier", i)
	}
	assert.InDelta(t, 0.08, track.Planes[2].UnbiasedResidualX, 1e-9)
	assert.InDelta(t, -0.09, track.Planes[3].UnbiasedResidualY, 1e-9)
	assert.Equal(t, 4, track.NDF)
	assert.InDelta(t, 0, track.ChiSquare, 1e-9)
}

func TestFitOutlierRejectionDisabled(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.OutlierSigmaThreshold = 0
	c := lineCandidate(0, 0, 0, 0)
	c.Hits[2].Hit.X = 0.2

	track, err := New(cfg).Fit(c, nominal())
	require.NoError(t, err)
	assert.True(t, track.Planes[2].Matched)
	assert.Equal(t, 8, track.NDF)
	assert.Greater(t, track.ChiSquareOverNDF(), 10.0)
}

func TestFitOutlierRejectionUnderconstrained(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.MinMatchedPlanes = 6
	c := lineCandidate(0, 0, 0, 0)
	c.Hits[3].Hit.Y = -0.1

	_, err := New(cfg).Fit(c, nominal())
	var ue *telescope.UnderconstrainedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "outlier rejection", ue.Stage)
	assert.Equal(t, 5, ue.Matched)
}

func TestFitCandidateGeometryMismatch(t *testing.T) {
	t.Parallel()

	c := lineCandidate(0, 0, 0, 0)
	c.Hits = c.Hits[:5]
	_, err := New(defaultConfig()).Fit(c, nominal())
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Residuals
// ---------------------------------------------------------------------------

func TestUnbiasedResidualMatchesExclusionFit(t *testing.T) {
	t.Parallel()

	c := lineCandidate(0.1, -0.1, 0.01, 0.02)
	c.Hits[1].Hit.X += 0.012
	c.Hits[2].Hit.X -= 0.007
	c.Hits[2].Hit.Y += 0.009
	c.Hits[4].Hit.Y -= 0.011

	f := New(Config{MinMatchedPlanes: 4})
	all, err := f.Fit(c, nominal())
	require.NoError(t, err)
	excl, err := f.Fit(c.WithoutPlane(2), nominal())
	require.NoError(t, err)

	got := all.Planes[2]
	want := excl.Planes[2]
	assert.InDelta(t, got.HitX-want.X, got.UnbiasedResidualX, 1e-6)
	assert.InDelta(t, got.HitY-want.Y, got.UnbiasedResidualY, 1e-6)
	assert.InDelta(t, 1e-4+want.Covariance[0], got.UnbiasedVarianceX, 1e-8)
}

// ---------------------------------------------------------------------------
// Reference scenario
// ---------------------------------------------------------------------------

func fitSimulated(t *testing.T, sim simulate.Config, fcfg Config) []*telescope.FittedTrack {
	t.Helper()

	out, err := simulate.Generate(sim)
	require.NoError(t, err)

	geom := geometry.MustNew(sim.Planes)
	fd := finder.New(finder.Config{
		SearchWindowScale:  5,
		MinMatchedPlanes:   4,
		ScatteringVariance: fcfg.ScatteringVariance,
	})
	ft := New(fcfg)

	var tracks []*telescope.FittedTrack
	for _, ev := range out.Events {
		cands, err := fd.Find(ev, geom)
		require.NoError(t, err)
		for _, c := range cands {
			tr, err := ft.Fit(c, geom)
			if errors.Is(err, telescope.ErrUnderconstrainedTrack) {
				continue
			}
			require.NoError(t, err)
			tracks = append(tracks, tr)
		}
	}
	return tracks
}

func TestSixPlaneScenario(t *testing.T) {
	t.Parallel()

	tracks := fitSimulated(t, simulate.DefaultConfig(), defaultConfig())
	require.GreaterOrEqual(t, len(tracks), 990)

	var slopesX, slopesY, pulls []float64
	var chi2, ndf float64
	for _, tr := range tracks {
		slopesX = append(slopesX, tr.Reference.SlopeX)
		slopesY = append(slopesY, tr.Reference.SlopeY)
		chi2 += tr.ChiSquare
		ndf += float64(tr.NDF)
		for _, ps := range tr.Planes {
			if ps.Matched {
				pulls = append(pulls, ps.PullX)
			}
		}
	}
	assert.InDelta(t, 0.01, stat.Mean(slopesX, nil), 3e-4)
	assert.InDelta(t, -0.02, stat.Mean(slopesY, nil), 3e-4)
	assert.InDelta(t, 1.0, chi2/ndf, 0.1)

	mean, std := stat.MeanStdDev(pulls, nil)
	assert.InDelta(t, 0, mean, 0.05)
	assert.InDelta(t, 1, std, 0.1)
}

func TestScatteringScenario(t *testing.T) {
	t.Parallel()

	scatter := []float64{1e-4, 1e-4, 1e-4, 1e-4, 1e-4, 1e-4}
	sim := simulate.DefaultConfig()
	sim.Events = 500
	sim.ScatteringVariance = scatter

	cfg := defaultConfig()
	cfg.ScatteringVariance = scatter
	tracks := fitSimulated(t, sim, cfg)
	require.GreaterOrEqual(t, len(tracks), 450)

	var chi2, ndf float64
	for _, tr := range tracks {
		chi2 += tr.ChiSquare
		ndf += float64(tr.NDF)
	}
	assert.InDelta(t, 1.0, chi2/ndf, 0.15)
}
