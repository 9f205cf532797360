package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/monitoring"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/alignment"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
	"github.com/banshee-data/testbeam/internal/telescope/simulate"
	"github.com/banshee-data/testbeam/internal/testutil"
)

func nominal() *geometry.Geometry {
	return testutil.Nominal(6)
}

func defaultConfig(workers int) Config {
	return ConfigFromTuning(config.DefaultTrackingConfig(), 6, workers)
}

func generate(t *testing.T, mutate func(*simulate.Config)) []*telescope.Event {
	t.Helper()
	return testutil.Simulate(t, mutate).Events
}

// ---------------------------------------------------------------------------
// Single pass
// ---------------------------------------------------------------------------

func TestProcessEvents(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) { c.Events = 200 })
	pass, err := NewRunner(defaultConfig(4)).ProcessEvents(context.Background(), events, nominal())
	require.NoError(t, err)

	assert.Equal(t, 200, pass.Stats.Events)
	assert.GreaterOrEqual(t, pass.Stats.Tracks, 198)
	assert.Equal(t, pass.Stats.Tracks, len(pass.Tracks))
	for i := 1; i < len(pass.Tracks); i++ {
		assert.LessOrEqual(t, pass.Tracks[i-1].EventID, pass.Tracks[i].EventID)
	}
}

func TestProcessEventsIndependentOfWorkerCount(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) {
		c.Events = 150
		c.TracksPerEvent = 2
		c.NoiseHitsPerPlane = 1
		c.NoiseHalfWidth = 3
	})
	serial, err := NewRunner(defaultConfig(1)).ProcessEvents(context.Background(), events, nominal())
	require.NoError(t, err)
	parallel, err := NewRunner(defaultConfig(8)).ProcessEvents(context.Background(), events, nominal())
	require.NoError(t, err)

	if diff := cmp.Diff(serial, parallel); diff != "" {
		t.Errorf("pass differs with worker count (-serial +parallel):\n%s", diff)
	}
}

// Not parallel: swaps the package logger.
func TestProcessEventsRecoversMalformedEvent(t *testing.T) {
	events := generate(t, func(c *simulate.Config) { c.Events = 10 })
	events[4].Hits[42] = []telescope.Hit{{PlaneID: 42}}

	var mu sync.Mutex
	var warnings int
	r := NewRunner(defaultConfig(2))
	prev := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		warnings++
		mu.Unlock()
	})
	defer monitoring.SetLogger(prev)

	pass, err := r.ProcessEvents(context.Background(), events, nominal())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Stats.FailedEvents)
	assert.Equal(t, 9, pass.Stats.Tracks)
	for _, tr := range pass.Tracks {
		assert.NotEqual(t, int64(4), tr.EventID)
	}
	assert.GreaterOrEqual(t, warnings, 1)
}

func TestProcessEventsSeedLimit(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) { c.Events = 5 })
	cfg := defaultConfig(1)
	cfg.Finder.MaxSeedCombinations = 1
	events[2].Hits[0] = append(events[2].Hits[0], telescope.Hit{PlaneID: 0, X: 5})

	pass, err := NewRunner(cfg).ProcessEvents(context.Background(), events, nominal())
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Stats.SkippedEvents)
	assert.Equal(t, 4, pass.Stats.Tracks)
}

func TestProcessEventsCancelled(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) { c.Events = 50 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pass, err := NewRunner(defaultConfig(2)).ProcessEvents(ctx, events, nominal())
	assert.Nil(t, pass)
	assert.True(t, errors.Is(err, context.Canceled))
}

// ---------------------------------------------------------------------------
// Alignment loop
// ---------------------------------------------------------------------------

func offsetPlane3(c *simulate.Config) {
	c.Planes[3].OffsetX = 0.5
}

func TestAlignRecoversInjectedOffset(t *testing.T) {
	t.Parallel()

	events := generate(t, offsetPlane3)
	cfg := defaultConfig(4)
	cfg.Finder.SearchWindowScale = 100
	cfg.Fitter.OutlierSigmaThreshold = 0

	geom := nominal()
	res, err := NewRunner(cfg).Align(context.Background(), events, geom)
	require.NoError(t, err)

	assert.Equal(t, alignment.StopConverged, res.StopReason)
	assert.Nil(t, res.Warning)
	assert.NotEmpty(t, res.RunID)

	// Within 5% of the injected 0.5 on plane 3; every other plane stays put.
	for _, id := range []int{0, 1, 2, 3, 4, 5} {
		wantX := 0.0
		if id == 3 {
			wantX = 0.5
		}
		testutil.AssertOffset(t, geom, id, wantX, 0, 0.025)
	}
	p, err := geom.Plane(3)
	require.NoError(t, err)

	final, _ := res.Geometry.Plane(3)
	assert.Equal(t, p, final)

	last := res.Iterations[len(res.Iterations)-1]
	assert.True(t, last.Converged)
	assert.Empty(t, last.Corrections)
	assert.Less(t, last.MaxResidual, 1e-3)
}

func TestRunWithBootstrap(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) {
		offsetPlane3(c)
		c.Planes[2].OffsetY = -0.3
	})

	geom := nominal()
	res, err := NewRunner(defaultConfig(4)).Run(context.Background(), events, geom, true)
	require.NoError(t, err)
	require.NotNil(t, res.Bootstrap)

	assert.Equal(t, alignment.StopConverged, res.StopReason)
	testutil.AssertOffset(t, geom, 3, 0.5, 0, 0.025)
	testutil.AssertOffset(t, geom, 2, 0, -0.3, 0.015)
	for _, id := range []int{0, 1, 4, 5} {
		testutil.AssertOffset(t, geom, id, 0, 0, 0.025)
	}

	var chi2, ndf float64
	for _, tr := range res.Tracks {
		chi2 += tr.ChiSquare
		ndf += float64(tr.NDF)
	}
	assert.GreaterOrEqual(t, len(res.Tracks), 990)
	assert.InDelta(t, 1.0, chi2/ndf, 0.1)
}

func TestRunBootstrapFailureIsFatal(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) { c.Events = 20 })
	for _, ev := range events {
		delete(ev.Hits, 4)
	}
	res, err := NewRunner(defaultConfig(1)).Run(context.Background(), events, nominal(), true)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, telescope.ErrCorrelationFailure))
}

func TestAlignStopsAtIterationLimit(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) {
		offsetPlane3(c)
		c.Events = 300
	})
	cfg := defaultConfig(2)
	cfg.Finder.SearchWindowScale = 100
	cfg.Fitter.OutlierSigmaThreshold = 0
	cfg.Refiner.MaxIterations = 1

	res, err := NewRunner(cfg).Align(context.Background(), events, nominal())
	require.NoError(t, err)
	assert.Equal(t, alignment.StopMaxIterations, res.StopReason)
	require.NotNil(t, res.Warning)
	assert.True(t, errors.Is(res.Warning, telescope.ErrAlignmentNonConvergence))
	assert.Len(t, res.Iterations, 2)
	assert.NotEmpty(t, res.Tracks)
	assert.Greater(t, res.Warning.MaxResidual, 1e-3)
}

func TestAlignCancelledLeavesGeometryUntouched(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) {
		offsetPlane3(c)
		c.Events = 100
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	geom := nominal()
	res, err := NewRunner(defaultConfig(2)).Align(ctx, events, geom)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, alignment.StopCancelled, res.StopReason)
	assert.Empty(t, res.Tracks)
	if diff := cmp.Diff(nominal().Planes(), geom.Planes()); diff != "" {
		t.Errorf("geometry changed after cancellation:\n%s", diff)
	}
}

func TestIterationHook(t *testing.T) {
	t.Parallel()

	events := generate(t, func(c *simulate.Config) {
		offsetPlane3(c)
		c.Events = 300
	})
	cfg := defaultConfig(2)
	cfg.Finder.SearchWindowScale = 100
	cfg.Fitter.OutlierSigmaThreshold = 0

	var seen []int
	var offsets []float64
	r := NewRunner(cfg)
	r.SetIterationHook(func(runID string, s alignment.IterationSummary, g *geometry.Geometry) {
		assert.NotEmpty(t, runID)
		seen = append(seen, s.Iteration)
		p, _ := g.Plane(3)
		offsets = append(offsets, p.OffsetX)
	})
	res, err := r.Align(context.Background(), events, nominal())
	require.NoError(t, err)

	require.Len(t, seen, len(res.Iterations))
	for i, it := range seen {
		assert.Equal(t, i, it)
	}
	assert.Zero(t, offsets[0])
	assert.False(t, math.IsNaN(offsets[len(offsets)-1]))
	assert.InDelta(t, 0.5, offsets[len(offsets)-1], 0.025)
}
