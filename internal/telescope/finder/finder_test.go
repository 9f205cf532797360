package finder

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
	"github.com/banshee-data/testbeam/internal/telescope/simulate"
)

func testConfig() Config {
	return Config{SearchWindowScale: 5, MinMatchedPlanes: 4, MaxSeedCombinations: 100}
}

func nominal() *geometry.Geometry {
	return geometry.MustNew(simulate.NominalPlanes(6, 1, 0.01))
}

// lineEvent places one hit per plane on the line x = x0 + tx*z, y = y0 + ty*z.
func lineEvent(id int64, x0, y0, tx, ty float64) *telescope.Event {
	ev := &telescope.Event{ID: id, Hits: map[int][]telescope.Hit{}}
	for p := 0; p < 6; p++ {
		z := float64(p)
		ev.Hits[p] = append(ev.Hits[p], telescope.Hit{PlaneID: p, X: x0 + tx*z, Y: y0 + ty*z})
	}
	return ev
}

// ---------------------------------------------------------------------------
// Basic association
// ---------------------------------------------------------------------------

func TestFindSingleTrack(t *testing.T) {
	t.Parallel()

	f := New(testConfig())
	cands, err := f.Find(lineEvent(7, 1, 2, 0.01, -0.02), nominal())
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, int64(7), c.EventID)
	assert.Equal(t, 6, c.NumMatched())
	assert.InDelta(t, 0, c.SeedResidual, 1e-12)
	for p, h := range c.Hits {
		require.NotNil(t, h, "plane %d", p)
		assert.Equal(t, 0, h.Index)
		assert.Equal(t, p, h.Hit.PlaneID)
	}
}

func TestFindMissingInteriorPlane(t *testing.T) {
	t.Parallel()

	ev := lineEvent(1, 0, 0, 0, 0)
	delete(ev.Hits, 2)

	cands, err := New(testConfig()).Find(ev, nominal())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Nil(t, cands[0].Hits[2])
	assert.Equal(t, 5, cands[0].NumMatched())
}

func TestFindBelowMinMatched(t *testing.T) {
	t.Parallel()

	ev := lineEvent(1, 0, 0, 0, 0)
	delete(ev.Hits, 1)
	delete(ev.Hits, 2)
	delete(ev.Hits, 3)

	cands, err := New(testConfig()).Find(ev, nominal())
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestFindNoSeedHits(t *testing.T) {
	t.Parallel()

	// Five matched planes would satisfy MinMatchedPlanes, but without a seed
	// plane hit no candidate is ever formed.
	for _, missing := range []int{0, 5} {
		ev := lineEvent(1, 0, 0, 0, 0)
		delete(ev.Hits, missing)
		cands, err := New(testConfig()).Find(ev, nominal())
		require.NoError(t, err)
		assert.Empty(t, cands, "missing plane %d", missing)
	}
}

func TestFindHitOutsideWindowIsUnmatched(t *testing.T) {
	t.Parallel()

	ev := lineEvent(1, 0, 0, 0, 0)
	ev.Hits[3][0].X = 1.0 // far outside 5 * 0.01

	cands, err := New(testConfig()).Find(ev, nominal())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Nil(t, cands[0].Hits[3])
	assert.InDelta(t, New(testConfig()).Window(nominal(), 3), cands[0].SeedResidual, 1e-12)
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestFindUnknownPlane(t *testing.T) {
	t.Parallel()

	ev := lineEvent(3, 0, 0, 0, 0)
	ev.Hits[99] = []telescope.Hit{{PlaneID: 99}}
	_, err := New(testConfig()).Find(ev, nominal())
	assert.True(t, errors.Is(err, telescope.ErrInvalidPlaneID))
}

func TestFindSeedLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSeedCombinations = 3
	ev := lineEvent(3, 0, 0, 0, 0)
	ev.Hits[0] = append(ev.Hits[0], telescope.Hit{PlaneID: 0, X: 1}, telescope.Hit{PlaneID: 0, X: 2})
	ev.Hits[5] = append(ev.Hits[5], telescope.Hit{PlaneID: 5, X: 1})

	_, err := New(cfg).Find(ev, nominal())
	assert.True(t, errors.Is(err, ErrSeedLimit))
}

// ---------------------------------------------------------------------------
// Ambiguity resolution and determinism
// ---------------------------------------------------------------------------

func TestNearestTieKeepsLowerIndex(t *testing.T) {
	t.Parallel()

	ev := lineEvent(1, 0, 0, 0, 0)
	ev.Hits[2] = []telescope.Hit{{PlaneID: 2, X: 0.01}, {PlaneID: 2, X: -0.01}}

	cands, err := New(testConfig()).Find(ev, nominal())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 0, cands[0].Hits[2].Index)
}

func TestSharedHitKeepsSmallestResidual(t *testing.T) {
	t.Parallel()

	// Two first-plane hits share the only last-plane hit. The one on the
	// true line wins.
	ev := lineEvent(1, 0, 0, 0, 0)
	ev.Hits[0] = []telescope.Hit{{PlaneID: 0, X: 0.02}, {PlaneID: 0, X: 0}}

	cands, err := New(testConfig()).Find(ev, nominal())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 1, cands[0].Hits[0].Index)
}

func TestEqualResidualTieBreaksOnSeedIndex(t *testing.T) {
	t.Parallel()

	ev := lineEvent(1, 0, 0, 0, 0)
	ev.Hits[0] = []telescope.Hit{{PlaneID: 0}, {PlaneID: 0}}

	cands, err := New(testConfig()).Find(ev, nominal())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 0, cands[0].Hits[0].Index)
}

func TestFindDeterministic(t *testing.T) {
	t.Parallel()

	sim := simulate.DefaultConfig()
	sim.Events = 50
	sim.TracksPerEvent = 3
	sim.NoiseHitsPerPlane = 2
	sim.NoiseHalfWidth = 3
	out, err := simulate.Generate(sim)
	require.NoError(t, err)

	f := New(testConfig())
	geom := nominal()
	for _, ev := range out.Events {
		first, err := f.Find(ev, geom)
		require.NoError(t, err)
		for run := 0; run < 3; run++ {
			again, err := f.Find(ev, geom)
			require.NoError(t, err)
			if diff := cmp.Diff(first, again); diff != "" {
				t.Fatalf("event %d: candidates differ between runs (-first +again):\n%s", ev.ID, diff)
			}
		}
	}
}

func TestFindRecoversSimulatedTracks(t *testing.T) {
	t.Parallel()

	sim := simulate.DefaultConfig()
	sim.Events = 200
	sim.TracksPerEvent = 2
	sim.NoiseHitsPerPlane = 1
	sim.NoiseHalfWidth = 3
	out, err := simulate.Generate(sim)
	require.NoError(t, err)

	f := New(testConfig())
	geom := nominal()
	byEvent := map[int64][]*telescope.TrackCandidate{}
	for _, ev := range out.Events {
		cands, err := f.Find(ev, geom)
		require.NoError(t, err)
		byEvent[ev.ID] = cands
	}

	found := 0
	for _, truth := range out.Truth {
		for _, c := range byEvent[truth.EventID] {
			if c.Hits[0].Index == truth.HitIndex[0] && c.Hits[5].Index == truth.HitIndex[5] {
				found++
				break
			}
		}
	}
	assert.GreaterOrEqual(t, float64(found), 0.95*float64(len(out.Truth)))
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

func TestWindowGrowsWithScattering(t *testing.T) {
	t.Parallel()

	geom := nominal()
	plain := New(testConfig())
	cfg := testConfig()
	cfg.ScatteringVariance = []float64{1e-4, 1e-4, 1e-4, 1e-4, 1e-4, 1e-4}
	scattered := New(cfg)

	assert.InDelta(t, 0.05, plain.Window(geom, 3), 1e-12)
	assert.Greater(t, scattered.Window(geom, 3), plain.Window(geom, 3))
	assert.Greater(t, scattered.Window(geom, 4), scattered.Window(geom, 2))
}

func TestConfigFromTuning(t *testing.T) {
	t.Parallel()

	tuning := config.EmptyTrackingConfig()
	tuning.ScatteringVariancePerPlane = []float64{1e-6, 2e-6}
	cfg := ConfigFromTuning(tuning, 4)
	assert.Equal(t, 5.0, cfg.SearchWindowScale)
	assert.Equal(t, 4, cfg.MinMatchedPlanes)
	assert.Equal(t, []float64{1e-6, 2e-6, 0, 0}, cfg.ScatteringVariance)
}
