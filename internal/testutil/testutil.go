// Package testutil provides shared test fixtures for the telescope packages.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/testbeam/internal/telescope/geometry"
	"github.com/banshee-data/testbeam/internal/telescope/simulate"
)

// Nominal returns n ideal planes one unit apart with 10 micron resolution,
// matching simulate.DefaultConfig.
func Nominal(n int) *geometry.Geometry {
	return geometry.MustNew(simulate.NominalPlanes(n, 1, 0.01))
}

// Simulate runs simulate.DefaultConfig adjusted by mutate.
func Simulate(t testing.TB, mutate func(*simulate.Config)) *simulate.Output {
	t.Helper()
	cfg := simulate.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	out, err := simulate.Generate(cfg)
	require.NoError(t, err)
	return out
}

// AssertOffset checks the translation of planeID in geom.
func AssertOffset(t testing.TB, geom *geometry.Geometry, planeID int, wantX, wantY, tol float64) {
	t.Helper()
	p, err := geom.Plane(planeID)
	require.NoError(t, err)
	assert.InDelta(t, wantX, p.OffsetX, tol, "plane %d offset x", planeID)
	assert.InDelta(t, wantY, p.OffsetY, tol, "plane %d offset y", planeID)
}
