package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/testbeam/internal/telescope/simulate"
)

func TestNominal(t *testing.T) {
	t.Parallel()
	g := Nominal(4)
	assert.Equal(t, 4, g.NumPlanes())
	assert.Equal(t, 3.0, g.ZSpan())
	AssertOffset(t, g, 2, 0, 0, 0)
}

func TestSimulate(t *testing.T) {
	t.Parallel()
	out := Simulate(t, func(c *simulate.Config) { c.Events = 10 })
	assert.Len(t, out.Events, 10)
	assert.Len(t, out.Truth, 10)
}
