// Command tbsim generates a synthetic beam telescope hit file together with
// the true and nominal geometries it was generated from.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/testbeam/internal/telescope/geometry"
	"github.com/banshee-data/testbeam/internal/telescope/simulate"
	"github.com/banshee-data/testbeam/internal/telescope/trackio"
)

var (
	events      = flag.Int("events", 10000, "Number of events")
	seed        = flag.Uint64("seed", 1, "Random seed")
	planes      = flag.Int("planes", 6, "Number of planes")
	spacing     = flag.Float64("spacing", 1, "Distance between planes along z")
	resolution  = flag.Float64("resolution", 0.01, "Hit resolution (sigma) of every plane")
	offsetsX    = flag.String("offset-x", "", "Comma-separated true x offsets per plane")
	offsetsY    = flag.String("offset-y", "", "Comma-separated true y offsets per plane")
	rotations   = flag.String("rotation", "", "Comma-separated true rotations (radians) per plane")
	tracks      = flag.Float64("tracks", 1, "Mean tracks per event")
	slopeX      = flag.Float64("slope-x", 0.01, "Mean beam slope in x")
	slopeY      = flag.Float64("slope-y", -0.02, "Mean beam slope in y")
	divergence  = flag.Float64("divergence", 0, "Gaussian spread of the beam slopes")
	beamSigma   = flag.Float64("beam-sigma", 1, "Gaussian beam spot size")
	efficiency  = flag.Float64("efficiency", 1, "Hit efficiency per plane")
	scattering  = flag.Float64("scattering", 0, "Slope kick variance applied after every plane")
	noise       = flag.Float64("noise", 0, "Mean noise hits per plane")
	noiseWidth  = flag.Float64("noise-width", 5, "Half width of the noise hit area")
	outDir      = flag.String("out", ".", "Output directory")
	hitsFile    = flag.String("hits-file", "hits.csv", "Hit file name inside -out")
	truthFile   = flag.String("truth-file", "truth.json", "True geometry file name inside -out")
	nominalFile = flag.String("nominal-file", "nominal.json", "Nominal geometry file name inside -out")
)

// parseCSVFloatSlice parses a comma-separated list of floats.
func parseCSVFloatSlice(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// applyPerPlane parses list and calls set for every listed plane.
func applyPerPlane(name, list string, n int, set func(i int, v float64)) error {
	values, err := parseCSVFloatSlice(list)
	if err != nil {
		return fmt.Errorf("-%s: %w", name, err)
	}
	if len(values) > n {
		return fmt.Errorf("-%s: %d values for %d planes", name, len(values), n)
	}
	for i, v := range values {
		set(i, v)
	}
	return nil
}

func buildConfig() (simulate.Config, error) {
	cfg := simulate.DefaultConfig()
	cfg.Seed = *seed
	cfg.Events = *events
	cfg.Planes = simulate.NominalPlanes(*planes, *spacing, *resolution)
	cfg.TracksPerEvent = *tracks
	cfg.SlopeX = *slopeX
	cfg.SlopeY = *slopeY
	cfg.Divergence = *divergence
	cfg.BeamSigmaX = *beamSigma
	cfg.BeamSigmaY = *beamSigma
	cfg.Efficiency = *efficiency
	cfg.NoiseHitsPerPlane = *noise
	cfg.NoiseHalfWidth = *noiseWidth
	if *scattering > 0 {
		cfg.ScatteringVariance = make([]float64, *planes)
		for i := range cfg.ScatteringVariance {
			cfg.ScatteringVariance[i] = *scattering
		}
	}

	n := len(cfg.Planes)
	if err := applyPerPlane("offset-x", *offsetsX, n, func(i int, v float64) { cfg.Planes[i].OffsetX = v }); err != nil {
		return cfg, err
	}
	if err := applyPerPlane("offset-y", *offsetsY, n, func(i int, v float64) { cfg.Planes[i].OffsetY = v }); err != nil {
		return cfg, err
	}
	if err := applyPerPlane("rotation", *rotations, n, func(i int, v float64) { cfg.Planes[i].Rotation = v }); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	cfg, err := buildConfig()
	if err != nil {
		log.Fatal(err)
	}
	if err := generate(cfg, *outDir, *hitsFile, *truthFile, *nominalFile); err != nil {
		log.Fatalf("tbsim: %v", err)
	}
}

func generate(cfg simulate.Config, dir, hitsName, truthName, nominalName string) error {
	out, err := simulate.Generate(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	hitsPath := filepath.Join(dir, hitsName)
	f, err := os.Create(hitsPath)
	if err != nil {
		return fmt.Errorf("create hit file: %w", err)
	}
	if err := trackio.WriteEvents(f, out.Events); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close hit file: %w", err)
	}

	truth, err := geometry.New(cfg.Planes)
	if err != nil {
		return err
	}
	if err := geometry.SaveFile(filepath.Join(dir, truthName), truth); err != nil {
		return err
	}
	nominal := make([]geometry.Plane, len(cfg.Planes))
	for i, p := range cfg.Planes {
		nominal[i] = geometry.Plane{ID: p.ID, Z: p.Z, ResolutionX: p.ResolutionX, ResolutionY: p.ResolutionY}
	}
	if err := geometry.SaveFile(filepath.Join(dir, nominalName), geometry.MustNew(nominal)); err != nil {
		return err
	}

	hits := 0
	for _, ev := range out.Events {
		hits += ev.NumHits()
	}
	log.Printf("Wrote %d events (%d hits, %d tracks) to %s", len(out.Events), hits, len(out.Truth), hitsPath)
	return nil
}
