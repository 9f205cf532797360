package geometry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/testbeam/internal/version"
)

// FormatVersion is the current version of the persisted geometry record.
// Readers accept any version up to and including this one.
const FormatVersion = 1

// Record is the persisted, plane-indexed form of a Geometry.
type Record struct {
	FormatVersion int           `json:"format_version"`
	Producer      string        `json:"producer,omitempty"`
	Planes        []PlaneRecord `json:"planes"`
}

// PlaneRecord is one plane inside a Record. Index is the plane's z-order
// position and must match its position in Record.Planes.
type PlaneRecord struct {
	Index       int     `json:"index"`
	ID          int     `json:"id"`
	Z           float64 `json:"z"`
	OffsetX     float64 `json:"offset_x"`
	OffsetY     float64 `json:"offset_y"`
	Rotation    float64 `json:"rotation"`
	ResolutionX float64 `json:"resolution_x"`
	ResolutionY float64 `json:"resolution_y"`
}

// Record returns the persisted form of g.
func (g *Geometry) Record() Record {
	planes := g.Planes()
	rec := Record{
		FormatVersion: FormatVersion,
		Producer:      version.Producer(),
		Planes:        make([]PlaneRecord, len(planes)),
	}
	for i, p := range planes {
		rec.Planes[i] = PlaneRecord{
			Index:       i,
			ID:          p.ID,
			Z:           p.Z,
			OffsetX:     p.OffsetX,
			OffsetY:     p.OffsetY,
			Rotation:    p.Rotation,
			ResolutionX: p.ResolutionX,
			ResolutionY: p.ResolutionY,
		}
	}
	return rec
}

// FromRecord rebuilds a Geometry from its persisted form.
func FromRecord(rec Record) (*Geometry, error) {
	switch {
	case rec.FormatVersion == 0:
		return nil, fmt.Errorf("geometry record has no format_version")
	case rec.FormatVersion > FormatVersion:
		return nil, fmt.Errorf("geometry record format_version %d is newer than supported %d", rec.FormatVersion, FormatVersion)
	}
	planes := make([]Plane, len(rec.Planes))
	for i, pr := range rec.Planes {
		if pr.Index != i {
			return nil, fmt.Errorf("geometry record plane %d has index %d at position %d", pr.ID, pr.Index, i)
		}
		planes[i] = Plane{
			ID:          pr.ID,
			Z:           pr.Z,
			OffsetX:     pr.OffsetX,
			OffsetY:     pr.OffsetY,
			Rotation:    pr.Rotation,
			ResolutionX: pr.ResolutionX,
			ResolutionY: pr.ResolutionY,
		}
	}
	return New(planes)
}

// Encode writes g as indented JSON.
func Encode(w io.Writer, g *Geometry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(g.Record()); err != nil {
		return fmt.Errorf("encode geometry: %w", err)
	}
	return nil
}

// Decode reads a geometry record written by Encode.
func Decode(r io.Reader) (*Geometry, error) {
	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	return FromRecord(rec)
}

// SaveFile writes g to path, replacing any existing file atomically.
func SaveFile(path string, g *Geometry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".geometry-*.json")
	if err != nil {
		return fmt.Errorf("create temp geometry file: %w", err)
	}
	tmpName := tmp.Name()
	if err := Encode(tmp, g); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp geometry file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename geometry file: %w", err)
	}
	return nil
}

// LoadFile reads a geometry record from path.
func LoadFile(path string) (*Geometry, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open geometry file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
