package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tracking defaults file.
const DefaultConfigPath = "config/tracking.defaults.json"

// TrackingConfig is the tuning surface of the reconstruction engine. Every
// field is optional; the Get* accessors supply the default for anything the
// JSON file leaves out, so partial files are safe.
type TrackingConfig struct {
	// Track finding
	SearchWindowScale   *float64 `json:"search_window_scale,omitempty"`
	MinMatchedPlanes    *int     `json:"min_matched_planes,omitempty"`
	MaxSeedCombinations *int     `json:"max_seed_combinations,omitempty"`

	// Track fitting
	OutlierSigmaThreshold      *float64  `json:"outlier_sigma_threshold,omitempty"` // <= 0 disables rejection
	ScatteringVariancePerPlane []float64 `json:"scattering_variance_per_plane,omitempty"`

	// Alignment
	AlignmentConvergenceThreshold *float64 `json:"alignment_convergence_threshold,omitempty"`
	MaxAlignmentIterations        *int     `json:"max_alignment_iterations,omitempty"`
	EnableRotationAlignment       *bool    `json:"enable_rotation_alignment,omitempty"`
	AlignmentFixedPlanes          []int    `json:"alignment_fixed_planes,omitempty"` // plane ids; empty = first and last
	AlignmentMinResiduals         *int     `json:"alignment_min_residuals,omitempty"`

	// Correlator bootstrap
	CorrelationEvents          *int     `json:"correlation_events,omitempty"`
	CorrelationBinWidth        *float64 `json:"correlation_bin_width,omitempty"` // 0 = derived from plane resolution
	CorrelationMinSignificance *float64 `json:"correlation_min_significance,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackingConfig returns a TrackingConfig with all fields unset.
func EmptyTrackingConfig() *TrackingConfig {
	return &TrackingConfig{}
}

// DefaultTrackingConfig returns a config with every scalar field populated
// from the built-in defaults.
func DefaultTrackingConfig() *TrackingConfig {
	c := EmptyTrackingConfig()
	return &TrackingConfig{
		SearchWindowScale:             ptrFloat64(c.GetSearchWindowScale()),
		MinMatchedPlanes:              ptrInt(c.GetMinMatchedPlanes()),
		MaxSeedCombinations:           ptrInt(c.GetMaxSeedCombinations()),
		OutlierSigmaThreshold:         ptrFloat64(c.GetOutlierSigmaThreshold()),
		AlignmentConvergenceThreshold: ptrFloat64(c.GetAlignmentConvergenceThreshold()),
		MaxAlignmentIterations:        ptrInt(c.GetMaxAlignmentIterations()),
		EnableRotationAlignment:       ptrBool(c.GetEnableRotationAlignment()),
		AlignmentMinResiduals:         ptrInt(c.GetAlignmentMinResiduals()),
		CorrelationEvents:             ptrInt(c.GetCorrelationEvents()),
		CorrelationBinWidth:           ptrFloat64(c.GetCorrelationBinWidth()),
		CorrelationMinSignificance:    ptrFloat64(c.GetCorrelationMinSignificance()),
	}
}

// LoadTrackingConfig loads a TrackingConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTrackingConfig(path string) (*TrackingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrackingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TrackingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values are usable. It does not know
// the plane count; see ValidateForPlanes for the shape checks.
func (c *TrackingConfig) Validate() error {
	if c.SearchWindowScale != nil && *c.SearchWindowScale <= 0 {
		return fmt.Errorf("search_window_scale must be positive, got %f", *c.SearchWindowScale)
	}
	// Four state parameters need at least three 2D measurements to leave ndf > 0.
	if c.MinMatchedPlanes != nil && *c.MinMatchedPlanes < 3 {
		return fmt.Errorf("min_matched_planes must be at least 3, got %d", *c.MinMatchedPlanes)
	}
	if c.MaxSeedCombinations != nil && *c.MaxSeedCombinations < 1 {
		return fmt.Errorf("max_seed_combinations must be at least 1, got %d", *c.MaxSeedCombinations)
	}
	for i, v := range c.ScatteringVariancePerPlane {
		if v < 0 {
			return fmt.Errorf("scattering_variance_per_plane[%d] must be non-negative, got %g", i, v)
		}
	}
	if c.AlignmentConvergenceThreshold != nil && *c.AlignmentConvergenceThreshold <= 0 {
		return fmt.Errorf("alignment_convergence_threshold must be positive, got %g", *c.AlignmentConvergenceThreshold)
	}
	if c.MaxAlignmentIterations != nil && *c.MaxAlignmentIterations < 0 {
		return fmt.Errorf("max_alignment_iterations must be non-negative, got %d", *c.MaxAlignmentIterations)
	}
	seen := make(map[int]bool, len(c.AlignmentFixedPlanes))
	for _, id := range c.AlignmentFixedPlanes {
		if seen[id] {
			return fmt.Errorf("alignment_fixed_planes lists plane %d twice", id)
		}
		seen[id] = true
	}
	if c.AlignmentMinResiduals != nil && *c.AlignmentMinResiduals < 1 {
		return fmt.Errorf("alignment_min_residuals must be at least 1, got %d", *c.AlignmentMinResiduals)
	}
	if c.CorrelationEvents != nil && *c.CorrelationEvents < 1 {
		return fmt.Errorf("correlation_events must be at least 1, got %d", *c.CorrelationEvents)
	}
	if c.CorrelationBinWidth != nil && *c.CorrelationBinWidth < 0 {
		return fmt.Errorf("correlation_bin_width must be non-negative, got %g", *c.CorrelationBinWidth)
	}
	if c.CorrelationMinSignificance != nil && *c.CorrelationMinSignificance <= 1 {
		return fmt.Errorf("correlation_min_significance must be greater than 1, got %g", *c.CorrelationMinSignificance)
	}
	return nil
}

// ValidateForPlanes checks the fields whose validity depends on the number
// of planes in the telescope.
func (c *TrackingConfig) ValidateForPlanes(numPlanes int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if n := len(c.ScatteringVariancePerPlane); n != 0 && n != numPlanes {
		return fmt.Errorf("scattering_variance_per_plane has %d entries, telescope has %d planes", n, numPlanes)
	}
	if c.GetMinMatchedPlanes() > numPlanes {
		return fmt.Errorf("min_matched_planes %d exceeds plane count %d", c.GetMinMatchedPlanes(), numPlanes)
	}
	return nil
}

// GetSearchWindowScale returns the search_window_scale value or the default.
func (c *TrackingConfig) GetSearchWindowScale() float64 {
	if c.SearchWindowScale == nil {
		return 5.0
	}
	return *c.SearchWindowScale
}

// GetMinMatchedPlanes returns the min_matched_planes value or the default.
func (c *TrackingConfig) GetMinMatchedPlanes() int {
	if c.MinMatchedPlanes == nil {
		return 4
	}
	return *c.MinMatchedPlanes
}

// GetMaxSeedCombinations returns the max_seed_combinations value or the default.
func (c *TrackingConfig) GetMaxSeedCombinations() int {
	if c.MaxSeedCombinations == nil {
		return 10000
	}
	return *c.MaxSeedCombinations
}

// GetOutlierSigmaThreshold returns the outlier_sigma_threshold value or the default.
func (c *TrackingConfig) GetOutlierSigmaThreshold() float64 {
	if c.OutlierSigmaThreshold == nil {
		return 5.0
	}
	return *c.OutlierSigmaThreshold
}

// GetScatteringVariance returns the scattering variance for the plane at
// index i (z order), or 0 when none is configured.
func (c *TrackingConfig) GetScatteringVariance(i int) float64 {
	if i < 0 || i >= len(c.ScatteringVariancePerPlane) {
		return 0
	}
	return c.ScatteringVariancePerPlane[i]
}

// GetAlignmentConvergenceThreshold returns the alignment_convergence_threshold value or the default.
func (c *TrackingConfig) GetAlignmentConvergenceThreshold() float64 {
	if c.AlignmentConvergenceThreshold == nil {
		return 1e-3
	}
	return *c.AlignmentConvergenceThreshold
}

// GetMaxAlignmentIterations returns the max_alignment_iterations value or the default.
func (c *TrackingConfig) GetMaxAlignmentIterations() int {
	if c.MaxAlignmentIterations == nil {
		return 20
	}
	return *c.MaxAlignmentIterations
}

// GetEnableRotationAlignment returns the enable_rotation_alignment value or the default.
func (c *TrackingConfig) GetEnableRotationAlignment() bool {
	if c.EnableRotationAlignment == nil {
		return false
	}
	return *c.EnableRotationAlignment
}

// GetAlignmentMinResiduals returns the alignment_min_residuals value or the default.
func (c *TrackingConfig) GetAlignmentMinResiduals() int {
	if c.AlignmentMinResiduals == nil {
		return 20
	}
	return *c.AlignmentMinResiduals
}

// GetCorrelationEvents returns the correlation_events value or the default.
func (c *TrackingConfig) GetCorrelationEvents() int {
	if c.CorrelationEvents == nil {
		return 2000
	}
	return *c.CorrelationEvents
}

// GetCorrelationBinWidth returns the correlation_bin_width value or the default.
func (c *TrackingConfig) GetCorrelationBinWidth() float64 {
	if c.CorrelationBinWidth == nil {
		return 0
	}
	return *c.CorrelationBinWidth
}

// GetCorrelationMinSignificance returns the correlation_min_significance value or the default.
func (c *TrackingConfig) GetCorrelationMinSignificance() float64 {
	if c.CorrelationMinSignificance == nil {
		return 5.0
	}
	return *c.CorrelationMinSignificance
}
