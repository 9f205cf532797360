// Package alignment refines plane alignment from fitted-track residuals.
//
// Each iteration aggregates the unbiased residuals of every plane into a
// ResidualSet. The translation correction of a plane is minus its mean
// residual; with rotation enabled a weighted least-squares fit of
// r = t + dphi * (-v, u) over the predicted in-plane position (u, v)
// determines translation and rotation together. Reference planes are held
// fixed to remove the global shift and shear modes that residuals cannot
// constrain.
package alignment

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
)

// Config holds the refiner parameters.
type Config struct {
	ConvergenceThreshold float64
	MaxIterations        int
	EnableRotation       bool
	// FixedPlanes are plane ids never corrected. Empty means the first and
	// last planes.
	FixedPlanes []int
	// MinResiduals is the number of residuals a plane needs before it is
	// corrected or counted towards convergence.
	MinResiduals int
}

// ConfigFromTuning builds a Config from a loaded TrackingConfig.
func ConfigFromTuning(cfg *config.TrackingConfig) Config {
	return Config{
		ConvergenceThreshold: cfg.GetAlignmentConvergenceThreshold(),
		MaxIterations:        cfg.GetMaxAlignmentIterations(),
		EnableRotation:       cfg.GetEnableRotationAlignment(),
		FixedPlanes:          append([]int(nil), cfg.AlignmentFixedPlanes...),
		MinResiduals:         cfg.GetAlignmentMinResiduals(),
	}
}

// Correction is the alignment change computed for one plane.
type Correction struct {
	PlaneID int
	DX, DY  float64
	DRot    float64
}

// StopReason tells why the alignment loop ended.
type StopReason int

const (
	StopConverged StopReason = iota
	StopMaxIterations
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopConverged:
		return "converged"
	case StopMaxIterations:
		return "max-iterations"
	case StopCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// IterationSummary records one pass of the alignment loop.
type IterationSummary struct {
	Iteration   int
	Tracks      int
	MaxResidual float64
	Converged   bool
	Planes      []PlaneResiduals
	Corrections []Correction // empty for the pass that ended the loop
}

// Refiner computes and applies alignment corrections.
type Refiner struct {
	cfg Config
}

// NewRefiner creates a Refiner.
func NewRefiner(cfg Config) *Refiner {
	return &Refiner{cfg: cfg}
}

// Config returns the refiner configuration.
func (r *Refiner) Config() Config {
	return r.cfg
}

// fixed returns the set of fixed plane ids for planeIDs in z order.
func (r *Refiner) fixed(planeIDs []int) map[int]bool {
	out := make(map[int]bool)
	if len(r.cfg.FixedPlanes) == 0 {
		if len(planeIDs) > 0 {
			out[planeIDs[0]] = true
			out[planeIDs[len(planeIDs)-1]] = true
		}
		return out
	}
	for _, id := range r.cfg.FixedPlanes {
		out[id] = true
	}
	return out
}

// ValidateFixedPlanes checks that every configured fixed plane exists.
func (r *Refiner) ValidateFixedPlanes(geom *geometry.Geometry) error {
	for _, id := range r.cfg.FixedPlanes {
		if _, err := geom.Index(id); err != nil {
			return fmt.Errorf("alignment fixed plane: %w", err)
		}
	}
	return nil
}

// eligible reports whether plane i of s takes part in alignment.
func (r *Refiner) eligible(s *ResidualSet, i int, fixed map[int]bool) bool {
	return !fixed[s.planes[i].ID] && len(s.data[i].rx) >= r.cfg.MinResiduals && len(s.data[i].rx) > 0
}

// Evaluate returns the largest absolute mean residual over the planes that
// take part in alignment, the per-plane magnitudes and whether it is below
// the convergence threshold.
func (r *Refiner) Evaluate(s *ResidualSet) (maxResidual float64, perPlane map[int]float64, converged bool) {
	fixed := r.fixed(s.PlaneIDs())
	perPlane = make(map[int]float64)
	for i := range s.planes {
		if !r.eligible(s, i, fixed) {
			continue
		}
		sum := s.summary(i)
		m := math.Max(math.Abs(sum.MeanX), math.Abs(sum.MeanY))
		perPlane[sum.PlaneID] = m
		maxResidual = math.Max(maxResidual, m)
	}
	return maxResidual, perPlane, maxResidual < r.cfg.ConvergenceThreshold
}

// Corrections returns the corrections for every eligible plane, z order.
func (r *Refiner) Corrections(s *ResidualSet) []Correction {
	fixed := r.fixed(s.PlaneIDs())
	var out []Correction
	for i := range s.planes {
		if !r.eligible(s, i, fixed) {
			continue
		}
		c := Correction{PlaneID: s.planes[i].ID}
		if r.cfg.EnableRotation {
			if tx, ty, phi, ok := solveRigid(s.data[i].clipped()); ok {
				c.DX, c.DY, c.DRot = -tx, -ty, -phi
				out = append(out, c)
				continue
			}
		}
		sum := s.summary(i)
		c.DX, c.DY = -sum.MeanX, -sum.MeanY
		out = append(out, c)
	}
	return out
}

// Apply applies corrections to geom. It must only be called at the
// iteration barrier, when no worker is reading geom.
func (r *Refiner) Apply(geom *geometry.Geometry, corrections []Correction) error {
	sorted := append([]Correction(nil), corrections...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PlaneID < sorted[j].PlaneID })
	for _, c := range sorted {
		if err := geom.ApplyCorrection(c.PlaneID, c.DX, c.DY, c.DRot); err != nil {
			return err
		}
	}
	return nil
}

// NonConvergence builds the warning reported when the iteration limit is
// reached.
func (r *Refiner) NonConvergence(iterations int, s *ResidualSet) *telescope.NonConvergenceError {
	maxResidual, perPlane, _ := r.Evaluate(s)
	return &telescope.NonConvergenceError{
		Iterations:     iterations,
		Threshold:      r.cfg.ConvergenceThreshold,
		MaxResidual:    maxResidual,
		PlaneResiduals: perPlane,
	}
}

// solveRigid fits r_x = tx - phi*v, r_y = ty + phi*u by weighted least
// squares. ok is false when the normal matrix is not positive definite,
// for example when all hits sit at one point.
func solveRigid(d *planeData) (tx, ty, phi float64, ok bool) {
	normal := mat.NewSymDense(3, nil)
	rhs := mat.NewVecDense(3, nil)
	add := func(row [3]float64, w, r float64) {
		for a := 0; a < 3; a++ {
			rhs.SetVec(a, rhs.AtVec(a)+w*row[a]*r)
			for b := a; b < 3; b++ {
				normal.SetSym(a, b, normal.At(a, b)+w*row[a]*row[b])
			}
		}
	}
	for k := range d.rx {
		add([3]float64{1, 0, -d.v[k]}, d.wx[k], d.rx[k])
		add([3]float64{0, 1, d.u[k]}, d.wy[k], d.ry[k])
	}

	var chol mat.Cholesky
	if !chol.Factorize(normal) {
		return 0, 0, 0, false
	}
	if chol.Cond() > 1e12 {
		return 0, 0, 0, false
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, rhs); err != nil {
		return 0, 0, 0, false
	}
	return sol.AtVec(0), sol.AtVec(1), sol.AtVec(2), true
}
