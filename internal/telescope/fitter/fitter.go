// Package fitter estimates straight-line track parameters from a candidate
// with a forward Kalman filter and a Rauch-Tung-Striebel backward smoother.
//
// The state is (x, y, slopeX, slopeY) in the global frame. Between planes the
// state is propagated linearly in z; the scattering variance of the plane
// just left is added to the slope covariance as process noise. Planes
// without a hit are predicted only, so their covariance grows.
package fitter

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/testbeam/internal/config"
	"github.com/banshee-data/testbeam/internal/telescope"
	"github.com/banshee-data/testbeam/internal/telescope/geometry"
)

// minMatchedFloor is the smallest number of planes that leaves a positive
// number of degrees of freedom for a four-parameter fit.
const minMatchedFloor = 3

// Config holds the fitter parameters.
type Config struct {
	// OutlierSigmaThreshold is the pull above which a hit is dropped and
	// the track re-fitted once. Values <= 0 disable rejection.
	OutlierSigmaThreshold float64
	MinMatchedPlanes      int
	// ScatteringVariance[i] is the slope variance added after the plane at
	// z-order index i.
	ScatteringVariance []float64
}

// ConfigFromTuning builds a Config from a loaded TrackingConfig for a
// telescope with numPlanes planes.
func ConfigFromTuning(cfg *config.TrackingConfig, numPlanes int) Config {
	scatter := make([]float64, numPlanes)
	for i := range scatter {
		scatter[i] = cfg.GetScatteringVariance(i)
	}
	return Config{
		OutlierSigmaThreshold: cfg.GetOutlierSigmaThreshold(),
		MinMatchedPlanes:      cfg.GetMinMatchedPlanes(),
		ScatteringVariance:    scatter,
	}
}

// Fitter turns candidates into fitted tracks. It holds no per-track state
// and is safe for concurrent use.
type Fitter struct {
	cfg Config
}

// New creates a Fitter.
func New(cfg Config) *Fitter {
	return &Fitter{cfg: cfg}
}

func (f *Fitter) minMatched() int {
	if f.cfg.MinMatchedPlanes < minMatchedFloor {
		return minMatchedFloor
	}
	return f.cfg.MinMatchedPlanes
}

func (f *Fitter) scatter(i int) float64 {
	if i < len(f.cfg.ScatteringVariance) {
		return f.cfg.ScatteringVariance[i]
	}
	return 0
}

// Fit fits candidate c using geom. When outlier rejection is enabled, every
// matched plane whose pull exceeds the threshold after the first pass is
// dropped and the track re-fitted once; dropped hits are kept in the result
// as outliers with residuals against the re-fit. Candidates with
// fewer than the minimum matched planes, before or after outlier
// rejection, fail with an error wrapping telescope.ErrUnderconstrainedTrack
// and no partial track.
func (f *Fitter) Fit(c *telescope.TrackCandidate, geom *geometry.Geometry) (*telescope.FittedTrack, error) {
	planes := geom.Planes()
	if len(c.Hits) != len(planes) {
		return nil, fmt.Errorf("event %d: candidate spans %d planes, geometry has %d",
			c.EventID, len(c.Hits), len(planes))
	}
	if m := c.NumMatched(); m < f.minMatched() {
		return nil, &telescope.UnderconstrainedError{EventID: c.EventID, Matched: m, Required: f.minMatched(), Stage: "input"}
	}

	meas := f.measurements(c, planes)
	used := make([]bool, len(planes))
	for i := range meas {
		used[i] = meas[i].ok
	}

	track, err := f.fitOnce(c.EventID, planes, meas, used)
	if err != nil {
		return nil, err
	}
	if f.cfg.OutlierSigmaThreshold <= 0 {
		return track, nil
	}

	rejected := 0
	for i, ps := range track.Planes {
		if !ps.Matched {
			continue
		}
		if math.Max(math.Abs(ps.PullX), math.Abs(ps.PullY)) > f.cfg.OutlierSigmaThreshold {
			used[i] = false
			rejected++
		}
	}
	if rejected == 0 {
		return track, nil
	}

	matched := 0
	for _, u := range used {
		if u {
			matched++
		}
	}
	if matched < f.minMatched() {
		return nil, &telescope.UnderconstrainedError{EventID: c.EventID, Matched: matched, Required: f.minMatched(), Stage: "outlier rejection"}
	}
	return f.fitOnce(c.EventID, planes, meas, used)
}

// measurement is a candidate hit in the global frame.
type measurement struct {
	ok   bool
	x, y float64
	cov  [4]float64
}

func (f *Fitter) measurements(c *telescope.TrackCandidate, planes []geometry.Plane) []measurement {
	out := make([]measurement, len(planes))
	for i, p := range planes {
		h := c.Hits[i]
		if h == nil {
			continue
		}
		gx, gy := p.LocalToGlobal(h.Hit.X, h.Hit.Y)
		cov := p.MeasurementCovariance()
		cov[0] = math.Max(cov[0], varianceFloor)
		cov[3] = math.Max(cov[3], varianceFloor)
		out[i] = measurement{ok: true, x: gx, y: gy, cov: cov}
	}
	return out
}

// fitOnce runs one filter and smoother pass using the measurements flagged
// in used. Measurements present but not used are reported as outliers.
func (f *Fitter) fitOnce(eventID int64, planes []geometry.Plane, meas []measurement, used []bool) (*telescope.FittedTrack, error) {
	steps := make([]step, len(planes))
	var zs, xs, ys []float64
	maxVar := varianceFloor
	for i, p := range planes {
		steps[i] = step{z: p.Z, scatter: f.scatter(i)}
		if !used[i] {
			continue
		}
		m := meas[i]
		steps[i].hasMeas = true
		steps[i].m = mat.NewVecDense(2, []float64{m.x, m.y})
		steps[i].v = mat.NewSymDense(2, []float64{m.cov[0], m.cov[1], m.cov[2], m.cov[3]})
		zs = append(zs, p.Z)
		xs = append(xs, m.x)
		ys = append(ys, m.y)
		maxVar = math.Max(maxVar, math.Max(m.cov[0], m.cov[3]))
	}

	x0 := seedState(zs, xs, ys, planes[0].Z)
	span := planes[len(planes)-1].Z - planes[0].Z
	p0 := mat.NewSymDense(4, nil)
	p0.SetSym(0, 0, priorScale*maxVar)
	p0.SetSym(1, 1, priorScale*maxVar)
	p0.SetSym(2, 2, priorScale*maxVar/(span*span))
	p0.SetSym(3, 3, priorScale*maxVar/(span*span))

	nodes, err := forward(steps, x0, p0)
	if err != nil {
		return nil, fmt.Errorf("event %d: forward filter: %w", eventID, err)
	}
	smoothed, err := smooth(nodes)
	if err != nil {
		return nil, fmt.Errorf("event %d: smoother: %w", eventID, err)
	}

	track := &telescope.FittedTrack{
		EventID:        eventID,
		ReferencePlane: planes[0].ID,
		Planes:         make([]telescope.PlaneState, len(planes)),
	}
	matched := 0
	for i, p := range planes {
		sn := smoothed[i]
		ps := telescope.PlaneState{
			PlaneID: p.ID,
			Z:       p.Z,
			State: telescope.State{
				X: sn.x.AtVec(0), Y: sn.x.AtVec(1),
				SlopeX: sn.x.AtVec(2), SlopeY: sn.x.AtVec(3),
			},
		}
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				ps.Covariance[r*4+c] = sn.p.At(r, c)
			}
		}
		if meas[i].ok {
			fillResiduals(&ps, meas[i], used[i])
			if used[i] {
				matched++
				track.ChiSquare += measurementChi2(&ps, meas[i])
			}
		}
		track.Planes[i] = ps
	}
	for i := 0; i < len(planes)-1; i++ {
		if theta2 := f.scatter(i); theta2 > 0 {
			a, b := track.Planes[i].State, track.Planes[i+1].State
			dtx, dty := b.SlopeX-a.SlopeX, b.SlopeY-a.SlopeY
			track.ChiSquare += (dtx*dtx + dty*dty) / theta2
		}
	}
	track.Reference = track.Planes[0].State
	track.NDF = 2*matched - 4
	return track, nil
}

// seedState returns the unweighted least-squares line through the points
// evaluated at z0.
func seedState(zs, xs, ys []float64, z0 float64) *mat.VecDense {
	n := float64(len(zs))
	var sz, szz, sx, sy, szx, szy float64
	for i := range zs {
		z := zs[i] - z0
		sz += z
		szz += z * z
		sx += xs[i]
		sy += ys[i]
		szx += z * xs[i]
		szy += z * ys[i]
	}
	det := n*szz - sz*sz
	if det == 0 {
		return mat.NewVecDense(4, []float64{sx / n, sy / n, 0, 0})
	}
	tx := (n*szx - sz*sx) / det
	ty := (n*szy - sz*sy) / det
	return mat.NewVecDense(4, []float64{(sx - tx*sz) / n, (sy - ty*sz) / n, tx, ty})
}

// fillResiduals sets the residuals and pulls of ps against m. For a hit
// used in the fit the smoothed residual variance is V - H C H^T and the
// unbiased residual is recovered as V R^-1 r. For a hit outside the fit the
// prediction is already unbiased and its variance is V + H C H^T.
func fillResiduals(ps *telescope.PlaneState, m measurement, used bool) {
	ps.HitX, ps.HitY = m.x, m.y
	ps.ResidualX = m.x - ps.X
	ps.ResidualY = m.y - ps.Y
	ps.Matched = used
	ps.Outlier = !used

	v := mat.NewDense(2, 2, m.cov[:])
	hc := mat.NewDense(2, 2, []float64{
		ps.Covariance[0], ps.Covariance[1],
		ps.Covariance[4], ps.Covariance[5],
	})
	r := mat.NewVecDense(2, []float64{ps.ResidualX, ps.ResidualY})

	if !used {
		var total mat.Dense
		total.Add(v, hc)
		ps.UnbiasedResidualX, ps.UnbiasedResidualY = ps.ResidualX, ps.ResidualY
		ps.UnbiasedVarianceX = math.Max(total.At(0, 0), varianceFloor)
		ps.UnbiasedVarianceY = math.Max(total.At(1, 1), varianceFloor)
		ps.PullX = ps.ResidualX / math.Sqrt(ps.UnbiasedVarianceX)
		ps.PullY = ps.ResidualY / math.Sqrt(ps.UnbiasedVarianceY)
		return
	}

	var rs mat.Dense
	rs.Sub(v, hc)
	rs.Set(0, 0, math.Max(rs.At(0, 0), varianceFloor*varianceFloor))
	rs.Set(1, 1, math.Max(rs.At(1, 1), varianceFloor*varianceFloor))
	ps.PullX = ps.ResidualX / math.Sqrt(rs.At(0, 0))
	ps.PullY = ps.ResidualY / math.Sqrt(rs.At(1, 1))

	var rsInv mat.Dense
	if err := rsInv.Inverse(&rs); err != nil {
		ps.UnbiasedResidualX, ps.UnbiasedResidualY = ps.ResidualX, ps.ResidualY
		ps.UnbiasedVarianceX, ps.UnbiasedVarianceY = m.cov[0], m.cov[3]
		return
	}
	var g mat.Dense
	g.Mul(v, &rsInv)
	var ru mat.VecDense
	ru.MulVec(&g, r)
	ps.UnbiasedResidualX, ps.UnbiasedResidualY = ru.AtVec(0), ru.AtVec(1)

	var vu mat.Dense
	vu.Mul(&g, v)
	ps.UnbiasedVarianceX = math.Max(vu.At(0, 0), varianceFloor)
	ps.UnbiasedVarianceY = math.Max(vu.At(1, 1), varianceFloor)
}

// measurementChi2 returns r^T V^-1 r for the smoothed residual at ps.
func measurementChi2(ps *telescope.PlaneState, m measurement) float64 {
	a, b, d := m.cov[0], m.cov[1], m.cov[3]
	det := a*d - b*b
	if det <= 0 {
		return ps.ResidualX*ps.ResidualX/a + ps.ResidualY*ps.ResidualY/d
	}
	rx, ry := ps.ResidualX, ps.ResidualY
	return (d*rx*rx - 2*b*rx*ry + a*ry*ry) / det
}
