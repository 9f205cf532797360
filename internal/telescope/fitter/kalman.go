package fitter

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Internal numerical stability constants, not user-tunable.
const (
	// varianceFloor keeps measurement and residual variances invertible
	// for zero-resolution planes.
	varianceFloor = 1e-12
	// priorScale inflates the initial covariance so the seed carries no
	// weight in the fit.
	priorScale = 1e6
	// smootherJitter is added to the predicted covariance diagonal when its
	// Cholesky factorisation fails.
	smootherJitter = 1e-12
)

// step is one plane as seen by the filter.
type step struct {
	z       float64
	scatter float64 // slope variance added after this plane
	hasMeas bool
	m       *mat.VecDense // measured global (x, y)
	v       *mat.SymDense // 2x2 measurement covariance
}

// filterNode holds the forward pass quantities at one plane.
type filterNode struct {
	xPred *mat.VecDense
	pPred *mat.SymDense
	xFilt *mat.VecDense
	pFilt *mat.SymDense
	f     *mat.Dense // transition from the previous plane; nil at the first plane
}

// smoothNode is the smoothed estimate at one plane.
type smoothNode struct {
	x *mat.VecDense
	p *mat.SymDense
}

// projection picks (x, y) out of the state.
var projection = mat.NewDense(2, 4, []float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
})

// transition returns the straight-line propagator over dz.
func transition(dz float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, dz, 0,
		0, 1, 0, dz,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// processNoise returns the covariance of the position and slope change
// caused by a slope kick of variance theta2 at the start of a dz drift.
func processNoise(theta2, dz float64) *mat.SymDense {
	return mat.NewSymDense(4, []float64{
		theta2 * dz * dz, 0, theta2 * dz, 0,
		0, theta2 * dz * dz, 0, theta2 * dz,
		theta2 * dz, 0, theta2, 0,
		0, theta2 * dz, 0, theta2,
	})
}

// symmetrize returns (a + a^T)/2 as a SymDense.
func symmetrize(a mat.Matrix) *mat.SymDense {
	r, _ := a.Dims()
	s := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}

// forward runs the Kalman filter over steps starting from (x0, p0) at the
// first plane.
func forward(steps []step, x0 *mat.VecDense, p0 *mat.SymDense) ([]filterNode, error) {
	nodes := make([]filterNode, len(steps))
	for k, st := range steps {
		node := &nodes[k]
		if k == 0 {
			node.xPred = mat.VecDenseCopyOf(x0)
			node.pPred = mat.NewSymDense(4, nil)
			node.pPred.CopySym(p0)
		} else {
			prev := &nodes[k-1]
			dz := st.z - steps[k-1].z
			node.f = transition(dz)

			node.xPred = mat.NewVecDense(4, nil)
			node.xPred.MulVec(node.f, prev.xFilt)

			var fp, fpf mat.Dense
			fp.Mul(node.f, prev.pFilt)
			fpf.Mul(&fp, node.f.T())
			if theta2 := steps[k-1].scatter; theta2 > 0 {
				fpf.Add(&fpf, processNoise(theta2, dz))
			}
			node.pPred = symmetrize(&fpf)
		}

		if !st.hasMeas {
			node.xFilt = node.xPred
			node.pFilt = node.pPred
			continue
		}
		if err := update(node, st); err != nil {
			return nil, fmt.Errorf("plane at z=%g: %w", st.z, err)
		}
	}
	return nodes, nil
}

// update applies the measurement at st to node in Joseph form.
func update(node *filterNode, st step) error {
	// S = H P H^T + V
	var hp, s mat.Dense
	hp.Mul(projection, node.pPred)
	s.Mul(&hp, projection.T())
	s.Add(&s, st.v)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return fmt.Errorf("innovation covariance not invertible: %w", err)
	}

	// K = P H^T S^-1
	var pht, k mat.Dense
	pht.Mul(node.pPred, projection.T())
	k.Mul(&pht, &sInv)

	// x = x + K (m - H x)
	var hx, innov, corr mat.VecDense
	hx.MulVec(projection, node.xPred)
	innov.SubVec(st.m, &hx)
	corr.MulVec(&k, &innov)
	node.xFilt = mat.NewVecDense(4, nil)
	node.xFilt.AddVec(node.xPred, &corr)

	// P = (I - K H) P (I - K H)^T + K V K^T
	var kh, ikh mat.Dense
	kh.Mul(&k, projection)
	ikh.Sub(eye4(), &kh)
	var a, joseph, kv, kvk mat.Dense
	a.Mul(&ikh, node.pPred)
	joseph.Mul(&a, ikh.T())
	kv.Mul(&k, st.v)
	kvk.Mul(&kv, k.T())
	joseph.Add(&joseph, &kvk)
	node.pFilt = symmetrize(&joseph)
	return nil
}

func eye4() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// smooth runs the Rauch-Tung-Striebel backward pass over nodes.
func smooth(nodes []filterNode) ([]smoothNode, error) {
	n := len(nodes)
	out := make([]smoothNode, n)
	out[n-1] = smoothNode{x: nodes[n-1].xFilt, p: nodes[n-1].pFilt}

	for k := n - 2; k >= 0; k-- {
		next := &nodes[k+1]
		gain, err := smootherGain(nodes[k].pFilt, next.f, next.pPred)
		if err != nil {
			return nil, err
		}

		// x_s = x_f + A (x_s,k+1 - x_pred,k+1)
		var dx, corr mat.VecDense
		dx.SubVec(out[k+1].x, next.xPred)
		corr.MulVec(gain, &dx)
		x := mat.NewVecDense(4, nil)
		x.AddVec(nodes[k].xFilt, &corr)

		// P_s = P_f + A (P_s,k+1 - P_pred,k+1) A^T
		var dp, adp, adpa, p mat.Dense
		dp.Sub(out[k+1].p, next.pPred)
		adp.Mul(gain, &dp)
		adpa.Mul(&adp, gain.T())
		p.Add(nodes[k].pFilt, &adpa)

		out[k] = smoothNode{x: x, p: symmetrize(&p)}
	}
	return out, nil
}

// smootherGain returns A = P_f F^T P_pred^-1. It solves P_pred A^T = F P_f
// through a Cholesky factorisation, retrying with diagonal jitter and
// finally falling back to LU.
func smootherGain(pFilt *mat.SymDense, f *mat.Dense, pPred *mat.SymDense) (*mat.Dense, error) {
	var rhs mat.Dense
	rhs.Mul(f, pFilt)

	var at mat.Dense
	var chol mat.Cholesky
	if chol.Factorize(pPred) {
		if err := chol.SolveTo(&at, &rhs); err == nil {
			return transposed(&at), nil
		}
	}

	jittered := mat.NewSymDense(4, nil)
	jittered.CopySym(pPred)
	eps := smootherJitter * math.Max(mat.Trace(pPred)/4, varianceFloor)
	for i := 0; i < 4; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}
	if chol.Factorize(jittered) {
		if err := chol.SolveTo(&at, &rhs); err == nil {
			return transposed(&at), nil
		}
	}

	if err := at.Solve(pPred, &rhs); err != nil {
		return nil, fmt.Errorf("smoother gain: predicted covariance singular: %w", err)
	}
	return transposed(&at), nil
}

func transposed(a *mat.Dense) *mat.Dense {
	var t mat.Dense
	t.CloneFrom(a.T())
	return &t
}
