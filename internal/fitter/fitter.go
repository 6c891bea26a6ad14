// Package fitter fits a parametric elution profile to one mass trace
// with a bounded Levenberg-Marquardt optimizer. The model is a closed
// tagged choice: Gaussian or exponentially modified Gaussian.
package fitter

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rawpeak/feature-engine/pkg/models"
)

// ErrInsufficientPoints rejects traces with fewer than four points; a
// three-parameter model cannot be constrained by less.
var ErrInsufficientPoints = errors.New("insufficient points for trace fit")

const (
	maxIterations  = 200
	relCostEps     = 1e-5 // relative cost change declaring convergence
	maxLambdaSteps = 30   // damping escalations per iteration
)

// Point is one (rt, intensity) observation of the fitted trace.
type Point struct {
	RT        float64
	Intensity float64
}

// Result reports the fitted profile. When Converged is false the best
// iterate reached is reported and the caller should treat the quality
// as unreliable.
type Result struct {
	Height     float64 // amplitude h
	Center     float64 // apex position mu
	Sigma      float64 // Gaussian width
	Tau        float64 // exponential decay; 0 for the Gaussian model
	Residual   float64 // final sum of squared residuals
	Quality    float32 // 1 - residual / sum(I^2), clamped to [0, 1]
	Converged  bool
	Iterations int
}

// Fit runs the bounded optimization for the chosen model. Parameter
// bounds: h >= 0, mu inside the trace's rt envelope, sigma in a range
// derived from the envelope, tau in [0, rt span].
func Fit(points []Point, model models.TraceModel) (Result, error) {
	if len(points) < 4 {
		return Result{}, ErrInsufficientPoints
	}

	rtLo, rtHi := points[0].RT, points[0].RT
	maxI, maxAt, sumSq := 0.0, points[0].RT, 0.0
	for _, p := range points {
		if p.RT < rtLo {
			rtLo = p.RT
		}
		if p.RT > rtHi {
			rtHi = p.RT
		}
		if p.Intensity > maxI {
			maxI, maxAt = p.Intensity, p.RT
		}
		sumSq += p.Intensity * p.Intensity
	}
	span := rtHi - rtLo
	if span <= 0 || maxI <= 0 || sumSq <= 0 {
		return Result{}, ErrInsufficientPoints
	}

	emg := model == models.TraceModelEMG
	nParams := 3
	if emg {
		nParams = 4
	}

	lower := []float64{0, rtLo, span / 100, 0}
	upper := []float64{maxI * 10, rtHi, span * 2, span}
	theta := []float64{maxI, maxAt, span / 4, span / 10}[:nParams]
	clampInto(theta, lower, upper)

	cost := costOf(points, theta, emg)
	lambda := 1e-3
	converged := false
	iters := 0

	for ; iters < maxIterations; iters++ {
		jtj, jtr := normalEquations(points, theta, lower, upper, emg)

		accepted := false
		for step := 0; step < maxLambdaSteps; step++ {
			delta, ok := solveDamped(jtj, jtr, lambda)
			if !ok {
				lambda *= 10
				continue
			}
			trial := make([]float64, nParams)
			for i := range trial {
				trial[i] = theta[i] + delta[i]
			}
			clampInto(trial, lower, upper)

			trialCost := costOf(points, trial, emg)
			if trialCost < cost {
				relChange := (cost - trialCost) / cost
				theta, cost = trial, trialCost
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true
				if relChange < relCostEps {
					converged = true
				}
				break
			}
			lambda *= 10
		}
		if !accepted {
			// No damping produces an improving step: a stationary
			// point within bounds.
			converged = true
		}
		if converged {
			break
		}
	}

	res := Result{
		Height:     theta[0],
		Center:     theta[1],
		Sigma:      theta[2],
		Residual:   cost,
		Converged:  converged,
		Iterations: iters,
	}
	if emg {
		res.Tau = theta[3]
	}
	q := 1 - cost/sumSq
	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}
	res.Quality = float32(q)
	return res, nil
}

func clampInto(theta, lower, upper []float64) {
	for i := range theta {
		if theta[i] < lower[i] {
			theta[i] = lower[i]
		}
		if theta[i] > upper[i] {
			theta[i] = upper[i]
		}
	}
}

func costOf(points []Point, theta []float64, emg bool) float64 {
	acc := 0.0
	for _, p := range points {
		d := eval(theta, p.RT, emg) - p.Intensity
		acc += d * d
	}
	return acc
}

// normalEquations builds J^T J and -J^T r with a forward-difference
// Jacobian respecting the bounds.
func normalEquations(points []Point, theta, lower, upper []float64, emg bool) (*mat.SymDense, []float64) {
	n := len(theta)
	jtj := mat.NewSymDense(n, nil)
	jtr := make([]float64, n)

	jac := make([][]float64, n)
	base := make([]float64, len(points))
	for i, p := range points {
		base[i] = eval(theta, p.RT, emg)
	}
	for k := 0; k < n; k++ {
		h := 1e-6 * math.Max(1, math.Abs(theta[k]))
		bumped := make([]float64, n)
		copy(bumped, theta)
		bumped[k] += h
		if bumped[k] > upper[k] {
			bumped[k] = theta[k] - h
			h = -h
		}
		col := make([]float64, len(points))
		for i, p := range points {
			col[i] = (eval(bumped, p.RT, emg) - base[i]) / h
		}
		jac[k] = col
	}

	for a := 0; a < n; a++ {
		for b := a; b < n; b++ {
			acc := 0.0
			for i := range points {
				acc += jac[a][i] * jac[b][i]
			}
			jtj.SetSym(a, b, acc)
		}
		acc := 0.0
		for i, p := range points {
			acc += jac[a][i] * (p.Intensity - base[i])
		}
		jtr[a] = acc
	}
	return jtj, jtr
}

// solveDamped solves (J^T J + lambda diag(J^T J)) delta = -J^T r, the
// right-hand side as built by normalEquations.
func solveDamped(jtj *mat.SymDense, jtr []float64, lambda float64) ([]float64, bool) {
	n := len(jtr)
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := jtj.At(i, j)
			if i == j {
				d := jtj.At(i, i)
				if d == 0 {
					d = 1e-12
				}
				v += lambda * d
			}
			a.Set(i, j, v)
		}
	}
	var delta mat.VecDense
	if err := delta.SolveVec(a, mat.NewVecDense(n, jtr)); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = delta.AtVec(i)
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			return nil, false
		}
	}
	return out, true
}
