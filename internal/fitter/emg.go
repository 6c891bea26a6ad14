package fitter

import "math"

const sqrt2 = math.Sqrt2

// eval computes the model intensity at time t. theta is {h, mu, sigma}
// for the Gaussian and {h, mu, sigma, tau} for the EMG. The EMG is
// parameterized so that tau -> 0 recovers the Gaussian with height h:
//
//	I(t) = h * (sigma/tau) * sqrt(pi/2) * exp(0.5*(sigma/tau)^2 - (t-mu)/tau)
//	     * erfc((sigma/tau - (t-mu)/sigma) / sqrt(2))
func eval(theta []float64, t float64, emg bool) float64 {
	h, mu, sigma := theta[0], theta[1], theta[2]
	u := (t - mu) / sigma
	if !emg || theta[3] < 1e-9*sigma {
		return h * math.Exp(-0.5*u*u)
	}
	tau := theta[3]
	r := sigma / tau
	z := (r - u) / sqrt2
	pre := h * r * math.Sqrt(math.Pi/2)
	if z >= 0 {
		// exp(arg)*erfc(z) == erfcx(z)*exp(-u^2/2); the right-hand side
		// never overflows.
		return pre * erfcx(z) * math.Exp(-0.5*u*u)
	}
	// Deep right tail: the exponential argument is <= -r^2/2, so the
	// direct form is safe.
	arg := 0.5*r*r - u*r // (t-mu)/tau == u*r
	return pre * math.Exp(arg) * math.Erfc(z)
}

// Eval computes the fitted profile at time t.
func (r Result) Eval(t float64) float64 {
	if r.Tau > 0 {
		return eval([]float64{r.Height, r.Center, r.Sigma, r.Tau}, t, true)
	}
	return eval([]float64{r.Height, r.Center, r.Sigma}, t, false)
}

// Apex locates the maximum of the fitted profile inside [lo, hi] by
// dense sampling. For the Gaussian this is the center; for the EMG the
// mode sits right of the center by an amount growing with tau.
func (r Result) Apex(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	const steps = 512
	bestT, bestV := lo, math.Inf(-1)
	for i := 0; i <= steps; i++ {
		t := lo + (hi-lo)*float64(i)/steps
		if v := r.Eval(t); v > bestV {
			bestT, bestV = t, v
		}
	}
	return bestT
}

// erfcx is the scaled complementary error function exp(x^2) erfc(x)
// for x >= 0. Direct evaluation is exact until erfc underflows; beyond
// that the asymptotic series takes over.
func erfcx(x float64) float64 {
	if x < 25 {
		return math.Exp(x*x) * math.Erfc(x)
	}
	inv2 := 1 / (2 * x * x)
	return (1 - inv2 + 3*inv2*inv2) / (x * math.SqrtPi)
}
