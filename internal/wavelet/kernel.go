// Package wavelet implements the isotope wavelet and the per-scan
// continuous wavelet transform against it.
package wavelet

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/rawpeak/feature-engine/internal/isotope"
)

// Kernel is a tabulated isotope wavelet for one charge state: a cosine
// modulated at the isotope spacing of the charge, shaped by the
// averagine envelope of the reference mass, normalized to zero mean and
// unit L2 norm. Immutable after construction.
type Kernel struct {
	charge      uint8
	step        float64   // tabulation step, min m/z spacing / 4
	halfSupport float64   // (num isotope peaks + 2) / z in Th
	table       []float64 // samples at offsets [-halfSupport, +halfSupport]
	center      int       // index of offset 0
}

// NewKernel tabulates the wavelet for a charge hypothesis. refMass is
// the neutral mass the averagine envelope is evaluated at; step should
// be MinMzSpacing()/4 of the map under analysis.
func NewKernel(charge uint8, refMass, step float64, maxPeaks uint32) *Kernel {
	env := isotope.Envelope(refMass, charge, maxPeaks)
	z := float64(charge)
	half := float64(len(env)+2) / z

	n := int(half/step)*2 + 1
	center := n / 2
	table := make([]float64, n)
	for i := range table {
		x := float64(i-center) * step
		// u counts isotope positions: integer u sits on a pattern peak.
		u := x * z / isotope.C13C12MassDiff
		table[i] = math.Cos(2*math.Pi*u) * envelopeAt(env, u)
	}

	// Zero mean, then unit L2 norm.
	mean := floats.Sum(table) / float64(n)
	for i := range table {
		table[i] -= mean
	}
	if norm := floats.Norm(table, 2); norm > 0 {
		floats.Scale(1/norm, table)
	}

	return &Kernel{charge: charge, step: step, halfSupport: half, table: table, center: center}
}

// envelopeAt linearly interpolates the discrete isotope weights into a
// continuous envelope over isotope position u. Zero outside [-1, K].
func envelopeAt(env []float64, u float64) float64 {
	if u <= -1 || u >= float64(len(env)) {
		return 0
	}
	lo := math.Floor(u)
	frac := u - lo
	wLo, wHi := 0.0, 0.0
	if i := int(lo); i >= 0 && i < len(env) {
		wLo = env[i]
	}
	if i := int(lo) + 1; i >= 0 && i < len(env) {
		wHi = env[i]
	}
	return wLo + frac*(wHi-wLo)
}

func (k *Kernel) Charge() uint8        { return k.charge }
func (k *Kernel) HalfSupport() float64 { return k.halfSupport }
func (k *Kernel) Step() float64        { return k.step }

// Eval returns psi(x) by linear interpolation in the table; zero
// outside the support.
func (k *Kernel) Eval(x float64) float64 {
	pos := x/k.step + float64(k.center)
	i := int(math.Floor(pos))
	if i < 0 || i >= len(k.table)-1 {
		if i == len(k.table)-1 && pos == float64(i) {
			return k.table[i]
		}
		return 0
	}
	frac := pos - float64(i)
	return k.table[i] + frac*(k.table[i+1]-k.table[i])
}

// at returns the tabulated sample d steps from the center, zero off
// support. Used by the grid path where signal and kernel share a step.
func (k *Kernel) at(d int) float64 {
	i := k.center + d
	if i < 0 || i >= len(k.table) {
		return 0
	}
	return k.table[i]
}

// supportSteps is the kernel half-width in table steps.
func (k *Kernel) supportSteps() int { return k.center }

type kernelKey struct {
	charge   uint8
	massBin  int64 // refMass rounded to 50 Da
	stepBin  int64 // step quantized to 1e-6 Th
	maxPeaks uint32
}

var kernelCache sync.Map

// Cached returns a shared kernel, reusing tabulations across scans with
// similar m/z ranges. Concurrent construction of the same key is
// idempotent.
func Cached(charge uint8, refMass, step float64, maxPeaks uint32) *Kernel {
	key := kernelKey{
		charge:   charge,
		massBin:  int64(math.Round(refMass / 50)),
		stepBin:  int64(math.Round(step * 1e6)),
		maxPeaks: maxPeaks,
	}
	if v, ok := kernelCache.Load(key); ok {
		return v.(*Kernel)
	}
	k := NewKernel(charge, float64(key.massBin)*50, step, maxPeaks)
	kernelCache.Store(key, k)
	return k
}
