package wavelet

import (
	"github.com/rawpeak/feature-engine/internal/peakmap"
)

// Sample is the transform response at one m/z position.
type Sample struct {
	Mz       float64
	Response float32
}

// Transform runs the centroided-path CWT of one scan against the
// kernel: for every input peak p, the correlation of the surrounding
// peaks with the wavelet centered at p. The output has the same length
// as the scan. Accumulation is float64; the boundary policy is plain
// truncation.
func Transform(view peakmap.SpectrumView, k *Kernel) []Sample {
	out := make([]Sample, view.Size())
	for i := 0; i < view.Size(); i++ {
		p := view.Mz(i)
		lo := view.LowerBound(p - k.halfSupport)
		acc := 0.0
		for j := lo; j < view.Size(); j++ {
			d := view.Mz(j) - p
			if d > k.halfSupport {
				break
			}
			acc += float64(view.Intensity(j)) * k.Eval(d)
		}
		out[i] = Sample{Mz: p, Response: float32(acc)}
	}
	return out
}

// TransformHighRes runs the grid-resampled CWT path: the scan is
// resampled onto a uniform m/z grid at the kernel step by linear
// interpolation between adjacent peaks, then convolved at every grid
// point. The output is over the grid, denser than the input.
func TransformHighRes(view peakmap.SpectrumView, k *Kernel) []Sample {
	n := view.Size()
	if n == 0 {
		return nil
	}
	first, last := view.Mz(0), view.Mz(n-1)
	grid := resample(view, first, last, k.step)

	out := make([]Sample, len(grid))
	w := k.supportSteps()
	for j := range grid {
		lo := j - w
		if lo < 0 {
			lo = 0
		}
		hi := j + w
		if hi > len(grid)-1 {
			hi = len(grid) - 1
		}
		acc := 0.0
		for i := lo; i <= hi; i++ {
			if grid[i] != 0 {
				acc += grid[i] * k.at(i-j)
			}
		}
		out[j] = Sample{Mz: first + float64(j)*k.step, Response: float32(acc)}
	}
	return out
}

// resample linearly interpolates the peak list onto a uniform grid over
// [first, last].
func resample(view peakmap.SpectrumView, first, last, step float64) []float64 {
	if view.Size() == 1 {
		return []float64{float64(view.Intensity(0))}
	}
	n := int((last-first)/step) + 1
	grid := make([]float64, n)
	seg := 0 // current peak segment [seg, seg+1]
	for j := 0; j < n; j++ {
		mz := first + float64(j)*step
		for seg < view.Size()-2 && view.Mz(seg+1) < mz {
			seg++
		}
		left, right := view.Mz(seg), view.Mz(seg+1)
		if mz <= left {
			grid[j] = float64(view.Intensity(seg))
			continue
		}
		if mz >= right {
			grid[j] = float64(view.Intensity(seg + 1))
			continue
		}
		frac := (mz - left) / (right - left)
		grid[j] = float64(view.Intensity(seg)) + frac*float64(view.Intensity(seg+1)-view.Intensity(seg))
	}
	return grid
}
