// Package noise estimates per-peak noise levels with a windowed median,
// giving the seeder a signal-to-noise gate in addition to raw
// intensity.
package noise

import (
	"sort"

	"github.com/rawpeak/feature-engine/internal/peakmap"
)

// Estimate returns the noise level for every peak of a scan: the
// median intensity of all peaks within +-windowTh of it. Sparse
// windows (fewer than three peaks) fall back to the scan-wide median,
// so isolated peaks are not judged against themselves alone.
func Estimate(view peakmap.SpectrumView, windowTh float64) []float32 {
	n := view.Size()
	out := make([]float32, n)
	if n == 0 {
		return out
	}

	global := make([]float64, n)
	for i := 0; i < n; i++ {
		global[i] = float64(view.Intensity(i))
	}
	sort.Float64s(global)
	globalMedian := median(global)

	buf := make([]float64, 0, 64)
	for i := 0; i < n; i++ {
		lo := view.LowerBound(view.Mz(i) - windowTh)
		buf = buf[:0]
		for j := lo; j < n; j++ {
			if view.Mz(j) > view.Mz(i)+windowTh {
				break
			}
			buf = append(buf, float64(view.Intensity(j)))
		}
		if len(buf) < 3 {
			out[i] = float32(globalMedian)
			continue
		}
		sort.Float64s(buf)
		out[i] = float32(median(buf))
	}
	return out
}

// SignalToNoise is intensity over the windowed noise estimate. A zero
// noise floor reports the signal as infinitely clean via a large ratio
// cap rather than dividing by zero.
const maxRatio = 1e6

func SignalToNoise(view peakmap.SpectrumView, windowTh float64) []float32 {
	levels := Estimate(view, windowTh)
	out := make([]float32, len(levels))
	for i := range levels {
		if levels[i] <= 0 {
			out[i] = maxRatio
			continue
		}
		r := view.Intensity(i) / levels[i]
		if r > maxRatio {
			r = maxRatio
		}
		out[i] = r
	}
	return out
}

// median of a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
