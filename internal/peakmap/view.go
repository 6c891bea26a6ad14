package peakmap

import (
	"math"
	"sort"

	"github.com/rawpeak/feature-engine/pkg/models"
)

// SpectrumView is read-only windowed access to one scan's peak arrays.
// Lookups are binary searches over the borrowed slice; the view never
// copies peak data.
type SpectrumView struct {
	scanIndex int
	rt        float64
	peaks     []models.PeakCoord
}

func (v SpectrumView) ScanIndex() int { return v.scanIndex }
func (v SpectrumView) RT() float64    { return v.rt }
func (v SpectrumView) Size() int      { return len(v.peaks) }

func (v SpectrumView) Mz(i int) float64         { return v.peaks[i].Mz }
func (v SpectrumView) Intensity(i int) float32  { return v.peaks[i].Intensity }
func (v SpectrumView) Peak(i int) models.PeakCoord { return v.peaks[i] }

// LowerBound returns the index of the first peak with m/z >= mz.
// May equal Size() when every peak lies below mz.
func (v SpectrumView) LowerBound(mz float64) int {
	return sort.Search(len(v.peaks), func(i int) bool { return v.peaks[i].Mz >= mz })
}

// Nearest returns the index of the peak closest to target in m/z.
// Ties break to the lower index. Precondition: the view is non-empty;
// callers must check Size() first.
func (v SpectrumView) Nearest(target float64) int {
	i := v.LowerBound(target)
	if i == 0 {
		return 0
	}
	if i == len(v.peaks) {
		return len(v.peaks) - 1
	}
	if target-v.peaks[i-1].Mz <= v.peaks[i].Mz-target {
		return i - 1
	}
	return i
}

// NearestWithinPPM returns the index of the closest peak to target if
// its deviation is within tol ppm, and whether one was found.
func (v SpectrumView) NearestWithinPPM(target, tolPPM float64) (int, bool) {
	if len(v.peaks) == 0 {
		return 0, false
	}
	i := v.Nearest(target)
	if math.Abs(v.peaks[i].Mz-target) <= tolPPM*target*1e-6 {
		return i, true
	}
	return 0, false
}
