package finder

import (
	"math"
	"sort"
	"testing"

	"github.com/rawpeak/feature-engine/internal/isotope"
	"github.com/rawpeak/feature-engine/internal/peakmap"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// synthFeature describes one simulated peptide ion: an averagine-style
// isotope pattern eluting as a Gaussian.
type synthFeature struct {
	monoMz  float64
	charge  uint8
	weights []float64
	apexRT  float64
	sigma   float64
	height  float64
}

var defaultWeights = []float64{0.55, 0.30, 0.11, 0.04}

// buildMap renders features onto scans at the given retention times.
// emptyScans lists scan indices whose peaks are dropped entirely
// (intensity collapse). extraPeaks are appended verbatim per scan.
func buildMap(t *testing.T, rts []float64, feats []synthFeature, emptyScans map[int]bool, extraPeaks map[int][]models.PeakCoord) *peakmap.MapIndex {
	t.Helper()
	scans := make(models.SliceReader, len(rts))
	for i, rt := range rts {
		scans[i] = models.Scan{RT: rt, MSLevel: 1}
		if emptyScans[i] {
			continue
		}
		var peaks []models.PeakCoord
		for _, f := range feats {
			u := (rt - f.apexRT) / f.sigma
			h := f.height * math.Exp(-0.5*u*u)
			for k, w := range f.weights {
				peaks = append(peaks, models.PeakCoord{
					Mz:        isotope.MzAt(f.monoMz, k, f.charge),
					Intensity: float32(h * w),
				})
			}
		}
		peaks = append(peaks, extraPeaks[i]...)
		sort.Slice(peaks, func(a, b int) bool { return peaks[a].Mz < peaks[b].Mz })
		// Coinciding positions collapse into one peak.
		merged := peaks[:0]
		for _, p := range peaks {
			if n := len(merged); n > 0 && p.Mz-merged[n-1].Mz < 1e-9 {
				merged[n-1].Intensity += p.Intensity
				continue
			}
			merged = append(merged, p)
		}
		scans[i].Peaks = merged
	}
	idx, err := peakmap.Build(scans)
	if err != nil {
		t.Fatalf("synthetic map rejected: %v", err)
	}
	return idx
}

func rtSeries(from, step float64, n int) []float64 {
	rts := make([]float64, n)
	for i := range rts {
		rts[i] = from + float64(i)*step
	}
	return rts
}

// claimKey identifies one input peak for double-claim accounting.
type claimKey struct {
	scan int
	mz   float64
}

func claimedPeaks(t *testing.T, f models.Feature) map[claimKey]bool {
	t.Helper()
	out := map[claimKey]bool{}
	for _, tr := range f.Traces {
		for _, p := range tr.Points {
			k := claimKey{scan: p.ScanIndex, mz: p.Mz}
			if out[k] {
				t.Errorf("feature claims peak (%d, %g) twice", p.ScanIndex, p.Mz)
			}
			out[k] = true
		}
	}
	return out
}

// assertInvariants checks the properties every emitted feature must
// satisfy regardless of scenario.
func assertInvariants(t *testing.T, idx *peakmap.MapIndex, cfg models.Config, features []models.Feature) {
	t.Helper()
	seen := map[claimKey]bool{}
	for i, f := range features {
		if f.MonoisotopicMass <= 0 {
			t.Errorf("feature %d: non-positive mass %g", i, f.MonoisotopicMass)
		}
		wantMass := (f.MonoisotopicMz - isotope.ProtonMass) * float64(f.Charge)
		if math.Abs(f.MonoisotopicMass-wantMass) > 1e-6 {
			t.Errorf("feature %d: mass %g != (mz - proton) * z = %g", i, f.MonoisotopicMass, wantMass)
		}
		if !(f.RTStart <= f.RTApex && f.RTApex <= f.RTEnd) {
			t.Errorf("feature %d: rt ordering violated: %g <= %g <= %g", i, f.RTStart, f.RTApex, f.RTEnd)
		}
		if f.RTStart < idx.MinRT() || f.RTEnd > idx.MaxRT() {
			t.Errorf("feature %d: rt envelope [%g, %g] escapes the map [%g, %g]", i, f.RTStart, f.RTEnd, idx.MinRT(), idx.MaxRT())
		}
		if f.Quality < cfg.QMin || f.Quality > 1 {
			t.Errorf("feature %d: quality %g outside [q_min, 1]", i, f.Quality)
		}
		for k := range claimedPeaks(t, f) {
			if seen[k] {
				t.Errorf("peak (%d, %g) claimed by more than one feature", k.scan, k.mz)
			}
			seen[k] = true
		}
	}
}
