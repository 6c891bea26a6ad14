package scorer

import (
	"math"
	"testing"

	"github.com/rawpeak/feature-engine/internal/isotope"
	"github.com/rawpeak/feature-engine/internal/peakmap"
	"github.com/rawpeak/feature-engine/internal/wavelet"
	"github.com/rawpeak/feature-engine/pkg/models"
)

func patternScan(monoMz float64, charge uint8, weights []float64, height float32) models.Scan {
	peaks := make([]models.PeakCoord, len(weights))
	for k, w := range weights {
		peaks[k] = models.PeakCoord{Mz: isotope.MzAt(monoMz, k, charge), Intensity: height * float32(w)}
	}
	return models.Scan{RT: 100, MSLevel: 1, Peaks: peaks}
}

func scoreScan(t *testing.T, scan models.Scan, charge uint8, cfg models.Config) []models.Candidate {
	t.Helper()
	idx, err := peakmap.Build(models.SliceReader{scan})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	view := idx.Scan(0)
	k := wavelet.NewKernel(charge, isotope.NeutralMass(view.Mz(0), charge), idx.MinMzSpacing()/4, cfg.MaxIsotopes)
	return Score(view, wavelet.Transform(view, k), charge, cfg)
}

func TestScoreCleanPattern(t *testing.T) {
	cfg := models.DefaultConfig()
	weights := []float64{0.55, 0.30, 0.11, 0.04}
	cands := scoreScan(t, patternScan(500.25, 2, weights, 1000), 2, cfg)

	if len(cands) == 0 {
		t.Fatal("no candidate on a clean isotope pattern")
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	if best.Charge != 2 {
		t.Errorf("charge = %d, want 2", best.Charge)
	}
	if math.Abs(best.MonoisotopicMz-500.25) > 0.01 {
		t.Errorf("monoisotopic m/z = %g, want 500.25", best.MonoisotopicMz)
	}
	if best.RefIntensity != 1000*0.55 {
		t.Errorf("ref intensity = %g, want %g", best.RefIntensity, 1000*0.55)
	}
}

func TestScoreWrongChargeRejected(t *testing.T) {
	cfg := models.DefaultConfig()
	// A z=2 pattern scored under the z=3 hypothesis: the envelope
	// positions fall between real peaks, so the correlation gate or the
	// matched-isotope gate rejects every maximum.
	weights := []float64{0.55, 0.30, 0.11, 0.04}
	cands := scoreScan(t, patternScan(500.25, 2, weights, 1000), 3, cfg)
	for _, c := range cands {
		if c.Charge == 3 && math.Abs(c.MonoisotopicMz-500.25) < 0.01 {
			t.Errorf("z=3 candidate survived on a z=2 pattern: %+v", c)
		}
	}
}

func TestScoreLonePeakRejected(t *testing.T) {
	cfg := models.DefaultConfig()
	// One isolated peak: correlates with any decreasing envelope, but
	// only one isotope position matches. Must be rejected.
	scan := models.Scan{RT: 50, MSLevel: 1, Peaks: []models.PeakCoord{
		{Mz: 400.0, Intensity: 5000},
		{Mz: 412.7, Intensity: 90},
		{Mz: 431.3, Intensity: 120},
	}}
	for z := uint8(1); z <= 4; z++ {
		if cands := scoreScan(t, scan, z, cfg); len(cands) != 0 {
			t.Errorf("z=%d: %d candidates from isolated peaks", z, len(cands))
		}
	}
}

func TestCheckPPMFilter(t *testing.T) {
	cfg := models.DefaultConfig()
	cfg.CheckPPM = true
	cfg.MzTolerancePPM = 10

	// Pick a mono m/z whose neutral mass sits exactly on a peptide mass
	// cluster center: passes the rule.
	massOn := 1000 * isotope.PeptideMassRuleSpacing
	monoOn := massOn/2 + isotope.ProtonMass
	weights := []float64{0.55, 0.30, 0.11, 0.04}
	if cands := scoreScan(t, patternScan(monoOn, 2, weights, 1000), 2, cfg); len(cands) == 0 {
		t.Error("on-rule candidate rejected by ppm check")
	}

	// Shift the mass half a cluster spacing off the rule (~500 ppm).
	massOff := massOn + isotope.PeptideMassRuleSpacing/2
	monoOff := massOff/2 + isotope.ProtonMass
	if cands := scoreScan(t, patternScan(monoOff, 2, weights, 1000), 2, cfg); len(cands) != 0 {
		t.Errorf("off-rule candidate survived ppm check: %+v", cands[0])
	}
}

func TestDedupPrefersScoreThenCharge(t *testing.T) {
	cands := []models.Candidate{
		{ScanIndex: 3, PeakIndex: 7, Charge: 2, Score: 10},
		{ScanIndex: 3, PeakIndex: 7, Charge: 3, Score: 12},
		{ScanIndex: 3, PeakIndex: 9, Charge: 2, Score: 5},
		{ScanIndex: 3, PeakIndex: 9, Charge: 4, Score: 5},
		{ScanIndex: 1, PeakIndex: 2, Charge: 1, Score: 1},
	}
	out := Dedup(cands)
	if len(out) != 3 {
		t.Fatalf("dedup kept %d candidates, want 3", len(out))
	}
	// Sorted scan-then-peak.
	if out[0].ScanIndex != 1 || out[1].PeakIndex != 7 || out[2].PeakIndex != 9 {
		t.Fatalf("dedup order wrong: %+v", out)
	}
	if out[1].Charge != 3 {
		t.Errorf("peak 7: kept charge %d, want 3 (higher score)", out[1].Charge)
	}
	if out[2].Charge != 4 {
		t.Errorf("peak 9: kept charge %d, want 4 (tie goes to higher charge)", out[2].Charge)
	}
}
