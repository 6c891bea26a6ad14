package finder

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/rawpeak/feature-engine/pkg/models"
)

// Scenario 1: a single clean peptide. Charge 2, monoisotopic m/z
// 500.25, four isotope peaks, Gaussian apex at rt=120 with sigma=4,
// nine scans two seconds apart.
func TestSingleCleanPeptide(t *testing.T) {
	idx := buildMap(t, rtSeries(112, 2, 9), []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 120, sigma: 4, height: 1000},
	}, nil, nil)
	cfg := models.DefaultConfig()

	features, stats, err := FindFeatures(context.Background(), idx, cfg)
	if err != nil {
		t.Fatalf("FindFeatures: %v", err)
	}
	if len(features) != 1 {
		t.Fatalf("emitted %d features, want exactly 1 (stats: %+v)", len(features), stats)
	}
	f := features[0]
	if f.Charge != 2 {
		t.Errorf("charge = %d, want 2", f.Charge)
	}
	if math.Abs(f.MonoisotopicMz-500.25) > 0.01 {
		t.Errorf("monoisotopic m/z = %g, want 500.25", f.MonoisotopicMz)
	}
	if math.Abs(f.RTApex-120) > 0.5 {
		t.Errorf("apex = %g, want within 0.5 s of 120", f.RTApex)
	}
	if f.Quality < 0.9 {
		t.Errorf("quality = %g, want >= 0.9", f.Quality)
	}
	if len(f.Hull) == 0 || len(f.Traces) == 0 {
		t.Error("feature missing hull or traces")
	}
	assertInvariants(t, idx, cfg, features)
}

// Scenario 2: two peptides sharing the monoisotopic m/z within 0.01 Th
// but carrying different charges, hence different isotope spacings.
func TestOverlappingPeptidesDifferentCharges(t *testing.T) {
	idx := buildMap(t, rtSeries(112, 2, 9), []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 120, sigma: 4, height: 1000},
		{monoMz: 500.26, charge: 3, weights: defaultWeights, apexRT: 120, sigma: 4, height: 900},
	}, nil, nil)
	cfg := models.DefaultConfig()

	features, stats, err := FindFeatures(context.Background(), idx, cfg)
	if err != nil {
		t.Fatalf("FindFeatures: %v", err)
	}
	if len(features) != 2 {
		t.Fatalf("emitted %d features, want 2 (stats: %+v)", len(features), stats)
	}
	charges := map[uint8]models.Feature{}
	for _, f := range features {
		charges[f.Charge] = f
	}
	f2, ok2 := charges[2]
	f3, ok3 := charges[3]
	if !ok2 || !ok3 {
		t.Fatalf("charges = %v, want one z=2 and one z=3 feature", []uint8{features[0].Charge, features[1].Charge})
	}
	if math.Abs(f2.MonoisotopicMz-500.25) > 0.01 || math.Abs(f3.MonoisotopicMz-500.26) > 0.01 {
		t.Errorf("mono m/z = %g / %g, want 500.25 / 500.26", f2.MonoisotopicMz, f3.MonoisotopicMz)
	}
	// No peak shared: assertInvariants enforces the global no-double-claim.
	assertInvariants(t, idx, cfg, features)
}

// Scenario 3: one scan in the middle collapses to zero intensity;
// rt_interleave=1 bridges it into a single feature spanning the gap.
func TestGapTolerance(t *testing.T) {
	idx := buildMap(t, rtSeries(100, 2, 9), []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 104, sigma: 4, height: 1000},
	}, map[int]bool{4: true}, nil)
	cfg := models.DefaultConfig()
	cfg.RTInterleave = 1
	cfg.TraceModelKind = models.TraceModelGauss

	features, stats, err := FindFeatures(context.Background(), idx, cfg)
	if err != nil {
		t.Fatalf("FindFeatures: %v", err)
	}
	if len(features) != 1 {
		t.Fatalf("emitted %d features, want 1 spanning the gap (stats: %+v)", len(features), stats)
	}
	f := features[0]
	if f.RTStart > 100 || f.RTEnd < 116 {
		t.Errorf("feature spans [%g, %g], want the full elution across the gap", f.RTStart, f.RTEnd)
	}
	assertInvariants(t, idx, cfg, features)
}

// Scenario 4: the same gap with rt_interleave=0 splits the elution;
// both sides pass min_rt_votes=3, so two features come out.
func TestGapIntolerance(t *testing.T) {
	idx := buildMap(t, rtSeries(100, 2, 9), []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 104, sigma: 4, height: 1000},
	}, map[int]bool{4: true}, nil)
	cfg := models.DefaultConfig()
	cfg.RTInterleave = 0
	cfg.TraceModelKind = models.TraceModelGauss

	features, stats, err := FindFeatures(context.Background(), idx, cfg)
	if err != nil {
		t.Fatalf("FindFeatures: %v", err)
	}
	if len(features) != 2 {
		t.Fatalf("emitted %d features, want 2 split at the gap (stats: %+v)", len(features), stats)
	}
	// One side ends before the gap, the other starts after it.
	lo, hi := features[0], features[1]
	if lo.RTStart > hi.RTStart {
		lo, hi = hi, lo
	}
	if lo.RTEnd >= 108 || hi.RTStart <= 108 {
		t.Errorf("split ranges [%g,%g] / [%g,%g] do not bracket the gap at rt=108", lo.RTStart, lo.RTEnd, hi.RTStart, hi.RTEnd)
	}
	assertInvariants(t, idx, cfg, features)
}

// Scenario 5: incoherent peaks only. No isotope pattern means no
// features, whatever the fit statistics say.
func TestNoiseOnly(t *testing.T) {
	// Deterministic "noise": isolated peaks with irregular spacings, no
	// two of which line up at any isotope spacing for z in 1..4.
	noise := map[int][]models.PeakCoord{}
	for i := 0; i < 9; i++ {
		base := 400.0 + float64(i)*1.7
		noise[i] = []models.PeakCoord{
			{Mz: base, Intensity: float32(200 + 31*i)},
			{Mz: base + 7.13, Intensity: float32(150 + 17*i)},
			{Mz: base + 19.77, Intensity: float32(340 - 20*i)},
			{Mz: base + 42.41, Intensity: float32(90 + 11*i)},
		}
	}
	idx := buildMap(t, rtSeries(100, 2, 9), nil, nil, noise)
	cfg := models.DefaultConfig()

	features, stats, err := FindFeatures(context.Background(), idx, cfg)
	if err != nil {
		t.Fatalf("FindFeatures: %v", err)
	}
	if len(features) != 0 {
		t.Fatalf("emitted %d features from noise, want 0 (stats: %+v)", len(features), stats)
	}
}

// Scenario 6: cancellation during the transform phase returns no
// features and the Cancelled flag, never an error.
func TestCancellationDuringTransform(t *testing.T) {
	feats := []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 1000, sigma: 50, height: 1000},
	}
	idx := buildMap(t, rtSeries(0, 2, 1000), feats, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := models.DefaultConfig()
	cfg.Progress = func(phase string, done, total int) {
		if phase == "transform" && done == 100 {
			cancel()
		}
	}

	features, stats, err := FindFeatures(ctx, idx, cfg)
	if err != nil {
		t.Fatalf("cancellation surfaced as error: %v", err)
	}
	if !stats.Cancelled {
		t.Error("Statistics.Cancelled not set")
	}
	if len(features) != 0 {
		t.Errorf("cancelled run returned %d features, want 0", len(features))
	}
}

// Determinism: identical inputs produce byte-identical outputs.
func TestDeterminism(t *testing.T) {
	feats := []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 120, sigma: 4, height: 1000},
		{monoMz: 623.40, charge: 3, weights: defaultWeights, apexRT: 114, sigma: 5, height: 700},
	}
	idx := buildMap(t, rtSeries(104, 2, 13), feats, nil, nil)
	cfg := models.DefaultConfig()

	f1, s1, err1 := FindFeatures(context.Background(), idx, cfg)
	f2, s2, err2 := FindFeatures(context.Background(), idx, cfg)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v / %v", err1, err2)
	}
	if !reflect.DeepEqual(f1, f2) {
		t.Error("two identical runs produced different features")
	}
	if s1 != s2 {
		t.Errorf("statistics differ: %+v vs %+v", s1, s2)
	}
}

// The parallel transform path must agree with the serial one.
func TestParallelTransformMatchesSerial(t *testing.T) {
	feats := []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 120, sigma: 4, height: 1000},
	}
	idx := buildMap(t, rtSeries(112, 2, 9), feats, nil, nil)

	serial := models.DefaultConfig()
	parallel := models.DefaultConfig()
	parallel.TransformWorkers = 4

	f1, _, err1 := FindFeatures(context.Background(), idx, serial)
	f2, _, err2 := FindFeatures(context.Background(), idx, parallel)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v / %v", err1, err2)
	}
	if !reflect.DeepEqual(f1, f2) {
		t.Error("parallel transform changed the output")
	}
}

// The high-res grid path finds the same feature on centroided input.
func TestHighResPath(t *testing.T) {
	idx := buildMap(t, rtSeries(112, 2, 9), []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 120, sigma: 4, height: 1000},
	}, nil, nil)
	cfg := models.DefaultConfig()
	cfg.HighRes = true

	features, stats, err := FindFeatures(context.Background(), idx, cfg)
	if err != nil {
		t.Fatalf("FindFeatures: %v", err)
	}
	if len(features) != 1 {
		t.Fatalf("high-res path emitted %d features, want 1 (stats: %+v)", len(features), stats)
	}
	if features[0].Charge != 2 || math.Abs(features[0].MonoisotopicMz-500.25) > 0.01 {
		t.Errorf("high-res feature: z=%d m/z=%g", features[0].Charge, features[0].MonoisotopicMz)
	}
}

func TestInvalidConfigRejectedBeforeWork(t *testing.T) {
	idx := buildMap(t, rtSeries(112, 2, 3), nil, nil, nil)
	cfg := models.DefaultConfig()
	cfg.MaxCharge = 0

	var called bool
	cfg.Progress = func(string, int, int) { called = true }
	if _, _, err := FindFeatures(context.Background(), idx, cfg); err == nil {
		t.Fatal("invalid config accepted")
	}
	if called {
		t.Error("work performed despite invalid configuration")
	}
}

// The optional S/N gate removes every seed when set absurdly high and
// leaves a clean pattern alone at a realistic floor.
func TestSeedSignalToNoiseGate(t *testing.T) {
	idx := buildMap(t, rtSeries(112, 2, 9), []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 120, sigma: 4, height: 1000},
	}, nil, nil)

	strict := models.DefaultConfig()
	strict.SeedMinSN = 1000
	features, stats, err := FindFeatures(context.Background(), idx, strict)
	if err != nil {
		t.Fatal(err)
	}
	if len(features) != 0 || stats.CandidatesScored != 0 {
		t.Errorf("S/N floor 1000 let %d candidates / %d features through", stats.CandidatesScored, len(features))
	}

	// The monoisotopic peak sits ~2.7x over the windowed median of its
	// own pattern; a floor of 2 keeps it.
	lenient := models.DefaultConfig()
	lenient.SeedMinSN = 2
	features, _, err = FindFeatures(context.Background(), idx, lenient)
	if err != nil {
		t.Fatal(err)
	}
	if len(features) != 1 {
		t.Errorf("S/N floor 2 emitted %d features, want 1", len(features))
	}
}

func TestStatisticsAccounting(t *testing.T) {
	idx := buildMap(t, rtSeries(112, 2, 9), []synthFeature{
		{monoMz: 500.25, charge: 2, weights: defaultWeights, apexRT: 120, sigma: 4, height: 1000},
	}, nil, nil)
	cfg := models.DefaultConfig()

	_, stats, err := FindFeatures(context.Background(), idx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if stats.ScansProcessed != 9 {
		t.Errorf("ScansProcessed = %d, want 9", stats.ScansProcessed)
	}
	if stats.CandidatesScored == 0 || stats.SeedsAccepted == 0 || stats.BoxesOpened == 0 {
		t.Errorf("empty pipeline accounting: %+v", stats)
	}
	if stats.FeaturesEmitted != 1 {
		t.Errorf("FeaturesEmitted = %d, want 1", stats.FeaturesEmitted)
	}
	if stats.Cancelled {
		t.Error("uncancelled run flagged Cancelled")
	}
}
