// Package metrics computes run-level quality summaries over an emitted
// feature set. Pure math over the result, no pipeline state.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/rawpeak/feature-engine/internal/isotope"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// RunSummary condenses one run for dashboards and shadow comparisons.
type RunSummary struct {
	FeatureCount    int             `json:"featureCount"`
	ChargeHistogram map[uint8]int   `json:"chargeHistogram"`
	QualityMedian   float64         `json:"qualityMedian"`
	QualityP10      float64         `json:"qualityP10"`
	TotalIntensity  float64         `json:"totalIntensity"`
	MedianMassPPM   float64         `json:"medianMassPpm"`   // deviation from the peptide mass rule
	MedianRTSpanSec float64         `json:"medianRtSpanSec"`
}

// Summarize folds a feature list into a RunSummary.
func Summarize(features []models.Feature) RunSummary {
	s := RunSummary{
		FeatureCount:    len(features),
		ChargeHistogram: map[uint8]int{},
	}
	if len(features) == 0 {
		return s
	}

	qualities := make([]float64, 0, len(features))
	massDevs := make([]float64, 0, len(features))
	spans := make([]float64, 0, len(features))
	for _, f := range features {
		s.ChargeHistogram[f.Charge]++
		s.TotalIntensity += f.Intensity
		qualities = append(qualities, float64(f.Quality))
		massDevs = append(massDevs, isotope.MassRuleDeviationPPM(f.MonoisotopicMass))
		spans = append(spans, f.RTEnd-f.RTStart)
	}
	sort.Float64s(qualities)
	sort.Float64s(massDevs)
	sort.Float64s(spans)

	s.QualityMedian = stat.Quantile(0.5, stat.Empirical, qualities, nil)
	s.QualityP10 = stat.Quantile(0.1, stat.Empirical, qualities, nil)
	s.MedianMassPPM = stat.Quantile(0.5, stat.Empirical, massDevs, nil)
	s.MedianRTSpanSec = stat.Quantile(0.5, stat.Empirical, spans, nil)
	return s
}

// ExplainedFraction is the share of the map's total ion current claimed
// by emitted features. Exposes quiet coverage regressions the same way
// a cluster-collapse metric would.
func ExplainedFraction(features []models.Feature, reader models.ScanReader) float64 {
	var mapTotal float64
	for i := 0; i < reader.NumScans(); i++ {
		for _, p := range reader.Scan(i).Peaks {
			mapTotal += float64(p.Intensity)
		}
	}
	if mapTotal <= 0 {
		return 0
	}
	var claimed float64
	for _, f := range features {
		claimed += f.Intensity
	}
	frac := claimed / mapTotal
	if frac > 1 {
		frac = 1
	}
	return frac
}

// Divergence quantifies how far two runs over the same map drifted
// apart: relative feature-count delta plus relative intensity delta
// plus the absolute difference of the median qualities. Zero means
// those three quantities agree.
func Divergence(a, b RunSummary) float64 {
	d := relDelta(float64(a.FeatureCount), float64(b.FeatureCount)) +
		relDelta(a.TotalIntensity, b.TotalIntensity) +
		math.Abs(a.QualityMedian-b.QualityMedian)
	return d
}

func relDelta(x, y float64) float64 {
	denom := math.Max(math.Abs(x), math.Abs(y))
	if denom == 0 {
		return 0
	}
	return math.Abs(x-y) / denom
}
