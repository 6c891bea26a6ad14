// Package scorer turns per-scan wavelet transforms into scored charge
// candidates: local response maxima snapped to real peaks, validated
// against the averagine envelope and, optionally, the peptide mass
// rule.
package scorer

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/rawpeak/feature-engine/internal/isotope"
	"github.com/rawpeak/feature-engine/internal/peakmap"
	"github.com/rawpeak/feature-engine/internal/wavelet"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// minMatchedIsotopes is the number of isotope positions that must carry
// signal before a candidate is considered a pattern at all. A single
// isolated peak correlates deceptively well with any decreasing
// envelope, so correlation alone cannot reject lone noise spikes.
const minMatchedIsotopes = 2

// Score evaluates one charge hypothesis over one transformed scan.
// Candidates come out sorted by anchor peak index; at most one
// candidate per anchor peak survives (best response wins).
func Score(view peakmap.SpectrumView, trans []wavelet.Sample, charge uint8, cfg models.Config) []models.Candidate {
	if len(trans) == 0 || view.Size() == 0 {
		return nil
	}

	floor := responseFloor(trans, cfg)
	best := make(map[int]models.Candidate)

	for i := range trans {
		r := trans[i].Response
		if r <= floor {
			continue
		}
		if i > 0 && !(r > trans[i-1].Response) {
			continue
		}
		if i < len(trans)-1 && !(r >= trans[i+1].Response) {
			continue
		}

		// Snap the maximum to the nearest real peak of the scan.
		peakIdx := view.Nearest(trans[i].Mz)
		cand, ok := evaluate(view, peakIdx, charge, r, cfg)
		if !ok {
			continue
		}
		if prev, seen := best[peakIdx]; !seen || cand.Score > prev.Score {
			best[peakIdx] = cand
		}
	}

	out := make([]models.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].PeakIndex < out[b].PeakIndex })
	return out
}

// responseFloor is the larger of the absolute score threshold and the
// relative floor derived from the scan's 95th-percentile response
// divided by the cutoff amplitude factor.
func responseFloor(trans []wavelet.Sample, cfg models.Config) float32 {
	resp := make([]float64, len(trans))
	for i := range trans {
		resp[i] = float64(trans[i].Response)
	}
	sort.Float64s(resp)
	p95 := stat.Quantile(0.95, stat.Empirical, resp, nil)

	floor := float64(cfg.ScoreThreshold)
	if rel := p95 / cfg.CutoffAmplitudeFactor; rel > floor {
		floor = rel
	}
	return float32(floor)
}

// evaluate decides the isotope index of the anchor peak by maximizing
// the Pearson correlation between the observed intensities along the
// hypothesized pattern and the predicted envelope.
func evaluate(view peakmap.SpectrumView, peakIdx int, charge uint8, response float32, cfg models.Config) (models.Candidate, bool) {
	p := view.Mz(peakIdx)
	spacing := isotope.C13C12MassDiff / float64(charge)

	approxMass := isotope.NeutralMass(p, charge)
	if approxMass <= 0 {
		return models.Candidate{}, false
	}
	env := isotope.Envelope(approxMass, charge, cfg.MaxIsotopes)

	bestCorr := math.Inf(-1)
	bestMono := 0.0
	for j := 0; j < len(env); j++ {
		mono := p - float64(j)*spacing
		if mono <= isotope.ProtonMass {
			break
		}
		obs := make([]float64, len(env))
		matched := 0
		for k := range env {
			if idx, ok := view.NearestWithinPPM(isotope.MzAt(mono, k, charge), cfg.MzTolerancePPM); ok {
				obs[k] = float64(view.Intensity(idx))
				if obs[k] > 0 {
					matched++
				}
			}
		}
		// The monoisotopic peak and its first isotope must both carry
		// signal at this charge's spacing; scattered hits further out
		// do not make a pattern.
		if matched < minMatchedIsotopes || obs[0] == 0 || obs[1] == 0 {
			continue
		}
		corr := stat.Correlation(obs, env, nil)
		if math.IsNaN(corr) {
			continue
		}
		if corr > bestCorr {
			bestCorr = corr
			bestMono = mono
		}
	}

	if bestCorr < float64(cfg.IsotopeCorrelationThreshold) {
		return models.Candidate{}, false
	}
	if cfg.CheckPPM {
		if isotope.MassRuleDeviationPPM(isotope.NeutralMass(bestMono, charge)) > cfg.MzTolerancePPM {
			return models.Candidate{}, false
		}
	}

	return models.Candidate{
		ScanIndex:      view.ScanIndex(),
		PeakIndex:      peakIdx,
		Mz:             p,
		MonoisotopicMz: bestMono,
		Charge:         charge,
		Score:          response,
		RefIntensity:   view.Intensity(peakIdx),
	}, true
}

// Dedup resolves candidates from different charge hypotheses claiming
// the same anchor peak: higher score wins, exact ties go to the higher
// charge. Input order does not matter; output is sorted scan-ascending,
// then peak-ascending.
func Dedup(cands []models.Candidate) []models.Candidate {
	type key struct{ scan, peak int }
	best := make(map[key]models.Candidate, len(cands))
	for _, c := range cands {
		k := key{c.ScanIndex, c.PeakIndex}
		prev, seen := best[k]
		if !seen || c.Score > prev.Score || (c.Score == prev.Score && c.Charge > prev.Charge) {
			best[k] = c
		}
	}
	out := make([]models.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ScanIndex != out[b].ScanIndex {
			return out[a].ScanIndex < out[b].ScanIndex
		}
		return out[a].PeakIndex < out[b].PeakIndex
	})
	return out
}
