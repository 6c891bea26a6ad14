// Package isotope predicts averagine isotope envelopes for peptide ions
// of a given monoisotopic mass and charge.
package isotope

import (
	"math"
	"sync"
)

// Physical constants shared by the pipeline.
const (
	// ProtonMass converts between m/z and neutral mass.
	ProtonMass = 1.007276466879

	// C13C12MassDiff is the spacing between adjacent isotopologues in
	// dalton. Divided by the charge it gives the m/z spacing of an
	// isotope pattern.
	C13C12MassDiff = 1.0033548378

	// PeptideMassRuleSpacing is the average spacing of the peptide
	// monoisotopic mass clusters; the ppm plausibility check measures
	// the distance of a putative mass to the nearest cluster center.
	PeptideMassRuleSpacing = 1.000495
)

// Averagine composition per dalton of peptide mass
// (C4.9384 H7.7583 N1.3577 O1.4773 S0.0417 per 111.1254 Da).
var averaginePerDa = [5]float64{
	4.9384 / 111.1254, // C
	7.7583 / 111.1254, // H
	1.3577 / 111.1254, // N
	1.4773 / 111.1254, // O
	0.0417 / 111.1254, // S
}

// Natural isotope abundances by nominal mass offset.
var elementDists = [5][]float64{
	{0.9893, 0.0107},                   // C
	{0.999885, 0.000115},               // H
	{0.99632, 0.00368},                 // N
	{0.99757, 0.00038, 0.00205},        // O
	{0.9493, 0.0076, 0.0429, 0, 0.0002}, // S
}

// cumulative abundance a returned envelope must reach before truncation
const envelopeCoverage = 0.995

type envelopeKey struct {
	massTenth int64 // mass rounded to 0.1 Da
	charge    uint8
	maxPeaks  uint32
}

// write-through cache; concurrent writes to the same key produce the
// same value, so last-write-wins is safe.
var cache sync.Map

// Envelope returns the predicted isotope weights {w_0, w_1, ...} for an
// averagine peptide of the given neutral monoisotopic mass. The number
// of peaks is the smallest prefix with cumulative abundance >= 0.995,
// capped at maxPeaks; weights are normalized to sum 1. The returned
// slice is shared and must not be mutated.
func Envelope(mass float64, charge uint8, maxPeaks uint32) []float64 {
	if mass < 0 {
		mass = 0
	}
	key := envelopeKey{massTenth: int64(math.Round(mass * 10)), charge: charge, maxPeaks: maxPeaks}
	if v, ok := cache.Load(key); ok {
		return v.([]float64)
	}
	env := compute(float64(key.massTenth)/10, int(maxPeaks))
	cache.Store(key, env)
	return env
}

func compute(mass float64, maxPeaks int) []float64 {
	if maxPeaks < 2 {
		maxPeaks = 2
	}
	dist := []float64{1}
	for e, perDa := range averaginePerDa {
		count := int(math.Round(mass * perDa))
		if count <= 0 {
			continue
		}
		dist = convolve(dist, power(elementDists[e], count, maxPeaks), maxPeaks)
	}

	// Truncate at the coverage target and renormalize.
	cum := 0.0
	cut := len(dist)
	for i, w := range dist {
		cum += w
		if cum >= envelopeCoverage {
			cut = i + 1
			break
		}
	}
	dist = dist[:cut]
	sum := 0.0
	for _, w := range dist {
		sum += w
	}
	if sum > 0 {
		for i := range dist {
			dist[i] /= sum
		}
	}
	return dist
}

// power raises an elemental distribution to an integer count by
// exponentiation-by-squaring of the convolution.
func power(base []float64, count, maxLen int) []float64 {
	result := []float64{1}
	sq := base
	for count > 0 {
		if count&1 == 1 {
			result = convolve(result, sq, maxLen)
		}
		count >>= 1
		if count > 0 {
			sq = convolve(sq, sq, maxLen)
		}
	}
	return result
}

func convolve(a, b []float64, maxLen int) []float64 {
	n := len(a) + len(b) - 1
	if n > maxLen {
		n = maxLen
	}
	out := make([]float64, n)
	for i, ai := range a {
		if i >= n || ai == 0 {
			continue
		}
		for j, bj := range b {
			if i+j >= n {
				break
			}
			out[i+j] += ai * bj
		}
	}
	return out
}

// MzAt returns the m/z of isotopologue k for an ion with the given
// monoisotopic m/z and charge.
func MzAt(monoMz float64, k int, charge uint8) float64 {
	return monoMz + float64(k)*C13C12MassDiff/float64(charge)
}

// NeutralMass converts an observed monoisotopic m/z and charge into the
// neutral monoisotopic mass.
func NeutralMass(monoMz float64, charge uint8) float64 {
	return (monoMz - ProtonMass) * float64(charge)
}

// MassRuleDeviationPPM measures how far a neutral mass lies from the
// nearest peptide mass cluster center, in ppm of the mass.
func MassRuleDeviationPPM(mass float64) float64 {
	if mass <= 0 {
		return math.Inf(1)
	}
	nominal := math.Round(mass / PeptideMassRuleSpacing)
	return math.Abs(mass-nominal*PeptideMassRuleSpacing) / mass * 1e6
}
