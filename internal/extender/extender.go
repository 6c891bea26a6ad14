// Package extender grows a seeded box through adjacent scans along each
// isotope trace of its charge hypothesis.
package extender

import (
	"github.com/rawpeak/feature-engine/internal/boxes"
	"github.com/rawpeak/feature-engine/internal/isotope"
	"github.com/rawpeak/feature-engine/internal/peakmap"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// Extend region-grows the box from its seed scan: every isotope trace
// walks forward, then backward in retention time, accepting the nearest
// unclaimed peak within the ppm tolerance. A trace dies when its
// consecutive-gap count exceeds rt_interleave; the whole direction dies
// with the monoisotopic trace. Accepted peaks are claimed through the
// state machine immediately, so the earlier (stronger) seed always wins
// a contested peak. Deterministic for a fixed map and parameters.
func Extend(m *boxes.StateMachine, b *boxes.Box, idx *peakmap.MapIndex, cfg models.Config) {
	z := b.Charge
	env := isotope.Envelope(isotope.NeutralMass(b.MonoMz, z), z, cfg.MaxIsotopes)
	targets := make([]float64, len(env))
	for k := range env {
		targets[k] = isotope.MzAt(b.MonoMz, k, z)
	}

	m.BeginExtend(b)

	// Seed scan first.
	claimRow(m, b, idx, b.Seed.ScanIndex, targets, nil, nil, cfg)

	// Forward, then backward. Gap counters are per direction.
	walk(m, b, idx, targets, b.Seed.ScanIndex+1, +1, cfg)
	walk(m, b, idx, targets, b.Seed.ScanIndex-1, -1, cfg)
}

func walk(m *boxes.StateMachine, b *boxes.Box, idx *peakmap.MapIndex, targets []float64, from, dir int, cfg models.Config) {
	alive := make([]bool, len(targets))
	for k := range alive {
		alive[k] = true
	}
	gaps := make([]int, len(targets))

	for scan := from; scan >= 0 && scan < idx.NumScans(); scan += dir {
		if idx.MSLevel(scan) != 1 {
			continue // fragment scans neither extend nor count as gaps
		}
		claimRow(m, b, idx, scan, targets, alive, gaps, cfg)
		if !alive[0] {
			// The monoisotopic trace governs the lifetime of the whole
			// direction.
			return
		}
	}
}

// claimRow tries every live isotope target in one scan. With nil
// alive/gaps (the seed scan) all targets are probed once and misses are
// not counted.
func claimRow(m *boxes.StateMachine, b *boxes.Box, idx *peakmap.MapIndex, scan int, targets []float64, alive []bool, gaps []int, cfg models.Config) {
	view := idx.Scan(scan)
	for k, target := range targets {
		if alive != nil && !alive[k] {
			continue
		}
		peakIdx, found := view.NearestWithinPPM(target, cfg.MzTolerancePPM)
		accepted := found && !m.Blacklist().Contains(scan, peakIdx) && view.Intensity(peakIdx) > 0
		if accepted {
			m.Claim(b, k, peakIdx, models.TracePoint{
				ScanIndex: scan,
				RT:        view.RT(),
				Mz:        view.Mz(peakIdx),
				Intensity: view.Intensity(peakIdx),
			})
			if gaps != nil {
				gaps[k] = 0
			}
			continue
		}
		if gaps == nil {
			continue
		}
		gaps[k]++
		if gaps[k] > int(cfg.RTInterleave) {
			alive[k] = false
		}
	}
}
