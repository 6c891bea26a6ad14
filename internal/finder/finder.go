// Package finder composes the map index, wavelet transform, charge
// scorer, seeder, extender, trace fitter and box state machine into the
// end-to-end feature-finding pipeline.
package finder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rawpeak/feature-engine/internal/boxes"
	"github.com/rawpeak/feature-engine/internal/extender"
	"github.com/rawpeak/feature-engine/internal/fitter"
	"github.com/rawpeak/feature-engine/internal/isotope"
	"github.com/rawpeak/feature-engine/internal/noise"
	"github.com/rawpeak/feature-engine/internal/peakmap"
	"github.com/rawpeak/feature-engine/internal/scorer"
	"github.com/rawpeak/feature-engine/internal/seeder"
	"github.com/rawpeak/feature-engine/internal/wavelet"
	"github.com/rawpeak/feature-engine/pkg/models"
)

// FindFeatures runs the pipeline over an indexed map. The call is pure
// with respect to the map: all state is internal, nothing touches disk
// or globals, and two runs with identical inputs produce identical
// output. Cancellation is honored at scan boundaries during the
// transform phase and at each box closure afterwards; a cancelled run
// returns the features emitted so far with Statistics.Cancelled set.
func FindFeatures(ctx context.Context, idx *peakmap.MapIndex, cfg models.Config) ([]models.Feature, models.Statistics, error) {
	var stats models.Statistics
	if err := cfg.Validate(); err != nil {
		return nil, stats, err
	}
	if idx == nil || idx.NumScans() == 0 {
		return []models.Feature{}, stats, nil
	}

	cands, cancelled := transformPhase(ctx, idx, cfg, &stats)
	if cfg.SeedMinSN > 0 {
		cands = filterBySignalToNoise(idx, cands, cfg.SeedMinSN)
	}
	stats.CandidatesScored = len(cands)
	if cancelled {
		stats.Cancelled = true
		return []models.Feature{}, stats, nil
	}

	machine := boxes.New(boxes.NewBlacklist(idx))
	if seedPhase(ctx, idx, cfg, machine, cands, &stats) {
		stats.Cancelled = true
	}

	// A run cancelled during seeding emits nothing: fitPhase sees the
	// cancelled context before its first box. Only a cancellation that
	// arrives during fitting keeps the features emitted before it.
	features := fitPhase(ctx, cfg, machine, &stats)
	stats.FeaturesEmitted = len(features)
	stats.BoxesMerged = machine.MergedCount()
	return features, stats, nil
}

// transformPhase runs the per-scan CWT for every charge hypothesis and
// merges the scored candidates in (scan, charge) order. One worker job
// covers one scan, so the optional parallelism never interleaves
// results within a scan and the merge is deterministic by slot.
func transformPhase(ctx context.Context, idx *peakmap.MapIndex, cfg models.Config, stats *models.Statistics) ([]models.Candidate, bool) {
	step := idx.MinMzSpacing() / 4
	n := idx.NumScans()
	perScan := make([][]models.Candidate, n)

	var done atomic.Int64
	wavelet.ParallelFor(int(cfg.TransformWorkers), n, func(scanIdx int) {
		if ctx.Err() != nil {
			return
		}
		defer func() {
			if cfg.Progress != nil {
				cfg.Progress("transform", int(done.Add(1)), n)
			}
		}()
		if idx.MSLevel(scanIdx) != 1 {
			return
		}
		view := idx.Scan(scanIdx)
		if view.Size() <= 1 {
			return // nothing to transform
		}
		mid := view.Mz(view.Size() / 2)
		var scanCands []models.Candidate
		for zi := int(cfg.MinCharge); zi <= int(cfg.MaxCharge); zi++ {
			z := uint8(zi)
			kernel := wavelet.Cached(z, isotope.NeutralMass(mid, z), step, cfg.MaxIsotopes)
			var trans []wavelet.Sample
			if cfg.HighRes {
				trans = wavelet.TransformHighRes(view, kernel)
			} else {
				trans = wavelet.Transform(view, kernel)
			}
			scanCands = append(scanCands, scorer.Score(view, trans, z, cfg)...)
		}
		perScan[scanIdx] = scanCands
	})

	if ctx.Err() != nil {
		return nil, true
	}

	var all []models.Candidate
	for scanIdx, scanCands := range perScan {
		if idx.MSLevel(scanIdx) == 1 && idx.Scan(scanIdx).Size() > 0 {
			stats.ScansProcessed++
		}
		all = append(all, scanCands...)
	}
	return scorer.Dedup(all), false
}

// snWindowTh is the m/z window of the median noise estimate backing
// the optional seed signal-to-noise gate.
const snWindowTh = 2.0

// filterBySignalToNoise drops candidates whose anchor peak sits below
// the configured S/N floor. Noise levels are estimated once per scan
// that carries candidates.
func filterBySignalToNoise(idx *peakmap.MapIndex, cands []models.Candidate, minSN float64) []models.Candidate {
	perScan := map[int][]float32{}
	out := cands[:0]
	for _, c := range cands {
		sn, ok := perScan[c.ScanIndex]
		if !ok {
			sn = noise.SignalToNoise(idx.Scan(c.ScanIndex), snWindowTh)
			perScan[c.ScanIndex] = sn
		}
		if float64(sn[c.PeakIndex]) >= minSN {
			out = append(out, c)
		}
	}
	return out
}

// seedPhase drains the seed queue, growing and closing one box per
// accepted seed. Returns true when cancelled.
func seedPhase(ctx context.Context, idx *peakmap.MapIndex, cfg models.Config, machine *boxes.StateMachine, cands []models.Candidate, stats *models.Statistics) bool {
	sd := seeder.New(cands)
	for {
		if ctx.Err() != nil {
			return true
		}
		seed, err := sd.Next(machine.Blacklist())
		if errors.Is(err, seeder.ErrNoMoreSeeds) {
			return false
		}
		stats.SeedsAccepted++

		box := machine.Open(seed)
		stats.BoxesOpened++
		extender.Extend(machine, box, idx, cfg)
		machine.Close(box, cfg.MzTolerancePPM)
	}
}

// fitPhase fits every closed box in closure order and emits the mature
// ones. Fit problems never escape: they are discarded into Statistics.
func fitPhase(ctx context.Context, cfg models.Config, machine *boxes.StateMachine, stats *models.Statistics) []models.Feature {
	closed := machine.Closed()
	features := make([]models.Feature, 0, len(closed))
	for i, box := range closed {
		if ctx.Err() != nil {
			stats.Cancelled = true
			break
		}
		if cfg.Progress != nil {
			cfg.Progress("fit", i+1, len(closed))
		}

		if len(box.MonoTrace()) < int(cfg.MinMonoLength) || box.ScanCount() < int(cfg.MinRTVotes) {
			machine.MarkDiscarded(box)
			stats.ShortBoxes++
			continue
		}

		res, err := fitter.Fit(elutionPoints(box), cfg.TraceModelKind)
		if err != nil || !res.Converged || res.Quality < cfg.QMin {
			machine.MarkDiscarded(box)
			stats.FitFailures++
			continue
		}

		features = append(features, assemble(box, res))
		machine.MarkEmitted(box)
	}
	return features
}

// elutionPoints aggregates a box's traces into one per-scan elution
// profile, the curve the model is fitted to.
func elutionPoints(box *boxes.Box) []fitter.Point {
	perScan := map[int]fitter.Point{}
	for _, tr := range box.Traces {
		for _, p := range tr {
			agg := perScan[p.ScanIndex]
			agg.RT = p.RT
			agg.Intensity += float64(p.Intensity)
			perScan[p.ScanIndex] = agg
		}
	}
	scans := make([]int, 0, len(perScan))
	for s := range perScan {
		scans = append(scans, s)
	}
	sort.Ints(scans)
	points := make([]fitter.Point, len(scans))
	for i, s := range scans {
		points[i] = perScan[s]
	}
	return points
}

func assemble(box *boxes.Box, res fitter.Result) models.Feature {
	rtStart, rtEnd, _ := box.RTRange()
	apex := res.Apex(rtStart, rtEnd)

	// Observed monoisotopic m/z: intensity-weighted over the mono trace.
	monoMz := box.MonoMz
	var wSum, wMz float64
	for _, p := range box.MonoTrace() {
		wSum += float64(p.Intensity)
		wMz += float64(p.Intensity) * p.Mz
	}
	if wSum > 0 {
		monoMz = wMz / wSum
	}

	traces := make([]models.FeatureTrace, 0, len(box.Traces))
	for iso, tr := range box.Traces {
		if len(tr) == 0 {
			continue
		}
		pts := make([]models.TracePoint, len(tr))
		copy(pts, tr)
		traces = append(traces, models.FeatureTrace{IsotopeIndex: iso, Points: pts})
	}

	return models.Feature{
		MonoisotopicMz:   monoMz,
		MonoisotopicMass: isotope.NeutralMass(monoMz, box.Charge),
		Charge:           box.Charge,
		RTApex:           apex,
		RTStart:          rtStart,
		RTEnd:            rtEnd,
		Intensity:        box.Intensity(),
		Quality:          res.Quality,
		Hull:             hull(box),
		Traces:           traces,
	}
}

// hull is the per-scan m/z envelope over every claimed peak.
func hull(box *boxes.Box) []models.HullSegment {
	type bounds struct {
		rt     float64
		lo, hi float64
	}
	perScan := map[int]bounds{}
	for _, tr := range box.Traces {
		for _, p := range tr {
			b, seen := perScan[p.ScanIndex]
			if !seen {
				perScan[p.ScanIndex] = bounds{rt: p.RT, lo: p.Mz, hi: p.Mz}
				continue
			}
			if p.Mz < b.lo {
				b.lo = p.Mz
			}
			if p.Mz > b.hi {
				b.hi = p.Mz
			}
			perScan[p.ScanIndex] = b
		}
	}
	scans := make([]int, 0, len(perScan))
	for s := range perScan {
		scans = append(scans, s)
	}
	sort.Ints(scans)
	segs := make([]models.HullSegment, len(scans))
	for i, s := range scans {
		b := perScan[s]
		segs[i] = models.HullSegment{RT: b.rt, MzLow: b.lo, MzHigh: b.hi}
	}
	return segs
}

// BuildIndex validates collaborator input into a MapIndex, wrapping any
// structural problem with the scan that carries it.
func BuildIndex(reader models.ScanReader) (*peakmap.MapIndex, error) {
	idx, err := peakmap.Build(reader)
	if err != nil {
		return nil, fmt.Errorf("indexing input map: %w", err)
	}
	return idx, nil
}
