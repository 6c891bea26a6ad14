// Package seeder orders charge candidates into a deterministic seed
// stream: strongest evidence first, already-claimed peaks skipped.
package seeder

import (
	"container/heap"
	"errors"

	"github.com/rawpeak/feature-engine/pkg/models"
)

// ErrNoMoreSeeds signals exhaustion of the candidate stream. A normal
// end-of-iteration value, not a failure.
var ErrNoMoreSeeds = errors.New("no more seeds")

// Claimed reports whether a peak is already owned by a box. The seeder
// only ever reads the blacklist.
type Claimed interface {
	Contains(scanIdx, peakIdx int) bool
}

// Seeder pops candidates by descending ref_intensity*score with the
// stable tie-break (scan index, peak index). The priority structure is
// built once; no re-sort on pop.
type Seeder struct {
	h candidateHeap
}

// New builds the seed queue from the merged candidate list.
func New(cands []models.Candidate) *Seeder {
	h := make(candidateHeap, len(cands))
	copy(h, cands)
	heap.Init(&h)
	return &Seeder{h: h}
}

// Remaining is the number of candidates not yet popped (including ones
// that may later be skipped as claimed).
func (s *Seeder) Remaining() int { return len(s.h) }

// Next yields the strongest unclaimed candidate, or ErrNoMoreSeeds.
func (s *Seeder) Next(claimed Claimed) (models.Candidate, error) {
	for len(s.h) > 0 {
		c := heap.Pop(&s.h).(models.Candidate)
		if claimed != nil && claimed.Contains(c.ScanIndex, c.PeakIndex) {
			continue
		}
		return c, nil
	}
	return models.Candidate{}, ErrNoMoreSeeds
}

type candidateHeap []models.Candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(a, b int) bool {
	pa := float64(h[a].RefIntensity) * float64(h[a].Score)
	pb := float64(h[b].RefIntensity) * float64(h[b].Score)
	if pa != pb {
		return pa > pb
	}
	if h[a].ScanIndex != h[b].ScanIndex {
		return h[a].ScanIndex < h[b].ScanIndex
	}
	return h[a].PeakIndex < h[b].PeakIndex
}

func (h candidateHeap) Swap(a, b int) { h[a], h[b] = h[b], h[a] }

func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(models.Candidate)) }

func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
