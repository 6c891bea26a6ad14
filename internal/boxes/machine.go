package boxes

import (
	"math"
	"sort"

	"github.com/rawpeak/feature-engine/pkg/models"
)

// StateMachine owns every box of a run and is the only writer of the
// blacklist. Boxes move Open -> Extending -> Closed -> Emitted or
// Discarded; closed boxes are kept in closure order, which is the
// emission order of the run.
type StateMachine struct {
	blacklist *Blacklist
	nextID    int
	closed    []*Box
	merged    int
}

func New(blacklist *Blacklist) *StateMachine {
	return &StateMachine{blacklist: blacklist}
}

// Blacklist exposes the claim set read-only to the seeder and the
// extender's acceptance checks.
func (m *StateMachine) Blacklist() *Blacklist { return m.blacklist }

// Open creates a box around an accepted seed.
func (m *StateMachine) Open(seed models.Candidate) *Box {
	b := &Box{
		ID:     m.nextID,
		Charge: seed.Charge,
		MonoMz: seed.MonoisotopicMz,
		Status: Open,
		Seed:   seed,
	}
	m.nextID++
	return b
}

// BeginExtend marks the box while the extender adds entries.
func (m *StateMachine) BeginExtend(b *Box) { b.Status = Extending }

// Claim inserts a trace point into the box in scan order and marks its
// peak USED immediately, so no later seed or extension can claim it.
func (m *StateMachine) Claim(b *Box, iso int, peakIdx int, pt models.TracePoint) {
	for len(b.Traces) <= iso {
		b.Traces = append(b.Traces, nil)
	}
	tr := b.Traces[iso]
	at := sort.Search(len(tr), func(i int) bool { return tr[i].ScanIndex > pt.ScanIndex })
	tr = append(tr, models.TracePoint{})
	copy(tr[at+1:], tr[at:])
	tr[at] = pt
	b.Traces[iso] = tr
	b.Claims = append(b.Claims, Claim{ScanIndex: pt.ScanIndex, PeakIndex: peakIdx})
	m.blacklist.Mark(pt.ScanIndex, peakIdx)
}

// Close finishes extension. The box is first offered to earlier boxes
// for merging: same charge, monoisotopic agreement within tolPPM and
// overlapping retention windows mean both grew from the same ion. The
// older box absorbs the newer one (claims re-attributed); otherwise the
// box enters the closed list in its own right. Returns the surviving
// box.
func (m *StateMachine) Close(b *Box, tolPPM float64) *Box {
	b.normalize()
	for _, other := range m.closed {
		if other.Status != Closed || other.Charge != b.Charge {
			continue
		}
		if !monoAgree(other.MonoMz, b.MonoMz, tolPPM) {
			continue
		}
		if !rtOverlap(other, b) {
			continue
		}
		m.absorb(other, b)
		m.merged++
		return other
	}
	b.Status = Closed
	m.closed = append(m.closed, b)
	return b
}

// Closed returns boxes in closure order.
func (m *StateMachine) Closed() []*Box { return m.closed }

// MergedCount is the number of boxes absorbed into older ones.
func (m *StateMachine) MergedCount() int { return m.merged }

func (m *StateMachine) MarkEmitted(b *Box) { b.Status = Emitted }

// MarkDiscarded drops a box. Its blacklist claims are deliberately
// kept: a failed fit is not retried.
func (m *StateMachine) MarkDiscarded(b *Box) { b.Status = Discarded }

// absorb merges the newer box into the older. Per-scan conflicts keep
// the older box's point.
func (m *StateMachine) absorb(older, newer *Box) {
	for iso, tr := range newer.Traces {
		for len(older.Traces) <= iso {
			older.Traces = append(older.Traces, nil)
		}
		have := map[int]bool{}
		for _, p := range older.Traces[iso] {
			have[p.ScanIndex] = true
		}
		for _, p := range tr {
			if !have[p.ScanIndex] {
				older.Traces[iso] = append(older.Traces[iso], p)
			}
		}
	}
	older.Claims = append(older.Claims, newer.Claims...)
	older.normalize()
	newer.Status = Discarded
	newer.Traces = nil
	newer.Claims = nil
}

// normalize keeps every trace sorted by scan index.
func (b *Box) normalize() {
	for _, tr := range b.Traces {
		sort.Slice(tr, func(i, j int) bool { return tr[i].ScanIndex < tr[j].ScanIndex })
	}
}

func monoAgree(a, b, tolPPM float64) bool {
	return math.Abs(a-b) <= tolPPM*math.Max(a, b)*1e-6
}

func rtOverlap(a, b *Box) bool {
	aLo, aHi, aOK := a.RTRange()
	bLo, bHi, bOK := b.RTRange()
	if !aOK || !bOK {
		return false
	}
	return aLo <= bHi && bLo <= aHi
}
