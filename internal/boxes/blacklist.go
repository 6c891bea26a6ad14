// Package boxes holds the in-progress feature boxes, the peak
// blacklist, and the state machine that decides when a box is mature
// enough to emit.
package boxes

import (
	"github.com/rawpeak/feature-engine/internal/peakmap"
)

// Blacklist marks input peaks USED, one bit per peak. It only ever
// grows: a claimed peak is never released, not even when its box is
// discarded. The orchestrator owns it; the extender writes through the
// state machine's boxes, the seeder only reads.
type Blacklist struct {
	bits  [][]uint64
	count int
}

// NewBlacklist sizes the bitset to the map.
func NewBlacklist(m *peakmap.MapIndex) *Blacklist {
	bits := make([][]uint64, m.NumScans())
	for i := range bits {
		bits[i] = make([]uint64, (m.Scan(i).Size()+63)/64)
	}
	return &Blacklist{bits: bits}
}

func (b *Blacklist) Contains(scanIdx, peakIdx int) bool {
	return b.bits[scanIdx][peakIdx/64]&(1<<(uint(peakIdx)%64)) != 0
}

// Mark flags a peak USED. Idempotent.
func (b *Blacklist) Mark(scanIdx, peakIdx int) {
	w := &b.bits[scanIdx][peakIdx/64]
	bit := uint64(1) << (uint(peakIdx) % 64)
	if *w&bit == 0 {
		*w |= bit
		b.count++
	}
}

// Count is the number of distinct peaks marked so far.
func (b *Blacklist) Count() int { return b.count }
