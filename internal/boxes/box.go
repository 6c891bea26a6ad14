package boxes

import (
	"github.com/rawpeak/feature-engine/pkg/models"
)

// Status is the lifecycle state of a box.
type Status int

const (
	Open      Status = iota // seed accepted, one entry
	Extending               // extender is adding entries
	Closed                  // both directions exhausted
	Emitted                 // fit succeeded, feature returned
	Discarded               // fit failed or too short; claims are kept
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Extending:
		return "extending"
	case Closed:
		return "closed"
	case Emitted:
		return "emitted"
	case Discarded:
		return "discarded"
	}
	return "unknown"
}

// Claim is one (scan, peak) pair owned by a box.
type Claim struct {
	ScanIndex int
	PeakIndex int
}

// Box is an in-progress feature: one charge hypothesis, one trace per
// isotopologue. Boxes are owned by the state machine and never
// reference each other; merging works by index.
type Box struct {
	ID      int
	Charge  uint8
	MonoMz  float64
	Status  Status
	Seed    models.Candidate
	Traces  [][]models.TracePoint // indexed by isotope; each sorted by scan
	Claims  []Claim
}

// MonoTrace is the monoisotopic trace; its length gates emission.
func (b *Box) MonoTrace() []models.TracePoint {
	if len(b.Traces) == 0 {
		return nil
	}
	return b.Traces[0]
}

// ScanCount is the number of distinct scans any trace touches.
func (b *Box) ScanCount() int {
	seen := map[int]bool{}
	for _, tr := range b.Traces {
		for _, p := range tr {
			seen[p.ScanIndex] = true
		}
	}
	return len(seen)
}

// RTRange is the retention-time envelope over all trace points. ok is
// false for a box with no points.
func (b *Box) RTRange() (lo, hi float64, ok bool) {
	for _, tr := range b.Traces {
		for _, p := range tr {
			if !ok {
				lo, hi, ok = p.RT, p.RT, true
				continue
			}
			if p.RT < lo {
				lo = p.RT
			}
			if p.RT > hi {
				hi = p.RT
			}
		}
	}
	return lo, hi, ok
}

// Intensity sums every trace point.
func (b *Box) Intensity() float64 {
	acc := 0.0
	for _, tr := range b.Traces {
		for _, p := range tr {
			acc += float64(p.Intensity)
		}
	}
	return acc
}
