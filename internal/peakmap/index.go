package peakmap

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rawpeak/feature-engine/pkg/models"
)

// MapIndex is the two-dimensional index over one experiment: per-scan
// spectrum views plus the RT-ordered scan list. It is created once from
// a ScanReader, borrowed read-only by the engine for the whole run, and
// safe for concurrent readers.
type MapIndex struct {
	scans []models.Scan

	spacingOnce sync.Once
	spacing     float64
}

// Build validates and indexes the collaborator-provided scans. Scans
// must arrive pre-sorted by RT (ties broken by native id); every scan's
// peaks must be strictly ascending in m/z with finite coordinates.
// Violations are input-structure errors, fatal to the call.
func Build(reader models.ScanReader) (*MapIndex, error) {
	n := reader.NumScans()
	scans := make([]models.Scan, n)
	prevRT := math.Inf(-1)
	prevID := ""
	for i := 0; i < n; i++ {
		s := reader.Scan(i)
		if math.IsNaN(s.RT) || math.IsInf(s.RT, 0) {
			return nil, fmt.Errorf("%w: scan %d has non-finite rt", models.ErrInputMalformed, i)
		}
		if s.RT < prevRT || (s.RT == prevRT && s.NativeID < prevID) {
			return nil, fmt.Errorf("%w: scan %d out of rt order (rt=%g after %g)", models.ErrInputMalformed, i, s.RT, prevRT)
		}
		for j, p := range s.Peaks {
			if math.IsNaN(p.Mz) || math.IsInf(p.Mz, 0) || p.Mz <= 0 {
				return nil, fmt.Errorf("%w: scan %d peak %d has invalid m/z %g", models.ErrInputMalformed, i, j, p.Mz)
			}
			if j > 0 && p.Mz <= s.Peaks[j-1].Mz {
				return nil, fmt.Errorf("%w: scan %d m/z not strictly ascending at peak %d", models.ErrInputMalformed, i, j)
			}
		}
		prevRT, prevID = s.RT, s.NativeID
		scans[i] = s
	}
	return &MapIndex{scans: scans}, nil
}

func (m *MapIndex) NumScans() int { return len(m.scans) }

func (m *MapIndex) Scan(i int) SpectrumView {
	s := m.scans[i]
	return SpectrumView{scanIndex: i, rt: s.RT, peaks: s.Peaks}
}

func (m *MapIndex) RT(i int) float64      { return m.scans[i].RT }
func (m *MapIndex) MSLevel(i int) uint8   { return m.scans[i].MSLevel }
func (m *MapIndex) NativeID(i int) string { return m.scans[i].NativeID }

// RTLowerBound returns the index of the first scan with RT >= rt.
func (m *MapIndex) RTLowerBound(rt float64) int {
	return sort.Search(len(m.scans), func(i int) bool { return m.scans[i].RT >= rt })
}

// MinRT and MaxRT bound the map's retention-time range. Zero for an
// empty map.
func (m *MapIndex) MinRT() float64 {
	if len(m.scans) == 0 {
		return 0
	}
	return m.scans[0].RT
}

func (m *MapIndex) MaxRT() float64 {
	if len(m.scans) == 0 {
		return 0
	}
	return m.scans[len(m.scans)-1].RT
}

// MinMzSpacing is the smallest positive consecutive-peak m/z gap across
// all scans, computed lazily on first use and cached. Falls back to
// defaultSpacing when the map holds no adjacent peak pairs.
const defaultSpacing = 0.01

func (m *MapIndex) MinMzSpacing() float64 {
	m.spacingOnce.Do(func() {
		min := math.Inf(1)
		for _, s := range m.scans {
			for j := 1; j < len(s.Peaks); j++ {
				if d := s.Peaks[j].Mz - s.Peaks[j-1].Mz; d > 0 && d < min {
					min = d
				}
			}
		}
		if math.IsInf(min, 1) {
			min = defaultSpacing
		}
		m.spacing = min
	})
	return m.spacing
}
