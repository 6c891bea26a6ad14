package models

// PeakCoord is a single centroided peak. Immutable after construction.
type PeakCoord struct {
	Mz        float64 `json:"mz"`        // mass-to-charge ratio in Thomson
	Intensity float32 `json:"intensity"` // ion count / arbitrary units
}

// Scan is one spectrum of an LC-MS map. Peaks must be sorted strictly
// ascending by m/z; empty scans are legal and skipped by the engine.
type Scan struct {
	RT       float64     `json:"rt"`      // retention time in seconds
	MSLevel  uint8       `json:"msLevel"` // 1 = survey scan, 2 = fragment scan
	NativeID string      `json:"nativeId,omitempty"`
	Peaks    []PeakCoord `json:"peaks"`
}

// ScanReader is the input contract the I/O collaborator must satisfy.
// The engine never parses raw files itself; it borrows scans read-only
// for the duration of a run.
type ScanReader interface {
	NumScans() int
	Scan(i int) Scan
}

// SliceReader adapts an in-memory scan slice (e.g. a decoded JSON map
// submitted over the API) to the ScanReader contract.
type SliceReader []Scan

func (s SliceReader) NumScans() int   { return len(s) }
func (s SliceReader) Scan(i int) Scan { return s[i] }
