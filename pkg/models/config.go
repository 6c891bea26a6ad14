package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrConfigInvalid is wrapped by every configuration validation failure.
var ErrConfigInvalid = errors.New("configuration invalid")

// ErrInputMalformed is wrapped by every input-structure failure (m/z not
// ascending, non-finite RT, unsorted scans).
var ErrInputMalformed = errors.New("input malformed")

// TraceModel selects the parametric elution profile fitted to a mass trace.
type TraceModel string

const (
	TraceModelGauss TraceModel = "gauss"
	TraceModelEMG   TraceModel = "emg" // exponentially modified Gaussian
)

// ProgressFunc observes run progress. Purely observational: the engine
// ignores its effects. phase is "transform" or "fit".
type ProgressFunc func(phase string, done, total int)

// Config holds every recognized analysis option. Unknown keys are
// rejected at parse time; ranges are validated once at entry.
type Config struct {
	MinCharge                   uint8      `json:"min_charge"`
	MaxCharge                   uint8      `json:"max_charge"`
	MzTolerancePPM              float64    `json:"mz_tolerance_ppm"` // peak-match tolerance during extension and merging
	RTInterleave                uint32     `json:"rt_interleave"`    // allowed consecutive gaps in the monoisotopic trace
	MinRTVotes                  uint32     `json:"min_rt_votes"`
	MinMonoLength               uint32     `json:"min_mono_length"`
	IsotopeCorrelationThreshold float32    `json:"isotope_correlation_threshold"`
	ScoreThreshold              float32    `json:"score_threshold"` // absolute wavelet response floor
	CheckPPM                    bool       `json:"check_ppm"`
	HighRes                     bool       `json:"high_res"`
	QMin                        float32    `json:"q_min"`
	TraceModelKind              TraceModel `json:"trace_model"`
	CutoffAmplitudeFactor       float64    `json:"cutoff_amplitude_factor"` // divisor of the p95 response forming the relative maximum floor
	MaxIsotopes                 uint32     `json:"max_isotopes"`
	TransformWorkers            uint32     `json:"transform_workers"` // >1 parallelizes the per-(scan,charge) transform
	SeedMinSN                   float64    `json:"seed_min_sn"`       // minimum signal-to-noise for a seed anchor; 0 disables the gate

	Progress ProgressFunc `json:"-"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinCharge:                   1,
		MaxCharge:                   4,
		MzTolerancePPM:              10,
		RTInterleave:                2,
		MinRTVotes:                  3,
		MinMonoLength:               3,
		IsotopeCorrelationThreshold: 0.6,
		ScoreThreshold:              0,
		CheckPPM:                    false,
		HighRes:                     false,
		QMin:                        0.5,
		TraceModelKind:              TraceModelEMG,
		CutoffAmplitudeFactor:       2,
		MaxIsotopes:                 10,
		TransformWorkers:            1,
		SeedMinSN:                   0,
	}
}

// ParseConfig builds a Config from a decoded JSON object, starting from
// the defaults. Unknown keys fail fast; no implicit defaults for
// unrecognized parameters.
func ParseConfig(raw map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	for key, val := range raw {
		switch key {
		case "min_charge":
			v, err := asUint(key, val, 255)
			if err != nil {
				return cfg, err
			}
			cfg.MinCharge = uint8(v)
		case "max_charge":
			v, err := asUint(key, val, 255)
			if err != nil {
				return cfg, err
			}
			cfg.MaxCharge = uint8(v)
		case "mz_tolerance_ppm":
			v, err := asFloat(key, val)
			if err != nil {
				return cfg, err
			}
			cfg.MzTolerancePPM = v
		case "rt_interleave":
			v, err := asUint(key, val, math.MaxUint32)
			if err != nil {
				return cfg, err
			}
			cfg.RTInterleave = uint32(v)
		case "min_rt_votes":
			v, err := asUint(key, val, math.MaxUint32)
			if err != nil {
				return cfg, err
			}
			cfg.MinRTVotes = uint32(v)
		case "min_mono_length":
			v, err := asUint(key, val, math.MaxUint32)
			if err != nil {
				return cfg, err
			}
			cfg.MinMonoLength = uint32(v)
		case "isotope_correlation_threshold":
			v, err := asFloat(key, val)
			if err != nil {
				return cfg, err
			}
			cfg.IsotopeCorrelationThreshold = float32(v)
		case "score_threshold":
			v, err := asFloat(key, val)
			if err != nil {
				return cfg, err
			}
			cfg.ScoreThreshold = float32(v)
		case "check_ppm":
			v, ok := val.(bool)
			if !ok {
				return cfg, fmt.Errorf("%w: %q must be a boolean", ErrConfigInvalid, key)
			}
			cfg.CheckPPM = v
		case "high_res":
			v, ok := val.(bool)
			if !ok {
				return cfg, fmt.Errorf("%w: %q must be a boolean", ErrConfigInvalid, key)
			}
			cfg.HighRes = v
		case "q_min":
			v, err := asFloat(key, val)
			if err != nil {
				return cfg, err
			}
			cfg.QMin = float32(v)
		case "trace_model":
			s, ok := val.(string)
			if !ok {
				return cfg, fmt.Errorf("%w: %q must be a string", ErrConfigInvalid, key)
			}
			cfg.TraceModelKind = TraceModel(s)
		case "cutoff_amplitude_factor":
			v, err := asFloat(key, val)
			if err != nil {
				return cfg, err
			}
			cfg.CutoffAmplitudeFactor = v
		case "max_isotopes":
			v, err := asUint(key, val, math.MaxUint32)
			if err != nil {
				return cfg, err
			}
			cfg.MaxIsotopes = uint32(v)
		case "seed_min_sn":
			v, err := asFloat(key, val)
			if err != nil {
				return cfg, err
			}
			cfg.SeedMinSN = v
		case "transform_workers":
			v, err := asUint(key, val, math.MaxUint32)
			if err != nil {
				return cfg, err
			}
			cfg.TransformWorkers = uint32(v)
		default:
			return cfg, fmt.Errorf("%w: unknown option %q", ErrConfigInvalid, key)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks every range and names the offending option.
func (c Config) Validate() error {
	if c.MinCharge < 1 {
		return fmt.Errorf("%w: min_charge must be >= 1", ErrConfigInvalid)
	}
	if c.MaxCharge < c.MinCharge {
		return fmt.Errorf("%w: max_charge (%d) below min_charge (%d)", ErrConfigInvalid, c.MaxCharge, c.MinCharge)
	}
	if c.MzTolerancePPM <= 0 || math.IsNaN(c.MzTolerancePPM) || math.IsInf(c.MzTolerancePPM, 0) {
		return fmt.Errorf("%w: mz_tolerance_ppm must be a positive finite number", ErrConfigInvalid)
	}
	if c.IsotopeCorrelationThreshold < -1 || c.IsotopeCorrelationThreshold > 1 {
		return fmt.Errorf("%w: isotope_correlation_threshold must be in [-1, 1]", ErrConfigInvalid)
	}
	if c.ScoreThreshold < 0 {
		return fmt.Errorf("%w: score_threshold must be >= 0", ErrConfigInvalid)
	}
	if c.QMin < 0 || c.QMin > 1 {
		return fmt.Errorf("%w: q_min must be in [0, 1]", ErrConfigInvalid)
	}
	switch c.TraceModelKind {
	case TraceModelGauss, TraceModelEMG:
	default:
		return fmt.Errorf("%w: trace_model must be %q or %q", ErrConfigInvalid, TraceModelGauss, TraceModelEMG)
	}
	if c.CutoffAmplitudeFactor <= 0 {
		return fmt.Errorf("%w: cutoff_amplitude_factor must be > 0", ErrConfigInvalid)
	}
	if c.MaxIsotopes < 2 {
		return fmt.Errorf("%w: max_isotopes must be >= 2", ErrConfigInvalid)
	}
	if c.MinMonoLength < 1 {
		return fmt.Errorf("%w: min_mono_length must be >= 1", ErrConfigInvalid)
	}
	if c.MinRTVotes < 1 {
		return fmt.Errorf("%w: min_rt_votes must be >= 1", ErrConfigInvalid)
	}
	if c.TransformWorkers < 1 {
		return fmt.Errorf("%w: transform_workers must be >= 1", ErrConfigInvalid)
	}
	if c.SeedMinSN < 0 || math.IsNaN(c.SeedMinSN) || math.IsInf(c.SeedMinSN, 0) {
		return fmt.Errorf("%w: seed_min_sn must be a non-negative finite number", ErrConfigInvalid)
	}
	return nil
}

func asFloat(key string, val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %q must be finite", ErrConfigInvalid, key)
		}
		return v, nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: %q must be a number", ErrConfigInvalid, key)
}

func asUint(key string, val interface{}, max uint64) (uint64, error) {
	f, err := asFloat(key, val)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != math.Trunc(f) || uint64(f) > max {
		return 0, fmt.Errorf("%w: %q must be a non-negative integer <= %d", ErrConfigInvalid, key, max)
	}
	return uint64(f), nil
}
