package dsp

import "math"

// LevelConfig holds thresholds for signal level analysis
type LevelConfig struct {
	FullScale         float64 // Reference level (32768 for 16-bit)
	ClippingThreshold int     // |sample| above this counts as clipping
	MinimumRMS        float64 // Below this the trace is considered flat
}

// DefaultLevelConfig returns defaults for 16-bit sensor samples
func DefaultLevelConfig() LevelConfig {
	return LevelConfig{
		FullScale:         32768.0,
		ClippingThreshold: 32000, // Close to max value of 32767
		MinimumRMS:        1.0,
	}
}

// LevelMetrics summarises the amplitude of a block of samples
type LevelMetrics struct {
	RMS         float64 `json:"rms"`
	LevelDB     float64 `json:"level_db"`
	Peak        int     `json:"peak"`
	IsClipping  bool    `json:"clipping"`
	IsFlat      bool    `json:"flat"` // Lead-off or disconnected electrode
	SampleCount int     `json:"sample_count"`
}

// AnalyzeLevel computes RMS, peak and clipping for a block of samples
func AnalyzeLevel(samples []int, config LevelConfig) LevelMetrics {
	metrics := LevelMetrics{SampleCount: len(samples)}

	if len(samples) == 0 {
		metrics.IsFlat = true
		metrics.LevelDB = -80.0
		return metrics
	}

	var sumSquares float64
	for _, s := range samples {
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs > metrics.Peak {
			metrics.Peak = abs
		}
		if abs > config.ClippingThreshold {
			metrics.IsClipping = true
		}

		f := float64(s)
		sumSquares += f * f
	}

	metrics.RMS = math.Sqrt(sumSquares / float64(len(samples)))

	if metrics.RMS < config.MinimumRMS {
		metrics.IsFlat = true
		metrics.RMS = config.MinimumRMS
	}

	metrics.LevelDB = decibels(metrics.RMS, config.FullScale)
	return metrics
}

// decibels converts an RMS value to dBFS, clamped to [-80, 0]
func decibels(rms, reference float64) float64 {
	if rms <= 0 || reference <= 0 {
		return -80.0
	}

	db := 20.0 * math.Log10(rms/reference)
	if db < -80.0 {
		db = -80.0
	}
	if db > 0.0 {
		db = 0.0
	}
	return db
}
