// Package vad implements RMS-threshold voice-activity detection with
// hysteresis over int16 PCM frames.
package vad

import "math"

// Config holds VAD thresholds. Zero values are not valid; use DefaultConfig
// or fill from internal/config.
type Config struct {
	EnterThreshold   float64
	ExitThreshold    float64
	MinUnvoiceFrames int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	enter := 500.0
	return Config{
		EnterThreshold:   enter,
		ExitThreshold:    enter * 0.6,
		MinUnvoiceFrames: 3,
	}
}

// Detector tracks hysteresis state across consecutive frames.
type Detector struct {
	cfg              Config
	voiced           bool
	consecutiveQuiet int
}

// NewDetector creates a Detector with the given thresholds.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// RMS computes the root-mean-square energy of a frame of int16 samples.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range frame {
		v := float64(s)
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(len(frame)))
}

// Classify returns whether frame is voiced, applying hysteresis: once voiced,
// stays voiced until RMS falls below ExitThreshold for MinUnvoiceFrames
// consecutive frames.
func (d *Detector) Classify(frame []int16) bool {
	energy := RMS(frame)

	if !d.voiced {
		if energy > d.cfg.EnterThreshold {
			d.voiced = true
			d.consecutiveQuiet = 0
		}
		return d.voiced
	}

	// Currently voiced: look for a sustained drop below the exit threshold.
	if energy < d.cfg.ExitThreshold {
		d.consecutiveQuiet++
		if d.consecutiveQuiet >= d.cfg.MinUnvoiceFrames {
			d.voiced = false
			d.consecutiveQuiet = 0
		}
	} else {
		d.consecutiveQuiet = 0
	}
	return d.voiced
}

// Reset clears hysteresis state, as when the batcher drops an in-progress
// utterance after a ring truncation or a pause command.
func (d *Detector) Reset() {
	d.voiced = false
	d.consecutiveQuiet = 0
}
