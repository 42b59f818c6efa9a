package dsp

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFilter is returned when notch parameters cannot produce a filter
var ErrInvalidFilter = errors.New("invalid notch filter parameters")

// Notch is a second-order (biquad) band-reject filter.
// A[0] is always 1 after normalization. Coefficients never change once designed.
type Notch struct {
	SampleRate float64
	Freq       float64
	Q          float64

	B [3]float64
	A [3]float64
}

// DesignNotch computes a notch at f0 Hz for a signal sampled at fs Hz
// with quality factor q.
func DesignNotch(fs, f0, q float64) (*Notch, error) {
	if fs <= 0 || f0 <= 0 || q <= 0 || f0 >= fs/2 {
		return nil, fmt.Errorf("%w: fs=%g f0=%g q=%g", ErrInvalidFilter, fs, f0, q)
	}

	w0 := 2 * math.Pi * f0 / fs
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	a0 := 1 + alpha

	return &Notch{
		SampleRate: fs,
		Freq:       f0,
		Q:          q,
		B:          [3]float64{1 / a0, -2 * cosW0 / a0, 1 / a0},
		A:          [3]float64{1, -2 * cosW0 / a0, (1 - alpha) / a0},
	}, nil
}

// Alpha returns sin(w0)/(2Q) for the designed frequency
func (n *Notch) Alpha() float64 {
	w0 := 2 * math.Pi * n.Freq / n.SampleRate
	return math.Sin(w0) / (2 * n.Q)
}

// PoleRadius returns the magnitude of the (conjugate) poles,
// sqrt(1-alpha^2)/(1+alpha).
func (n *Notch) PoleRadius() float64 {
	return math.Sqrt(n.A[2])
}

// Stable reports whether both poles lie inside the unit circle
func (n *Notch) Stable() bool {
	return n.PoleRadius() < 1
}

// Apply filters x from a cold start: every sample before x[0] is taken
// as zero, on every call. Output length equals input length.
func (n *Notch) Apply(x []float64) []float64 {
	y := make([]float64, len(x))
	var x1, x2, y1, y2 float64

	for i, xi := range x {
		y[i] = n.B[0]*xi + n.B[1]*x1 + n.B[2]*x2 - n.A[1]*y1 - n.A[2]*y2
		x2, x1 = x1, xi
		y2, y1 = y1, y[i]
	}

	return y
}

// ApplyInts is Apply over integer samples
func (n *Notch) ApplyInts(x []int) []float64 {
	return n.Apply(ToFloat(x))
}

// Streamer runs the notch over consecutive blocks, carrying the delay
// line across calls. Not safe for concurrent use.
type Streamer struct {
	notch          *Notch
	x1, x2, y1, y2 float64
}

// NewStreamer returns a Streamer starting from a zero delay line
func (n *Notch) NewStreamer() *Streamer {
	return &Streamer{notch: n}
}

// Process filters a single sample
func (s *Streamer) Process(x float64) float64 {
	n := s.notch
	y := n.B[0]*x + n.B[1]*s.x1 + n.B[2]*s.x2 - n.A[1]*s.y1 - n.A[2]*s.y2
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}

// ProcessBlock filters a block, continuing from the previous block
func (s *Streamer) ProcessBlock(x []float64) []float64 {
	y := make([]float64, len(x))
	for i, xi := range x {
		y[i] = s.Process(xi)
	}
	return y
}

// Reset clears the delay line
func (s *Streamer) Reset() {
	s.x1, s.x2, s.y1, s.y2 = 0, 0, 0, 0
}

// ToFloat converts integer samples to float64
func ToFloat(x []int) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
