// notchdesign designs a notch filter, runs it over a synthetic trace
// (10 Hz signal plus 50 Hz line noise) and reports how much of each band
// survives.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"ecg-relay/internal/dsp"
)

// Report summarises a filter design and its effect on the test trace
type Report struct {
	SampleRate float64    `json:"sample_rate"`
	Freq       float64    `json:"freq"`
	Q          float64    `json:"q"`
	B          [3]float64 `json:"b"`
	A          [3]float64 `json:"a"`
	PoleRadius float64    `json:"pole_radius"`
	Stable     bool       `json:"stable"`
	Bands      []Band     `json:"bands"`
}

// Band is the power in one frequency band before and after filtering
type Band struct {
	Freq          float64 `json:"freq"`
	Before        float64 `json:"before"`
	After         float64 `json:"after"`
	AttenuationDB float64 `json:"attenuation_db"`
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, nil)))

	fs := pflag.Float64("fs", 360, "sample rate in Hz")
	f0 := pflag.Float64("f0", 50, "notch frequency in Hz")
	q := pflag.Float64("q", 30, "quality factor")
	length := pflag.Int("length", 3600, "samples in the test trace")
	halfWidth := pflag.Float64("band", 1, "half width of each measured band in Hz")
	asJSON := pflag.Bool("json", false, "print the report as JSON")
	pflag.Parse()

	report, err := Analyze(*fs, *f0, *q, *length, *halfWidth)
	if err != nil {
		slog.Error("notchdesign: design failed", "error", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(report)
	} else {
		err = report.Print(os.Stdout)
	}
	if err != nil {
		slog.Error("notchdesign: write failed", "error", err)
		os.Exit(1)
	}
}

// Analyze designs the filter and measures the signal (10 Hz) and
// interference (f0) bands before and after filtering
func Analyze(fs, f0, q float64, length int, halfWidth float64) (*Report, error) {
	notch, err := dsp.DesignNotch(fs, f0, q)
	if err != nil {
		return nil, err
	}
	if length < 2 {
		return nil, fmt.Errorf("trace length must be at least 2, got %d", length)
	}

	before := dsp.GenerateSignal(length, fs)
	after := notch.Apply(before)

	// Measure after the start-up transient: up to one second, at most half the trace
	settle := min(int(fs), length/2)
	before, after = before[settle:], after[settle:]

	report := &Report{
		SampleRate: fs,
		Freq:       f0,
		Q:          q,
		B:          notch.B,
		A:          notch.A,
		PoleRadius: notch.PoleRadius(),
		Stable:     notch.Stable(),
	}
	for _, freq := range []float64{10, f0} {
		report.Bands = append(report.Bands, Band{
			Freq:          freq,
			Before:        dsp.BandPower(before, fs, freq, halfWidth),
			After:         dsp.BandPower(after, fs, freq, halfWidth),
			AttenuationDB: dsp.AttenuationDB(before, after, fs, freq, halfWidth),
		})
	}
	return report, nil
}

// Print writes the report in a human-readable layout
func (r *Report) Print(w io.Writer) error {
	lines := []string{
		fmt.Sprintf("notch %.2f Hz, Q=%.2f, fs=%.2f Hz", r.Freq, r.Q, r.SampleRate),
		fmt.Sprintf("b = [%.8f, %.8f, %.8f]", r.B[0], r.B[1], r.B[2]),
		fmt.Sprintf("a = [%.8f, %.8f, %.8f]", r.A[0], r.A[1], r.A[2]),
		fmt.Sprintf("pole radius %.6f (stable: %t)", r.PoleRadius, r.Stable),
	}
	for _, b := range r.Bands {
		lines = append(lines, fmt.Sprintf("%6.2f Hz: power %.6g -> %.6g, attenuation %.2f dB",
			b.Freq, b.Before, b.After, b.AttenuationDB))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
