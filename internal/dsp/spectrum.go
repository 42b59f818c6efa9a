package dsp

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// GenerateSignal produces a test trace: a 10 Hz component plus half-amplitude
// 50 Hz line interference, sampled at fs.
func GenerateSignal(length int, fs float64) []float64 {
	signal := make([]float64, length)
	for i := range signal {
		t := float64(i) / fs
		signal[i] = math.Sin(2*math.Pi*10*t) + 0.5*math.Sin(2*math.Pi*50*t)
	}
	return signal
}

// BandPower returns the mean power of signal within [freq-halfWidth,
// freq+halfWidth] Hz, using a Blackman-windowed FFT.
func BandPower(signal []float64, fs, freq, halfWidth float64) float64 {
	n := len(signal)
	if n < 2 {
		return 0
	}

	windowed := make([]float64, n)
	copy(windowed, signal)
	window.Apply(windowed, window.Blackman)

	spectrum := fft.FFTReal(windowed)
	binWidth := fs / float64(n)

	var sum float64
	var bins int
	for k := 0; k <= n/2; k++ {
		f := float64(k) * binWidth
		if f < freq-halfWidth || f > freq+halfWidth {
			continue
		}
		mag := cmplx.Abs(spectrum[k])
		sum += mag * mag
		bins++
	}

	if bins == 0 {
		return 0
	}
	return sum / float64(bins) / float64(n)
}

// AttenuationDB compares band power before and after filtering at freq.
// Positive values mean the band was attenuated.
func AttenuationDB(before, after []float64, fs, freq, halfWidth float64) float64 {
	pb := BandPower(before, fs, freq, halfWidth)
	pa := BandPower(after, fs, freq, halfWidth)
	if pb <= 0 || pa <= 0 {
		return 0
	}
	return 10 * math.Log10(pb/pa)
}
