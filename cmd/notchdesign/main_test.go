package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"ecg-relay/internal/dsp"
)

func TestAnalyzeSuppressesLineNoise(t *testing.T) {
	report, err := Analyze(360, 50, 30, 3600, 1)
	require.NoError(t, err)

	require.True(t, report.Stable)
	require.Less(t, report.PoleRadius, 1.0)
	require.Equal(t, 1.0, report.A[0])
	require.Len(t, report.Bands, 2)

	signal, noise := report.Bands[0], report.Bands[1]
	require.Equal(t, 10.0, signal.Freq)
	require.Equal(t, 50.0, noise.Freq)
	require.Greater(t, noise.AttenuationDB, 20.0)
	require.Less(t, signal.AttenuationDB, 1.0)
}

func TestAnalyzeRejectsBadInput(t *testing.T) {
	_, err := Analyze(360, 200, 30, 3600, 1)
	require.ErrorIs(t, err, dsp.ErrInvalidFilter)

	_, err = Analyze(360, 50, 30, 1, 1)
	require.Error(t, err)
}

func TestPrint(t *testing.T) {
	report, err := Analyze(360, 50, 30, 720, 1)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, report.Print(&buf))
	out := buf.String()
	require.Contains(t, out, "notch 50.00 Hz, Q=30.00, fs=360.00 Hz")
	require.Contains(t, out, "stable: true")
	require.Contains(t, out, " 50.00 Hz: power")
}
