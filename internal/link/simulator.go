package link

import (
	"context"
	"log/slog"
	"math"
	"time"

	"ecg-relay/internal/decoder"
	"ecg-relay/internal/dsp"
	"ecg-relay/internal/models"
)

// SimulatorConfig holds configuration for the synthetic sensor
type SimulatorConfig struct {
	SampleRate       float64 // Hz
	SamplesPerPacket int
	Amplitude        float64 // peak of the 10 Hz component, in counts
	DeviceID         string
}

// DefaultSimulatorConfig returns default simulator configuration
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		SampleRate:       360,
		SamplesPerPacket: 10,
		Amplitude:        1000,
		DeviceID:         "sim",
	}
}

// Simulator emits packets carrying a 10 Hz trace with 50 Hz line noise,
// paced at the configured sample rate
type Simulator struct {
	config SimulatorConfig
	logger *slog.Logger
	trace  []int
	pos    int

	// Output channel (written by the simulator, read by the ingest service)
	PacketChan chan models.Packet
}

// NewSimulator creates a simulator writing to packetChan
func NewSimulator(config SimulatorConfig, packetChan chan models.Packet, logger *slog.Logger) *Simulator {
	defaults := DefaultSimulatorConfig()
	if config.SampleRate <= 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.SamplesPerPacket <= 0 {
		config.SamplesPerPacket = defaults.SamplesPerPacket
	}
	if config.Amplitude <= 0 {
		config.Amplitude = defaults.Amplitude
	}
	if config.DeviceID == "" {
		config.DeviceID = defaults.DeviceID
	}
	if logger == nil {
		logger = slog.Default()
	}

	// One second of signal; both components complete whole cycles in it
	// for integer rates, so the trace loops without a seam.
	length := int(math.Round(config.SampleRate))
	signal := dsp.GenerateSignal(length, config.SampleRate)
	trace := make([]int, length)
	for i, v := range signal {
		trace[i] = int(math.Round(v * config.Amplitude))
	}

	return &Simulator{
		config:     config,
		logger:     logger,
		trace:      trace,
		PacketChan: packetChan,
	}
}

// Next returns the payload of the next packet
func (s *Simulator) Next() []byte {
	samples := make([]int, s.config.SamplesPerPacket)
	for i := range samples {
		samples[i] = s.trace[s.pos]
		s.pos = (s.pos + 1) % len(s.trace)
	}
	return decoder.EncodeSamples(samples)
}

// Interval returns the time covered by one packet
func (s *Simulator) Interval() time.Duration {
	return time.Duration(float64(time.Second) * float64(s.config.SamplesPerPacket) / s.config.SampleRate)
}

// Start emits packets until ctx is cancelled
func (s *Simulator) Start(ctx context.Context) error {
	s.logger.Info("Simulator: starting",
		"sample_rate", s.config.SampleRate, "samples_per_packet", s.config.SamplesPerPacket)

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Simulator: context cancelled, shutting down")
			return nil
		case now := <-ticker.C:
			packet := models.Packet{
				DeviceID:   s.config.DeviceID,
				Payload:    s.Next(),
				ReceivedAt: now,
			}
			select {
			case s.PacketChan <- packet:
			default:
				s.logger.Warn("Simulator: packet channel full, dropping packet")
			}
		}
	}
}
