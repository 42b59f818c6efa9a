package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tarm/serial"

	"ecg-relay/internal/models"
)

// SerialConfig holds configuration for a UART-attached sensor
type SerialConfig struct {
	Port         string        // e.g., "/dev/ttyUSB0"
	Baud         int           // e.g., 115200
	PacketSize   int           // bytes per notification frame
	ReadTimeout  time.Duration // read poll interval; bounds shutdown latency
	StartCommand []byte        // written once after opening; empty disables
	DeviceID     string        // attached to every packet
}

// DefaultSerialConfig returns default serial configuration
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		Port:         "/dev/ttyUSB0",
		Baud:         115200,
		PacketSize:   20,
		ReadTimeout:  200 * time.Millisecond,
		StartCommand: []byte{0xFF},
		DeviceID:     "serial",
	}
}

// OpenFunc opens the underlying port
type OpenFunc func(SerialConfig) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port with tarm/serial
func OpenSerial(config SerialConfig) (io.ReadWriteCloser, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        config.Port,
		Baud:        config.Baud,
		ReadTimeout: config.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", config.Port, err)
	}
	return port, nil
}

// SerialSource reads fixed-size frames from a serial port and writes them
// to a channel as packets
type SerialSource struct {
	config SerialConfig
	open   OpenFunc
	logger *slog.Logger

	// Output channel (written by the source, read by the ingest service)
	PacketChan chan models.Packet
}

// NewSerialSource creates a source; open defaults to OpenSerial
func NewSerialSource(config SerialConfig, open OpenFunc, packetChan chan models.Packet, logger *slog.Logger) *SerialSource {
	defaults := DefaultSerialConfig()
	if config.PacketSize <= 0 {
		config.PacketSize = defaults.PacketSize
	}
	if config.DeviceID == "" {
		config.DeviceID = defaults.DeviceID
	}
	if open == nil {
		open = OpenSerial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialSource{
		config:     config,
		open:       open,
		logger:     logger,
		PacketChan: packetChan,
	}
}

// Start opens the port and reads frames until ctx is cancelled or the
// port fails. Returns nil on cancellation.
func (s *SerialSource) Start(ctx context.Context) error {
	port, err := s.open(s.config)
	if err != nil {
		return err
	}
	defer port.Close()

	s.logger.Info("SerialSource: port open", "port", s.config.Port, "baud", s.config.Baud)

	if len(s.config.StartCommand) > 0 {
		if _, err := port.Write(s.config.StartCommand); err != nil {
			return fmt.Errorf("failed to write start command: %w", err)
		}
		s.logger.Info("SerialSource: start command sent")
	}

	for {
		frame := make([]byte, s.config.PacketSize)
		if err := readFrame(ctx, port, frame); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("SerialSource: context cancelled, shutting down")
				return nil
			}
			return fmt.Errorf("serial read failed: %w", err)
		}

		packet := models.Packet{
			DeviceID:   s.config.DeviceID,
			Payload:    frame,
			ReceivedAt: time.Now(),
		}

		select {
		case s.PacketChan <- packet:
		case <-ctx.Done():
			return nil
		default:
			s.logger.Warn("SerialSource: packet channel full, dropping frame")
		}
	}
}

// idleReadBackoff paces readers that report idle without blocking
const idleReadBackoff = 5 * time.Millisecond

// readFrame fills buf, checking ctx between reads. On Linux tarm/serial
// reports a read timeout as (0, io.EOF); some platforms give (0, nil).
// Both mean the line is idle: bytes read so far are kept and reading
// continues. Any other error ends the frame.
func readFrame(ctx context.Context, r io.Reader, buf []byte) error {
	n := 0
	for n < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := r.Read(buf[n:])
		n += m
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if m == 0 && err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleReadBackoff):
			}
		}
	}
	return nil
}
