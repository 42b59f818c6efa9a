package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ecg-relay/internal/decoder"
	"ecg-relay/internal/dispatch"
	"ecg-relay/internal/models"
)

// DeviceRegistry records devices as they are first seen
type DeviceRegistry interface {
	UpsertDevice(ctx context.Context, deviceID, link string, seenAt time.Time) error
}

// IngestService decodes raw packets from the link and hands each unit to
// the dispatcher, one at a time, in arrival order
type IngestService struct {
	decoder    *decoder.Decoder
	dispatcher *dispatch.Dispatcher
	registry   DeviceRegistry
	link       string
	logger     *slog.Logger

	// Input channel from the link (MQTT subscriber, serial source or simulator)
	PacketChan chan models.Packet

	mu      sync.RWMutex
	devices map[string]time.Time
	packets uint64
	samples uint64
	empty   uint64
}

// IngestServiceConfig holds configuration for the ingest service
type IngestServiceConfig struct {
	ChannelSize int
	Link        string // link name recorded with each device
}

// DefaultIngestServiceConfig returns default configuration
func DefaultIngestServiceConfig() IngestServiceConfig {
	return IngestServiceConfig{
		ChannelSize: 256,
		Link:        "mqtt",
	}
}

// IngestStats is a point-in-time view of the ingest service
type IngestStats struct {
	Packets uint64               `json:"packets"`
	Samples uint64               `json:"samples"`
	Empty   uint64               `json:"empty"` // packets too short to hold a sample
	Devices map[string]time.Time `json:"devices"`
}

// NewIngestService creates a new ingest service. registry may be nil.
func NewIngestService(
	dec *decoder.Decoder,
	dispatcher *dispatch.Dispatcher,
	registry DeviceRegistry,
	config IngestServiceConfig,
	logger *slog.Logger,
) *IngestService {
	if config.ChannelSize <= 0 {
		config.ChannelSize = DefaultIngestServiceConfig().ChannelSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		decoder:    dec,
		dispatcher: dispatcher,
		registry:   registry,
		link:       config.Link,
		logger:     logger,
		PacketChan: make(chan models.Packet, config.ChannelSize),
		devices:    make(map[string]time.Time),
	}
}

// Start processes packets until the context is cancelled or the channel
// is closed
func (s *IngestService) Start(ctx context.Context) {
	s.logger.Info("IngestService: starting", "link", s.link)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("IngestService: shutting down")
			return
		case packet, ok := <-s.PacketChan:
			if !ok {
				s.logger.Info("IngestService: packet channel closed, shutting down")
				return
			}
			s.processPacket(ctx, packet)
		}
	}
}

// processPacket decodes and dispatches a single packet
func (s *IngestService) processPacket(ctx context.Context, packet models.Packet) {
	unit := s.decoder.DecodePacket(packet)

	s.mu.Lock()
	s.packets++
	s.samples += uint64(len(unit.Samples))
	if len(unit.Samples) == 0 {
		s.empty++
	}
	_, known := s.devices[packet.DeviceID]
	s.devices[packet.DeviceID] = unit.Time()
	s.mu.Unlock()

	if len(unit.Samples) == 0 {
		s.logger.Debug("IngestService: packet carried no samples",
			"device_id", packet.DeviceID, "bytes", len(packet.Payload))
	}

	s.dispatcher.Dispatch(unit)

	if !known {
		s.registerDevice(ctx, packet.DeviceID, unit.Time())
	}
}

// registerDevice auto-registers a device on its first packet
func (s *IngestService) registerDevice(ctx context.Context, deviceID string, seenAt time.Time) {
	s.logger.Info("IngestService: new device", "device_id", deviceID, "link", s.link)
	if s.registry == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.registry.UpsertDevice(ctx, deviceID, s.link, seenAt); err != nil {
			s.logger.Warn("IngestService: failed to register device", "device_id", deviceID, "error", err)
		}
	}()
}

// Stats returns ingest counters
func (s *IngestService) Stats() IngestStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make(map[string]time.Time, len(s.devices))
	for id, seen := range s.devices {
		devices[id] = seen
	}
	return IngestStats{
		Packets: s.packets,
		Samples: s.samples,
		Empty:   s.empty,
		Devices: devices,
	}
}
