package mqtt

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ecg-relay/internal/models"
)

// Subscriber receives raw sensor notifications and writes them to a channel
type Subscriber struct {
	client mqtt.Client
	logger *slog.Logger

	// Output channel (written by subscriber, read by the ingest service)
	PacketChan chan models.Packet

	// OnDevice is called, on its own goroutine, the first time a device
	// id is seen (optional)
	OnDevice func(deviceID string)

	packetTopic string
	qos         byte
	sendTimeout time.Duration

	mu       sync.Mutex
	devices  map[string]struct{}
	received uint64
	dropped  uint64
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	PacketTopic string        // e.g., "sensor/+/ecg"
	QoS         byte          // 0 is enough for a live stream
	SendTimeout time.Duration // how long to wait on a full channel before dropping
}

// NewSubscriber creates a new MQTT subscriber writing to packetChan
func NewSubscriber(
	client mqtt.Client,
	config SubscriberConfig,
	packetChan chan models.Packet,
	logger *slog.Logger,
) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 100 * time.Millisecond
	}
	return &Subscriber{
		client:      client,
		logger:      logger,
		PacketChan:  packetChan,
		packetTopic: config.PacketTopic,
		qos:         config.QoS,
		sendTimeout: config.SendTimeout,
		devices:     make(map[string]struct{}),
	}
}

// SubscribeAll subscribes to the configured packet topic
func (s *Subscriber) SubscribeAll() error {
	if s.packetTopic == "" {
		return fmt.Errorf("no packet topic configured")
	}

	token := s.client.Subscribe(s.packetTopic, s.qos, s.handlePacket)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to packet topic: %w", token.Error())
	}

	s.logger.Info("MQTT Subscriber: subscribed", "topic", s.packetTopic)
	return nil
}

// Unsubscribe stops receiving packets
func (s *Subscriber) Unsubscribe() {
	token := s.client.Unsubscribe(s.packetTopic)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		s.logger.Warn("MQTT Subscriber: unsubscribe failed", "error", token.Error())
	}
}

// Counts returns received and dropped packet totals
func (s *Subscriber) Counts() (received, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.dropped
}

// handlePacket copies the raw payload into a Packet and forwards it
func (s *Subscriber) handlePacket(_ mqtt.Client, msg mqtt.Message) {
	deviceID := extractDeviceID(msg.Topic())
	if deviceID == "" {
		s.logger.Warn("MQTT Subscriber: could not extract device id", "topic", msg.Topic())
		return
	}

	// paho may reuse the payload buffer
	payload := append([]byte(nil), msg.Payload()...)

	packet := models.Packet{
		DeviceID:   deviceID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	s.mu.Lock()
	s.received++
	_, known := s.devices[deviceID]
	if !known {
		s.devices[deviceID] = struct{}{}
	}
	onDevice := s.OnDevice
	s.mu.Unlock()

	if !known {
		s.logger.Info("MQTT Subscriber: new device", "device_id", deviceID)
		if onDevice != nil {
			// handlers must not block the paho router
			go onDevice(deviceID)
		}
	}

	select {
	case s.PacketChan <- packet:
	case <-time.After(s.sendTimeout):
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("MQTT Subscriber: packet channel full, dropping packet", "device_id", deviceID)
	}
}

// extractDeviceID extracts device ID from MQTT topic
// Example: "sensor/ecg-001/ecg" -> "ecg-001"
func extractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
