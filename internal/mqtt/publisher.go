package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ecg-relay/internal/models"
)

// Publisher announces capture status changes and sends device commands
type Publisher struct {
	client mqtt.Client
	logger *slog.Logger

	// Input channel (read by publisher, written by the session controller)
	StatusChan chan *models.CaptureStatus

	statusTopic  string
	commandTopic string
	startCommand []byte
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	StatusTopic  string // e.g., "ecg/capture/status", retained
	CommandTopic string // e.g., "sensor/{device_id}/cmd"
	StartCommand []byte // written once per new device; empty disables
}

// NewPublisher creates a new MQTT publisher reading from statusChan
func NewPublisher(
	client mqtt.Client,
	config PublisherConfig,
	statusChan chan *models.CaptureStatus,
	logger *slog.Logger,
) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:       client,
		logger:       logger,
		StatusChan:   statusChan,
		statusTopic:  config.StatusTopic,
		commandTopic: config.CommandTopic,
		startCommand: config.StartCommand,
	}
}

// Start begins publishing status announcements from the channel
// Runs until context is cancelled or channel is closed
func (p *Publisher) Start(ctx context.Context) {
	p.logger.Info("MQTT Publisher: starting", "topic", p.statusTopic)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("MQTT Publisher: context cancelled, shutting down")
			return

		case status, ok := <-p.StatusChan:
			if !ok {
				p.logger.Info("MQTT Publisher: status channel closed, shutting down")
				return
			}

			if err := p.publishStatus(status); err != nil {
				p.logger.Error("MQTT Publisher: failed to publish status", "error", err)
			}
		}
	}
}

// publishStatus publishes a retained capture status announcement
func (p *Publisher) publishStatus(status *models.CaptureStatus) error {
	if p.statusTopic == "" {
		return nil
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal capture status: %w", err)
	}

	token := p.client.Publish(p.statusTopic, 1, true, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish capture status: %w", token.Error())
	}

	p.logger.Debug("MQTT Publisher: published status", "status", status.Status, "capture_id", status.CaptureID)
	return nil
}

// SendStart writes the start command to a device's command topic
func (p *Publisher) SendStart(deviceID string) error {
	if p.commandTopic == "" || len(p.startCommand) == 0 {
		return nil
	}

	topic := formatTopic(p.commandTopic, deviceID)
	token := p.client.Publish(topic, 1, false, p.startCommand)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to send start command to %s: %w", deviceID, token.Error())
	}

	p.logger.Info("MQTT Publisher: sent start command", "device_id", deviceID, "topic", topic)
	return nil
}

// formatTopic replaces {device_id} placeholder with actual device ID
func formatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}
