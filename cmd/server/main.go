package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"ecg-relay/internal/cache"
	"ecg-relay/internal/chart"
	"ecg-relay/internal/database"
	"ecg-relay/internal/decoder"
	"ecg-relay/internal/dispatch"
	"ecg-relay/internal/link"
	"ecg-relay/internal/models"
	"ecg-relay/internal/mqtt"
	"ecg-relay/internal/recordlog"
	"ecg-relay/internal/server"
	"ecg-relay/internal/services"
	"ecg-relay/internal/session"
	"ecg-relay/internal/upload"
	"ecg-relay/pkg/config"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("ecg-relay: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	flagSet := pflag.NewFlagSet("ecg-relay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file (default: $ECG_CONFIG)")
	linkMode := flagSet.String("link", "", "override link mode: mqtt, serial or sim")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *linkMode != "" {
		cfg.LinkMode = *linkMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
	}))
	slog.SetDefault(logger)

	logger.Info("Starting ECG relay", "link", cfg.LinkMode, "collector", cfg.CollectorURL)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("component stopped with error", "component", name, "error", err)
			}
		}()
	}

	// === Optional ClickHouse archive ===
	var db *database.ClickHouseDB
	if cfg.ClickHouseEnabled {
		db, err = database.NewClickHouseDB(database.Config{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize ClickHouse: %w", err)
		}
		defer db.Close()
	}

	// === Fan-out core ===
	history := cache.NewRing[models.Unit](cfg.HistoryCapacity)
	dispatcher := dispatch.New(history, logger)

	// === Capture session (owns the upload gate) ===
	controller := session.NewController(session.Config{
		BaseURL:           cfg.CollectorURL,
		PollInterval:      cfg.SessionPollInterval,
		MaxPollFailures:   cfg.SessionMaxPollFailures,
		RequestTimeout:    cfg.UploadTimeout,
		AbnormalThreshold: cfg.AbnormalThreshold,
	}, logger)

	// === Upload pipeline ===
	transport := upload.NewHTTPTransport(upload.HTTPTransportConfig{
		BaseURL: cfg.CollectorURL,
		Timeout: cfg.UploadTimeout,
	})
	pipeline := upload.NewPipeline(upload.Config{
		FlushInterval:  cfg.UploadFlushInterval,
		BatchSize:      cfg.UploadBatchSize,
		QueueCapacity:  cfg.UploadQueueCapacity,
		RequestTimeout: cfg.UploadTimeout,
	}, controller, transport, logger)
	controller.OnGateClosed(pipeline.Stop)
	dispatcher.Register(dispatch.RoleUpload, pipeline)

	// === Record log (+ archive) ===
	recordLog := recordlog.New(cfg.RecordCapacity)
	recordLog.Seed(dispatcher.History(cfg.RecordCapacity))
	records := services.RecordService{Log: recordLog}

	var (
		registry services.DeviceRegistry
		captures server.CaptureHistory
	)
	if db != nil {
		archive := services.NewArchiveService(db, controller, services.DefaultArchiveServiceConfig(), logger)
		records.Archive = archive
		controller.OnResult = archive.SaveResult
		registry = db
		captures = db
		spawn("archive", func(ctx context.Context) error {
			archive.Start(ctx)
			return nil
		})
	}
	dispatcher.Register(dispatch.RoleLog, &records)

	// === Chart hub (registers itself while clients are connected) ===
	hub, err := chart.NewHub(chart.Config{
		Interval:   cfg.ChartInterval,
		Window:     cfg.ChartWindow,
		SampleRate: cfg.SampleRate,
		NotchFreq:  cfg.NotchFreq,
		NotchQ:     cfg.NotchQ,
		CarryState: cfg.FilterCarryState,
	}, dispatcher, logger)
	if err != nil {
		return err
	}
	spawn("chart", func(ctx context.Context) error {
		hub.Run(ctx)
		return nil
	})

	// === Ingest ===
	ingest := services.NewIngestService(
		decoder.New(decoder.Config{Signed: cfg.DecoderSigned}),
		dispatcher,
		registry,
		services.IngestServiceConfig{Link: cfg.LinkMode},
		logger,
	)
	spawn("ingest", func(ctx context.Context) error {
		ingest.Start(ctx)
		return nil
	})

	// === Link ===
	switch cfg.LinkMode {
	case config.LinkMQTT:
		// Status announcements only have a reader when the publisher runs
		statusChan := make(chan *models.CaptureStatus, 16)
		controller.StatusChan = statusChan
		stop, err := startMQTT(cfg, ingest.PacketChan, statusChan, spawn, logger)
		if err != nil {
			return err
		}
		defer stop()

	case config.LinkSerial:
		serialCfg := link.DefaultSerialConfig()
		serialCfg.Port = cfg.SerialPort
		serialCfg.Baud = cfg.SerialBaud
		serialCfg.PacketSize = cfg.SerialPacketSize
		serialCfg.StartCommand = cfg.StartCommand()
		source := link.NewSerialSource(serialCfg, nil, ingest.PacketChan, logger)
		spawn("serial", source.Start)

	case config.LinkSimulator:
		source := link.NewSimulator(link.SimulatorConfig{
			SampleRate:       cfg.SampleRate,
			SamplesPerPacket: cfg.SimSamplesPerPacket,
			Amplitude:        cfg.SimAmplitude,
		}, ingest.PacketChan, logger)
		spawn("simulator", source.Start)
	}

	// === HTTP API ===
	stats := map[string]func() any{
		"ingest": func() any { return ingest.Stats() },
		"chart":  func() any { return map[string]int{"clients": hub.Clients()} },
	}
	if records.Archive != nil {
		stats["archive"] = func() any { return records.Archive.Stats() }
	}
	web := server.NewWebServer(server.Config{
		Address:    cfg.HTTPAddr,
		Session:    controller,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		History:    history,
		Records:    records.Log,
		Chart:      hub.ServeWS,
		Captures:   captures,
		Stats:      stats,
		Logger:     logger,
	})
	serverErr := make(chan error, 1)
	go func() { serverErr <- web.Start(ctx) }()

	logger.Info("=== ECG relay is running ===",
		"http", cfg.HTTPAddr,
		"batch_size", cfg.UploadBatchSize,
		"queue_capacity", cfg.UploadQueueCapacity,
		"flush_interval", cfg.UploadFlushInterval,
		"notch", fmt.Sprintf("%.0f Hz Q=%.0f @ %.0f Hz", cfg.NotchFreq, cfg.NotchQ, cfg.SampleRate),
	)

	// === Wait for interrupt signal ===
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received, stopping services...", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	// === Graceful shutdown ===
	controller.Stop("service shutting down")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("Timed out waiting for components to stop")
	}

	logger.Info("Shutdown complete. Goodbye!")
	return nil
}

// startMQTT connects to the broker, subscribes to sensor packets and
// starts the status publisher. The returned func disconnects.
func startMQTT(
	cfg *config.Config,
	packetChan chan models.Packet,
	statusChan chan *models.CaptureStatus,
	spawn func(string, func(context.Context) error),
	logger *slog.Logger,
) (func(), error) {
	client, err := mqtt.NewClient(mqtt.ClientConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MQTT client: %w", err)
	}

	publisher := mqtt.NewPublisher(client.GetNativeClient(), mqtt.PublisherConfig{
		StatusTopic:  cfg.MQTTTopicStatus,
		CommandTopic: cfg.MQTTTopicCommand,
		StartCommand: cfg.StartCommand(),
	}, statusChan, logger)
	spawn("mqtt-publisher", func(ctx context.Context) error {
		publisher.Start(ctx)
		return nil
	})

	subscriber := mqtt.NewSubscriber(client.GetNativeClient(), mqtt.SubscriberConfig{
		PacketTopic: cfg.MQTTTopicPacket,
		QoS:         byte(cfg.MQTTQoS),
	}, packetChan, logger)
	subscriber.OnDevice = func(deviceID string) {
		if err := publisher.SendStart(deviceID); err != nil {
			logger.Warn("Failed to send start command", "device_id", deviceID, "error", err)
		}
	}
	if err := subscriber.SubscribeAll(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to MQTT topics: %w", err)
	}

	return func() {
		subscriber.Unsubscribe()
		received, dropped := subscriber.Counts()
		logger.Info("MQTT link closed", "received", received, "dropped", dropped)
		client.Close()
	}, nil
}
