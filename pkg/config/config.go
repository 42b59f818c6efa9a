package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Link modes
const (
	LinkMQTT      = "mqtt"
	LinkSerial    = "serial"
	LinkSimulator = "sim"
)

type Config struct {
	// Link selection
	LinkMode string `yaml:"link_mode"`

	// MQTT Configuration
	MQTTBroker       string `yaml:"mqtt_broker"`
	MQTTClientID     string `yaml:"mqtt_client_id"`
	MQTTUsername     string `yaml:"mqtt_username"`
	MQTTPassword     string `yaml:"mqtt_password"`
	MQTTTopicPacket  string `yaml:"mqtt_topic_packet"`
	MQTTTopicStatus  string `yaml:"mqtt_topic_status"`
	MQTTTopicCommand string `yaml:"mqtt_topic_command"`
	MQTTQoS          int    `yaml:"mqtt_qos"`

	// Serial Configuration
	SerialPort       string `yaml:"serial_port"`
	SerialBaud       int    `yaml:"serial_baud"`
	SerialPacketSize int    `yaml:"serial_packet_size"`

	// Written to the device once the link is up; negative disables
	StartByte int `yaml:"start_byte"`

	// Simulator
	SimSamplesPerPacket int     `yaml:"sim_samples_per_packet"`
	SimAmplitude        float64 `yaml:"sim_amplitude"`

	// Decoding and filtering
	DecoderSigned    bool    `yaml:"decoder_signed"`
	SampleRate       float64 `yaml:"sample_rate"`
	NotchFreq        float64 `yaml:"notch_freq"`
	NotchQ           float64 `yaml:"notch_q"`
	FilterCarryState bool    `yaml:"filter_carry_state"`

	// Buffers
	HistoryCapacity int           `yaml:"history_capacity"`
	RecordCapacity  int           `yaml:"record_capacity"`
	ChartWindow     int           `yaml:"chart_window"`
	ChartInterval   time.Duration `yaml:"chart_interval"`

	// Collector
	CollectorURL        string        `yaml:"collector_url"`
	UploadFlushInterval time.Duration `yaml:"upload_flush_interval"`
	UploadBatchSize     int           `yaml:"upload_batch_size"`
	UploadQueueCapacity int           `yaml:"upload_queue_capacity"`
	UploadTimeout       time.Duration `yaml:"upload_timeout"`

	// Capture session
	SessionPollInterval    time.Duration `yaml:"session_poll_interval"`
	SessionMaxPollFailures int           `yaml:"session_max_poll_failures"`
	AbnormalThreshold      float64       `yaml:"abnormal_threshold"`

	// ClickHouse Configuration
	ClickHouseEnabled bool   `yaml:"clickhouse_enabled"`
	ClickHouseAddr    string `yaml:"clickhouse_addr"`
	ClickHouseDB      string `yaml:"clickhouse_db"`
	ClickHouseUser    string `yaml:"clickhouse_user"`
	ClickHousePass    string `yaml:"clickhouse_pass"`

	// Service
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		LinkMode: LinkMQTT,

		MQTTBroker:       "tcp://localhost:1883",
		MQTTClientID:     "ecg-relay",
		MQTTTopicPacket:  "sensor/+/ecg",
		MQTTTopicStatus:  "ecg/capture/status",
		MQTTTopicCommand: "sensor/{device_id}/cmd",

		SerialPort:       "/dev/ttyUSB0",
		SerialBaud:       115200,
		SerialPacketSize: 20,

		StartByte: 0xFF,

		SimSamplesPerPacket: 10,
		SimAmplitude:        1000,

		DecoderSigned: true,
		SampleRate:    360,
		NotchFreq:     50,
		NotchQ:        30,

		HistoryCapacity: 100,
		RecordCapacity:  120,
		ChartWindow:     200,
		ChartInterval:   100 * time.Millisecond,

		CollectorURL:        "http://localhost:5000",
		UploadFlushInterval: 200 * time.Millisecond,
		UploadBatchSize:     50,
		UploadQueueCapacity: 500,
		UploadTimeout:       5 * time.Second,

		SessionPollInterval:    2 * time.Second,
		SessionMaxPollFailures: 3,
		AbnormalThreshold:      0.25,

		ClickHouseAddr: "localhost:9000",
		ClickHouseDB:   "ecg",
		ClickHouseUser: "default",

		HTTPAddr: ":8080",
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $ECG_CONFIG when path is empty), then environment variables
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv("ECG_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LinkMode = getEnv("LINK_MODE", c.LinkMode)

	// MQTT Configuration
	c.MQTTBroker = getEnv("MQTT_BROKER", c.MQTTBroker)
	c.MQTTClientID = getEnv("MQTT_CLIENT_ID", c.MQTTClientID)
	c.MQTTUsername = getEnv("MQTT_USERNAME", c.MQTTUsername)
	c.MQTTPassword = getEnv("MQTT_PASSWORD", c.MQTTPassword)
	c.MQTTTopicPacket = getEnv("MQTT_TOPIC_PACKET", c.MQTTTopicPacket)
	c.MQTTTopicStatus = getEnv("MQTT_TOPIC_STATUS", c.MQTTTopicStatus)
	c.MQTTTopicCommand = getEnv("MQTT_TOPIC_COMMAND", c.MQTTTopicCommand)
	c.MQTTQoS = getEnvInt("MQTT_QOS", c.MQTTQoS)

	// Serial Configuration
	c.SerialPort = getEnv("SERIAL_PORT", c.SerialPort)
	c.SerialBaud = getEnvInt("SERIAL_BAUD", c.SerialBaud)
	c.SerialPacketSize = getEnvInt("SERIAL_PACKET_SIZE", c.SerialPacketSize)
	c.StartByte = getEnvInt("START_BYTE", c.StartByte)

	c.SimSamplesPerPacket = getEnvInt("SIM_SAMPLES_PER_PACKET", c.SimSamplesPerPacket)
	c.SimAmplitude = getEnvFloat("SIM_AMPLITUDE", c.SimAmplitude)

	// Decoding and filtering
	c.DecoderSigned = getEnvBool("DECODER_SIGNED", c.DecoderSigned)
	c.SampleRate = getEnvFloat("SAMPLE_RATE", c.SampleRate)
	c.NotchFreq = getEnvFloat("NOTCH_FREQ", c.NotchFreq)
	c.NotchQ = getEnvFloat("NOTCH_Q", c.NotchQ)
	c.FilterCarryState = getEnvBool("FILTER_CARRY_STATE", c.FilterCarryState)

	// Buffers
	c.HistoryCapacity = getEnvInt("HISTORY_CAPACITY", c.HistoryCapacity)
	c.RecordCapacity = getEnvInt("RECORD_CAPACITY", c.RecordCapacity)
	c.ChartWindow = getEnvInt("CHART_WINDOW", c.ChartWindow)
	c.ChartInterval = getEnvDuration("CHART_INTERVAL", c.ChartInterval)

	// Collector
	c.CollectorURL = getEnv("COLLECTOR_URL", c.CollectorURL)
	c.UploadFlushInterval = getEnvDuration("UPLOAD_FLUSH_INTERVAL", c.UploadFlushInterval)
	c.UploadBatchSize = getEnvInt("UPLOAD_BATCH_SIZE", c.UploadBatchSize)
	c.UploadQueueCapacity = getEnvInt("UPLOAD_QUEUE_CAPACITY", c.UploadQueueCapacity)
	c.UploadTimeout = getEnvDuration("UPLOAD_TIMEOUT", c.UploadTimeout)

	// Capture session
	c.SessionPollInterval = getEnvDuration("SESSION_POLL_INTERVAL", c.SessionPollInterval)
	c.SessionMaxPollFailures = getEnvInt("SESSION_MAX_POLL_FAILURES", c.SessionMaxPollFailures)
	c.AbnormalThreshold = getEnvFloat("ABNORMAL_THRESHOLD", c.AbnormalThreshold)

	// ClickHouse Configuration
	c.ClickHouseEnabled = getEnvBool("CLICKHOUSE_ENABLED", c.ClickHouseEnabled)
	c.ClickHouseAddr = getEnv("CLICKHOUSE_ADDR", c.ClickHouseAddr)
	c.ClickHouseDB = getEnv("CLICKHOUSE_DB", c.ClickHouseDB)
	c.ClickHouseUser = getEnv("CLICKHOUSE_USER", c.ClickHouseUser)
	c.ClickHousePass = getEnv("CLICKHOUSE_PASS", c.ClickHousePass)

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.LinkMode {
	case LinkMQTT, LinkSerial, LinkSimulator:
	default:
		errs = append(errs, fmt.Errorf("unknown link mode %q", c.LinkMode))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	if c.StartByte > 0xFF {
		errs = append(errs, fmt.Errorf("start byte %d does not fit in a byte", c.StartByte))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rate must be positive"))
	}
	if c.UploadBatchSize <= 0 || c.UploadQueueCapacity <= 0 {
		errs = append(errs, errors.New("upload batch size and queue capacity must be positive"))
	}
	if c.UploadFlushInterval <= 0 {
		errs = append(errs, errors.New("upload flush interval must be positive"))
	}
	if c.HistoryCapacity <= 0 || c.RecordCapacity <= 0 || c.ChartWindow <= 0 {
		errs = append(errs, errors.New("buffer capacities must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// StartCommand returns the device start command, nil when disabled
func (c *Config) StartCommand() []byte {
	if c.StartByte < 0 {
		return nil
	}
	return []byte{byte(c.StartByte)}
}

// ParseLevel maps a level name to a slog level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Config: failed to parse int, using default", "key", key, "error", err)
		return defaultValue
	}
	return intValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("Config: failed to parse float, using default", "key", key, "error", err)
		return defaultValue
	}
	return floatValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Config: failed to parse bool, using default", "key", key, "error", err)
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	durationValue, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Config: failed to parse duration, using default", "key", key, "error", err)
		return defaultValue
	}
	return durationValue
}
