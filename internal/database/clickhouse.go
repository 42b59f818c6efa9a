package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"ecg-relay/internal/models"
)

// Config holds ClickHouse connection settings
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ArchivedUnit is a unit tagged with the capture it arrived under
type ArchivedUnit struct {
	Unit      models.Unit
	CaptureID string
}

// CaptureSummary is one row of capture_sessions
type CaptureSummary struct {
	FinishedAt    time.Time `json:"finished_at"`
	CaptureID     string    `json:"capture_id"`
	Status        string    `json:"status"`
	TotalBeats    uint32    `json:"total_beats"`
	AbnormalBeats uint32    `json:"abnormal_beats"`
	NormalBeats   uint32    `json:"normal_beats"`
	AbnormalRatio float64   `json:"abnormal_ratio"`
	Warning       bool      `json:"warning"`
	Message       string    `json:"message"`
}

type ClickHouseDB struct {
	conn   driver.Conn
	logger *slog.Logger
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(config Config, logger *slog.Logger) (*ClickHouseDB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse", "addr", config.Addr, "database", config.Database)

	db := &ClickHouseDB{conn: conn, logger: logger}

	// Initialize schema
	if err := db.InitSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	db.logger.Info("Database schema initialized successfully")
	return nil
}

// SaveUnits inserts a batch of units in a single round trip
func (db *ClickHouseDB) SaveUnits(ctx context.Context, units []ArchivedUnit) error {
	if len(units) == 0 {
		return nil
	}

	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO ecg_units (timestamp, device_id, capture_id, samples)")
	if err != nil {
		return fmt.Errorf("failed to prepare unit batch: %w", err)
	}

	for _, u := range units {
		samples := make([]int32, len(u.Unit.Samples))
		for i, v := range u.Unit.Samples {
			samples[i] = int32(v)
		}
		if err := batch.Append(u.Unit.Time(), u.Unit.Device, u.CaptureID, samples); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append unit: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert units: %w", err)
	}
	return nil
}

// SaveCaptureResult records a finished capture
func (db *ClickHouseDB) SaveCaptureResult(ctx context.Context, status models.CaptureStatus) error {
	query := `
		INSERT INTO capture_sessions (finished_at, capture_id, status, total_beats,
			abnormal_beats, normal_beats, abnormal_ratio, warning, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var total, abnormal, normal uint32
	var ratio float64
	if r := status.Result; r != nil {
		total = uint32(r.TotalBeats)
		abnormal = uint32(r.AbnormalBeats)
		normal = uint32(r.NormalBeats)
		ratio = r.AbnormalRatio
	}

	finishedAt := status.Timestamp
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	err := db.conn.Exec(ctx, query,
		finishedAt,
		status.CaptureID,
		status.Status,
		total,
		abnormal,
		normal,
		ratio,
		status.Warning,
		status.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert capture result: %w", err)
	}
	return nil
}

// UpsertDevice records that a device was seen on a link
func (db *ClickHouseDB) UpsertDevice(ctx context.Context, deviceID, link string, seenAt time.Time) error {
	var firstSeen time.Time
	row := db.conn.QueryRow(ctx, "SELECT min(first_seen) FROM device_registry WHERE device_id = ?", deviceID)
	if err := row.Scan(&firstSeen); err != nil || firstSeen.IsZero() || firstSeen.Unix() <= 0 {
		firstSeen = seenAt
	}

	query := `
		INSERT INTO device_registry (device_id, link, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
	`
	if err := db.conn.Exec(ctx, query, deviceID, link, firstSeen, seenAt); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// RecentCaptures returns the latest finished captures, newest first
func (db *ClickHouseDB) RecentCaptures(ctx context.Context, limit int) ([]CaptureSummary, error) {
	query := `
		SELECT finished_at, capture_id, status, total_beats, abnormal_beats,
			normal_beats, abnormal_ratio, warning, message
		FROM capture_sessions FINAL
		ORDER BY finished_at DESC
		LIMIT ?
	`

	rows, err := db.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query captures: %w", err)
	}
	defer rows.Close()

	captures := make([]CaptureSummary, 0, limit)
	for rows.Next() {
		var c CaptureSummary
		if err := rows.Scan(
			&c.FinishedAt, &c.CaptureID, &c.Status, &c.TotalBeats, &c.AbnormalBeats,
			&c.NormalBeats, &c.AbnormalRatio, &c.Warning, &c.Message,
		); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		captures = append(captures, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read captures: %w", err)
	}
	return captures, nil
}

// CountUnits returns how many units were archived under captureID
func (db *ClickHouseDB) CountUnits(ctx context.Context, captureID string) (uint64, error) {
	var count uint64
	row := db.conn.QueryRow(ctx, "SELECT count() FROM ecg_units WHERE capture_id = ?", captureID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count units: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
