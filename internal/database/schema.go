package database

// SQL schemas for all ClickHouse tables

const (
	// ECGUnitsTableSQL creates the ecg_units table: one row per decoded packet
	ECGUnitsTableSQL = `
		CREATE TABLE IF NOT EXISTS ecg_units (
			timestamp DateTime64(3),
			device_id String,
			capture_id String,
			samples Array(Int32)
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// CaptureSessionsTableSQL creates the capture_sessions table: one row per
	// finished capture with the collector's analysis summary
	CaptureSessionsTableSQL = `
		CREATE TABLE IF NOT EXISTS capture_sessions (
			finished_at DateTime64(3),
			capture_id String,
			status String,
			total_beats UInt32,
			abnormal_beats UInt32,
			normal_beats UInt32,
			abnormal_ratio Float64,
			warning Bool,
			message String
		) ENGINE = ReplacingMergeTree(finished_at)
		ORDER BY capture_id
	`

	// DeviceRegistryTableSQL creates the device_registry table
	DeviceRegistryTableSQL = `
		CREATE TABLE IF NOT EXISTS device_registry (
			device_id String,
			link String,
			first_seen DateTime64(3),
			last_seen DateTime64(3)
		) ENGINE = ReplacingMergeTree(last_seen)
		ORDER BY device_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		ECGUnitsTableSQL,
		CaptureSessionsTableSQL,
		DeviceRegistryTableSQL,
	}
}
