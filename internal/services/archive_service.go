package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ecg-relay/internal/database"
	"ecg-relay/internal/models"
	"ecg-relay/internal/upload"
)

// ErrArchiveBacklog is returned by OnUnit when the archive cannot keep up
var ErrArchiveBacklog = errors.New("archive backlog full, unit dropped")

// Archive persists units and capture results
type Archive interface {
	SaveUnits(ctx context.Context, units []database.ArchivedUnit) error
	SaveCaptureResult(ctx context.Context, status models.CaptureStatus) error
}

// ArchiveServiceConfig holds configuration for the archive service
type ArchiveServiceConfig struct {
	BatchSize     int           // Units per insert
	FlushInterval time.Duration // Max time a unit waits before insert
	ChannelSize   int
	WriteTimeout  time.Duration
}

// DefaultArchiveServiceConfig returns default configuration
func DefaultArchiveServiceConfig() ArchiveServiceConfig {
	return ArchiveServiceConfig{
		BatchSize:     200,
		FlushInterval: time.Second,
		ChannelSize:   2048,
		WriteTimeout:  5 * time.Second,
	}
}

// ArchiveStats is a point-in-time view of the archive service
type ArchiveStats struct {
	Archived uint64 `json:"archived"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Results  uint64 `json:"results"`
}

// ArchiveService batches units into the archive off the dispatch path.
// Units are tagged with the capture id current when they arrive.
type ArchiveService struct {
	archive Archive
	gate    upload.Gate
	config  ArchiveServiceConfig
	logger  *slog.Logger

	// Input channels
	UnitChan   chan database.ArchivedUnit
	ResultChan chan models.CaptureStatus

	mu    sync.Mutex
	stats ArchiveStats
}

// NewArchiveService creates a new archive service. gate may be nil, in
// which case units are archived untagged.
func NewArchiveService(archive Archive, gate upload.Gate, config ArchiveServiceConfig, logger *slog.Logger) *ArchiveService {
	defaults := DefaultArchiveServiceConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = defaults.ChannelSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveService{
		archive:    archive,
		gate:       gate,
		config:     config,
		logger:     logger,
		UnitChan:   make(chan database.ArchivedUnit, config.ChannelSize),
		ResultChan: make(chan models.CaptureStatus, 16),
	}
}

// OnUnit queues unit for archiving without blocking
func (a *ArchiveService) OnUnit(unit models.Unit) error {
	tagged := database.ArchivedUnit{Unit: unit}
	if a.gate != nil {
		tagged.CaptureID = a.gate.Session().ID
	}

	select {
	case a.UnitChan <- tagged:
		return nil
	default:
		a.mu.Lock()
		a.stats.Dropped++
		a.mu.Unlock()
		return ErrArchiveBacklog
	}
}

// SaveResult queues a finished capture for archiving without blocking
func (a *ArchiveService) SaveResult(status models.CaptureStatus) {
	select {
	case a.ResultChan <- status:
	default:
		a.logger.Warn("ArchiveService: result channel full, dropping result", "capture_id", status.CaptureID)
	}
}

// Start runs the batching loop until the context is cancelled, then
// writes whatever is still buffered
func (a *ArchiveService) Start(ctx context.Context) {
	a.logger.Info("ArchiveService: starting",
		"batch_size", a.config.BatchSize, "flush_interval", a.config.FlushInterval)

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	buffer := make([]database.ArchivedUnit, 0, a.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			// Drain what already arrived
		drain:
			for {
				select {
				case u := <-a.UnitChan:
					buffer = append(buffer, u)
				default:
					break drain
				}
			}
			a.flush(context.Background(), buffer)
			a.logger.Info("ArchiveService: shutdown complete")
			return

		case u := <-a.UnitChan:
			buffer = append(buffer, u)
			if len(buffer) >= a.config.BatchSize {
				a.flush(ctx, buffer)
				buffer = buffer[:0]
			}

		case <-ticker.C:
			a.flush(ctx, buffer)
			buffer = buffer[:0]

		case status := <-a.ResultChan:
			a.saveResult(ctx, status)
		}
	}
}

func (a *ArchiveService) flush(ctx context.Context, units []database.ArchivedUnit) {
	if len(units) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.WriteTimeout)
	defer cancel()

	n := uint64(len(units))
	if err := a.archive.SaveUnits(ctx, units); err != nil {
		a.mu.Lock()
		a.stats.Failed += n
		a.mu.Unlock()
		a.logger.Error("ArchiveService: failed to save units", "units", n, "error", err)
		return
	}

	a.mu.Lock()
	a.stats.Archived += n
	a.mu.Unlock()
}

func (a *ArchiveService) saveResult(ctx context.Context, status models.CaptureStatus) {
	ctx, cancel := context.WithTimeout(ctx, a.config.WriteTimeout)
	defer cancel()

	if err := a.archive.SaveCaptureResult(ctx, status); err != nil {
		a.logger.Error("ArchiveService: failed to save capture result", "capture_id", status.CaptureID, "error", err)
		return
	}

	a.mu.Lock()
	a.stats.Results++
	a.mu.Unlock()
	a.logger.Info("ArchiveService: saved capture result", "capture_id", status.CaptureID, "warning", status.Warning)
}

// Stats returns archive counters
func (a *ArchiveService) Stats() ArchiveStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
