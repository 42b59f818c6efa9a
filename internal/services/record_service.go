package services

import (
	"ecg-relay/internal/models"
	"ecg-relay/internal/recordlog"
)

// RecordService is the log-role consumer. Every unit goes to the record
// list; when an archive is configured it is also queued for persistence.
type RecordService struct {
	Log     *recordlog.Log
	Archive *ArchiveService
}

// OnUnit feeds the record list, then the archive
func (r *RecordService) OnUnit(unit models.Unit) error {
	if err := r.Log.OnUnit(unit); err != nil {
		return err
	}
	if r.Archive != nil {
		return r.Archive.OnUnit(unit)
	}
	return nil
}
