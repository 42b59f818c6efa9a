// Package recordlog keeps a rolling, display-ready list of the most recent
// units and exports it as parquet.
package recordlog

import (
	"strconv"
	"strings"
	"time"

	"ecg-relay/internal/cache"
	"ecg-relay/internal/models"
)

const previewLen = 6

// Record is one unit normalized for listing
type Record struct {
	TS         int64  `json:"ts"`
	TimeStr    string `json:"timeStr"`
	Device     string `json:"device,omitempty"`
	SamplesLen int    `json:"samplesLen"`
	Last       int    `json:"last"`
	Preview    string `json:"preview"`
	Samples    []int  `json:"samples"`
}

// Normalize converts a unit into a Record. The record shares the unit's
// samples slice.
func Normalize(unit models.Unit) Record {
	last := 0
	if n := len(unit.Samples); n > 0 {
		last = unit.Samples[n-1]
	}

	head := unit.Samples[:min(previewLen, len(unit.Samples))]
	parts := make([]string, len(head))
	for i, v := range head {
		parts[i] = strconv.Itoa(v)
	}
	preview := strings.Join(parts, ", ")
	if len(unit.Samples) > previewLen {
		preview += " ..."
	}

	return Record{
		TS:         unit.TS,
		TimeStr:    FormatTime(unit.TS),
		Device:     unit.Device,
		SamplesLen: len(unit.Samples),
		Last:       last,
		Preview:    preview,
		Samples:    unit.Samples,
	}
}

// FormatTime renders a millisecond timestamp as local HH:MM:SS.mmm
func FormatTime(ts int64) string {
	return time.UnixMilli(ts).Format("15:04:05.000")
}

// Log is the log-role consumer: a bounded list of normalized records,
// oldest evicted first
type Log struct {
	records *cache.Ring[Record]
}

// New creates a log holding at most capacity records
func New(capacity int) *Log {
	return &Log{records: cache.NewRing[Record](capacity)}
}

// OnUnit appends the normalized unit
func (l *Log) OnUnit(unit models.Unit) error {
	l.records.Push(Normalize(unit))
	return nil
}

// Seed replaces the log with the tail of units, e.g. dispatcher history
// read when the log attaches
func (l *Log) Seed(units []models.Unit) {
	records := make([]Record, len(units))
	for i, u := range units {
		records[i] = Normalize(u)
	}
	l.records.Reset()
	l.records.PushAll(records...)
}

// Records returns up to max of the newest records, oldest first.
// max <= 0 returns all of them.
func (l *Log) Records(max int) []Record {
	if max <= 0 {
		return l.records.All()
	}
	return l.records.Snapshot(max)
}

// Len returns the number of records held
func (l *Log) Len() int {
	return l.records.Len()
}

// Clear drops every record
func (l *Log) Clear() {
	l.records.Reset()
}
