package recordlog

import (
	"fmt"
	"io"
	"time"

	"github.com/segmentio/parquet-go"
)

// Row is the parquet schema of an exported record
type Row struct {
	TS         int64   `parquet:"ts"`
	Device     string  `parquet:"device"`
	SamplesLen int32   `parquet:"samples_len"`
	Last       int32   `parquet:"last"`
	Samples    []int32 `parquet:"samples"`
}

func toRow(r Record) Row {
	samples := make([]int32, len(r.Samples))
	for i, v := range r.Samples {
		samples[i] = int32(v)
	}
	return Row{
		TS:         r.TS,
		Device:     r.Device,
		SamplesLen: int32(r.SamplesLen),
		Last:       int32(r.Last),
		Samples:    samples,
	}
}

// ExportParquet writes the current records to w and returns the row count
func (l *Log) ExportParquet(w io.Writer) (int, error) {
	records := l.records.All()

	rows := make([]Row, len(records))
	for i, r := range records {
		rows[i] = toRow(r)
	}

	writer := parquet.NewGenericWriter[Row](w,
		parquet.KeyValueMetadata("exported_at", time.Now().UTC().Format(time.RFC3339)),
	)

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		return 0, fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return len(rows), nil
}
