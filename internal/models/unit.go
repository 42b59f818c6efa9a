package models

import "time"

// Packet is one raw notification from the sensor link
type Packet struct {
	DeviceID   string
	Payload    []byte
	ReceivedAt time.Time
}

// Unit is one decoded packet: arrival timestamp plus its samples.
// A Unit is never mutated after decoding; consumers share the Samples
// slice and must treat it as read-only.
type Unit struct {
	TS      int64  `json:"ts"` // milliseconds
	Device  string `json:"device,omitempty"`
	Samples []int  `json:"samples"`
}

// Time returns the arrival timestamp as a time.Time
func (u Unit) Time() time.Time {
	return time.UnixMilli(u.TS)
}

// BatchEntry is the per-unit element of an upload batch
type BatchEntry struct {
	Samples []int `json:"samples"`
}

// UploadRequest represents the body of POST /upload_data
type UploadRequest struct {
	CaptureID string       `json:"capture_id"`
	Batch     []BatchEntry `json:"batch"`
}

// NewUploadRequest builds a request tagged with captureID from units, in order
func NewUploadRequest(captureID string, units []Unit) UploadRequest {
	batch := make([]BatchEntry, len(units))
	for i, u := range units {
		batch[i] = BatchEntry{Samples: u.Samples}
	}
	return UploadRequest{CaptureID: captureID, Batch: batch}
}
