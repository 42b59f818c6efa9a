package models

import "time"

// Session is the upload gate: an identifier assigned by the collector
// when a capture starts, and whether data may currently be forwarded.
type Session struct {
	ID     string `json:"capture_id"`
	Active bool   `json:"active"`
}

// Open reports whether units may be forwarded under this session
func (s Session) Open() bool {
	return s.Active && s.ID != ""
}

// Capture status values reported by GET /capture_result
const (
	StatusIdle       = "idle"
	StatusCollecting = "collecting"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// StartCaptureResponse represents the response of POST /start_capture
type StartCaptureResponse struct {
	OK        bool   `json:"ok"`
	Msg       string `json:"msg"`
	CaptureID string `json:"capture_id"`
}

// CaptureResultResponse represents the response of GET /capture_result
type CaptureResultResponse struct {
	Status   string         `json:"status"`
	Progress float64        `json:"progress"` // seconds collected
	Result   *CaptureResult `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// CaptureResult is the analysis summary returned once a capture is done
type CaptureResult struct {
	TotalBeats        int     `json:"total_beats"`
	AbnormalBeats     int     `json:"abnormal_beats"`
	NormalBeats       int     `json:"normal_beats"`
	AbnormalRatio     float64 `json:"abnormal_ratio"`
	RPeaksImageBase64 string  `json:"rpeaks_image_base64,omitempty"`
	Last10ImageBase64 string  `json:"last10_image_base64,omitempty"`
}

// CaptureStatus is the controller's view of the current capture, as
// exposed over HTTP and announced over MQTT
type CaptureStatus struct {
	Timestamp  time.Time      `json:"timestamp"`
	CaptureID  string         `json:"capture_id"`
	Capturing  bool           `json:"capturing"`
	Uploading  bool           `json:"uploading"`
	Status     string         `json:"status"`
	Message    string         `json:"message"`
	ProgressPc float64        `json:"progress"` // 0-100
	Result     *CaptureResult `json:"result,omitempty"`
	Warning    bool           `json:"warning"` // abnormal ratio above threshold
}
