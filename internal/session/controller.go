package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"ecg-relay/internal/models"
)

var (
	// ErrAlreadyCapturing is returned by Start while a capture is running
	ErrAlreadyCapturing = errors.New("capture already in progress")

	// ErrStartRejected is returned when the collector refuses to start
	ErrStartRejected = errors.New("collector refused to start capture")

	// ErrStartCancelled is returned when Stop runs while Start is still
	// waiting for the collector
	ErrStartCancelled = errors.New("capture stopped before it started")
)

// Config holds configuration for the capture session controller
type Config struct {
	BaseURL           string        // Collector base URL
	PollInterval      time.Duration // How often to poll /capture_result
	MaxPollFailures   int           // Consecutive failed polls before giving up
	CaptureDuration   time.Duration // Expected collection time, for progress
	RequestTimeout    time.Duration
	AbnormalThreshold float64 // Abnormal beat ratio that raises a warning
}

// DefaultConfig returns default controller configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:5000",
		PollInterval:      2 * time.Second,
		MaxPollFailures:   3,
		CaptureDuration:   60 * time.Second,
		RequestTimeout:    5 * time.Second,
		AbnormalThreshold: 0.25,
	}
}

// Controller owns the capture session: it asks the collector to start a
// capture, polls its progress, and opens or closes the upload gate.
type Controller struct {
	config Config
	client *http.Client
	logger *slog.Logger

	// Output channel for status announcements (optional, never blocks)
	StatusChan chan *models.CaptureStatus

	// OnResult is called once per finished capture (optional)
	OnResult func(models.CaptureStatus)

	mu           sync.RWMutex
	session      models.Session
	status       models.CaptureStatus
	capturing    bool
	pollFailures int
	pollGen      uint64
	pollCancel   context.CancelFunc
	onGateClosed []func()
}

// NewController creates an idle controller
func NewController(config Config, logger *slog.Logger) *Controller {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPollFailures <= 0 {
		config.MaxPollFailures = defaults.MaxPollFailures
	}
	if config.CaptureDuration <= 0 {
		config.CaptureDuration = defaults.CaptureDuration
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.AbnormalThreshold <= 0 {
		config.AbnormalThreshold = defaults.AbnormalThreshold
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: logger,
		status: models.CaptureStatus{
			Status:  models.StatusIdle,
			Message: "ready to start a capture",
		},
	}
}

// Session returns the current upload gate
func (c *Controller) Session() models.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Status returns the current capture status
func (c *Controller) Status() models.CaptureStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := c.status
	status.CaptureID = c.session.ID
	status.Uploading = c.session.Active
	status.Capturing = c.capturing
	return status
}

// OnGateClosed registers fn to run whenever the upload gate closes
func (c *Controller) OnGateClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGateClosed = append(c.onGateClosed, fn)
}

// Start asks the collector for a new capture. The gate opens only once a
// capture id has been received.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.capturing {
		c.mu.Unlock()
		return ErrAlreadyCapturing
	}
	c.capturing = true
	c.session = models.Session{}
	c.status = models.CaptureStatus{
		Status:  models.StatusIdle,
		Message: "sending start command",
	}
	startGen := c.pollGen
	c.mu.Unlock()
	c.announce()

	resp, err := c.startCapture(ctx)
	if err != nil {
		c.abortStart(startGen, "start command failed, check the network or collector")
		return err
	}
	if !resp.OK {
		msg := resp.Msg
		if msg == "" {
			msg = "capture could not be started"
		}
		c.abortStart(startGen, msg)
		return fmt.Errorf("%w: %s", ErrStartRejected, msg)
	}
	if resp.CaptureID == "" {
		c.abortStart(startGen, "no capture id received")
		return fmt.Errorf("%w: empty capture id", ErrStartRejected)
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	// A Stop while the request was in flight bumps pollGen
	if !c.capturing || c.pollGen != startGen {
		c.mu.Unlock()
		cancel()
		c.logger.Info("CaptureSession: start cancelled", "capture_id", resp.CaptureID)
		return ErrStartCancelled
	}
	c.session = models.Session{ID: resp.CaptureID, Active: true}
	c.status = models.CaptureStatus{
		Status:  models.StatusCollecting,
		Message: fmt.Sprintf("capture started, collecting for %s", c.config.CaptureDuration),
	}
	c.pollFailures = 0
	c.stopPollingLocked()
	gen := c.pollGen
	c.pollCancel = cancel
	c.mu.Unlock()

	c.logger.Info("CaptureSession: started", "capture_id", resp.CaptureID)
	c.announce()

	go c.pollLoop(pollCtx, gen)
	return nil
}

// Stop ends the capture: polling stops, the gate closes and the session
// id is cleared. Idempotent.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	c.stopPollingLocked()
	c.session = models.Session{}
	c.capturing = false
	c.status.Message = reason
	if c.status.Status != models.StatusDone && c.status.Status != models.StatusError {
		c.status.Status = models.StatusIdle
		c.status.ProgressPc = 0
	}
	hooks := append([]func(){}, c.onGateClosed...)
	c.mu.Unlock()

	c.logger.Info("CaptureSession: stopped", "reason", reason)
	c.announce()
	runHooks(hooks)
}

// abortStart stops a failed start unless a Stop (and possibly a newer
// Start) already happened meanwhile
func (c *Controller) abortStart(startGen uint64, reason string) {
	c.mu.RLock()
	current := c.capturing && c.pollGen == startGen
	c.mu.RUnlock()
	if current {
		c.Stop(reason)
	}
}

func (c *Controller) stopPollingLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.pollGen++
}

func runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

func (c *Controller) startCapture(ctx context.Context) (*models.StartCaptureResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/start_capture", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("failed to build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start_capture request failed: %w", err)
	}
	defer resp.Body.Close()

	var body models.StartCaptureResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode start_capture response (status %d): %w", resp.StatusCode, err)
	}
	return &body, nil
}

func (c *Controller) pollLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, gen)
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context, gen uint64) {
	result, err := c.fetchResult(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.pollFailed(gen, err)
		return
	}
	c.apply(gen, result)
}

func (c *Controller) fetchResult(ctx context.Context) (*models.CaptureResultResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/capture_result", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture_result request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capture_result returned status %d", resp.StatusCode)
	}

	var body models.CaptureResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode capture_result response: %w", err)
	}
	return &body, nil
}

func (c *Controller) pollFailed(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.pollGen {
		c.mu.Unlock()
		return
	}
	c.pollFailures++
	failures := c.pollFailures
	c.mu.Unlock()

	c.logger.Warn("CaptureSession: poll failed", "failures", failures, "error", err)

	if failures >= c.config.MaxPollFailures {
		c.Stop("polling failed repeatedly, upload stopped; check the network and retry")
	}
}

// apply moves the session along according to the collector's status
func (c *Controller) apply(gen uint64, resp *models.CaptureResultResponse) {
	c.mu.Lock()
	if gen != c.pollGen {
		c.mu.Unlock()
		return
	}
	c.pollFailures = 0

	switch resp.Status {
	case models.StatusCollecting:
		total := c.config.CaptureDuration.Seconds()
		c.status.Status = models.StatusCollecting
		c.status.ProgressPc = clamp(resp.Progress/total*100, 0, 100)
		c.status.Message = fmt.Sprintf("collecting: %.1f s / %.0f s", resp.Progress, total)
		c.mu.Unlock()
		c.announce()

	case models.StatusProcessing:
		// Collection is over: stop uploading but keep the capture id
		// until the analysis finishes.
		wasActive := c.session.Active
		c.session.Active = false
		c.status.Status = models.StatusProcessing
		c.status.ProgressPc = 100
		c.status.Message = "collection finished, analysis running"
		hooks := append([]func(){}, c.onGateClosed...)
		c.mu.Unlock()
		c.announce()
		if wasActive {
			runHooks(hooks)
		}

	case models.StatusDone:
		status := models.CaptureStatus{
			Timestamp:  time.Now(),
			CaptureID:  c.session.ID,
			Status:     models.StatusDone,
			ProgressPc: 100,
			Result:     resp.Result,
			Message:    "analysis complete",
		}
		if resp.Result != nil && resp.Result.AbnormalRatio > c.config.AbnormalThreshold {
			status.Warning = true
			status.Message = fmt.Sprintf("abnormal beat ratio %.1f%% exceeds %.0f%%",
				resp.Result.AbnormalRatio*100, c.config.AbnormalThreshold*100)
		}
		c.status = status
		onResult := c.OnResult
		c.mu.Unlock()

		c.Stop(status.Message)
		if onResult != nil {
			onResult(status)
		}

	case models.StatusError:
		c.status.Status = models.StatusError
		c.mu.Unlock()
		c.logger.Error("CaptureSession: collector reported an error", "error", resp.Error)
		c.Stop("analysis failed, retry later")

	case models.StatusIdle, "":
		c.mu.Unlock()
		c.Stop("no capture running on the collector, start a new one")

	default:
		c.mu.Unlock()
		c.logger.Warn("CaptureSession: unknown status", "status", resp.Status)
	}
}

// announce publishes the current status without blocking
func (c *Controller) announce() {
	if c.StatusChan == nil {
		return
	}

	status := c.Status()
	status.Timestamp = time.Now()

	select {
	case c.StatusChan <- &status:
	default:
		c.logger.Warn("CaptureSession: status channel full, dropping announcement")
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
