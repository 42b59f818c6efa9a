package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ecg-relay/internal/cache"
	"ecg-relay/internal/models"
)

var (
	// ErrSessionConflict marks a 409 from the collector: the capture id
	// does not match, or the collector is no longer collecting.
	ErrSessionConflict = errors.New("collector rejected capture session")

	// ErrRejected marks any other non-success status
	ErrRejected = errors.New("collector rejected batch")
)

// State of the upload pipeline
type State int

const (
	StateIdle State = iota
	StateArmed
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Gate exposes the externally owned capture session
type Gate interface {
	Session() models.Session
}

// GateFunc adapts a function to Gate
type GateFunc func() models.Session

// Session calls f()
func (f GateFunc) Session() models.Session {
	return f()
}

// Config holds configuration for the upload pipeline
type Config struct {
	FlushInterval  time.Duration // Timer period T
	BatchSize      int           // Max units per request (B)
	QueueCapacity  int           // Max buffered units (M), oldest dropped beyond
	RequestTimeout time.Duration // Per-request deadline
}

// DefaultConfig returns default pipeline configuration
func DefaultConfig() Config {
	return Config{
		FlushInterval:  200 * time.Millisecond,
		BatchSize:      50,
		QueueCapacity:  500,
		RequestTimeout: 5 * time.Second,
	}
}

// Stats is a point-in-time view of the pipeline
type Stats struct {
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Queued    int    `json:"queued"`
	Enqueued  uint64 `json:"enqueued"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"` // evicted by the queue bound
	Sent      uint64 `json:"sent"`    // units in batches answered 200
	Failed    uint64 `json:"failed"`  // units in batches discarded on failure
	Batches   uint64 `json:"batches"`
	Conflicts uint64 `json:"conflicts"`
}

// Pipeline buffers units, batches them on a timer and sends at most one
// request at a time. Delivery is best effort: failed batches are dropped.
type Pipeline struct {
	config    Config
	gate      Gate
	transport Transport
	logger    *slog.Logger
	queue     *cache.Ring[models.Unit]

	mu           sync.Mutex
	armed        bool
	flushing     bool
	sessionID    string // session the queued units belong to
	revoked      string // session the collector refused; cleared once the gate closes
	generation   uint64
	stopTicker   func()
	cancelFlight context.CancelFunc

	enqueued, rejected, dropped      uint64
	sent, failed, batches, conflicts uint64
}

// NewPipeline creates an idle pipeline
func NewPipeline(config Config, gate Gate, transport Transport, logger *slog.Logger) *Pipeline {
	defaults := DefaultConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		config:    config,
		gate:      gate,
		transport: transport,
		logger:    logger,
		queue:     cache.NewRing[models.Unit](config.QueueCapacity),
	}
}

// OnUnit lets the pipeline be registered as the upload consumer.
// A rejected unit is not an error.
func (p *Pipeline) OnUnit(unit models.Unit) error {
	p.Enqueue(unit)
	return nil
}

// Enqueue buffers unit if the session gate is open and reports whether it
// was accepted. A closed gate resets a running pipeline.
func (p *Pipeline) Enqueue(unit models.Unit) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.gate.Session()
	if !s.Open() {
		p.rejected++
		p.revoked = ""
		if p.armed {
			p.resetLocked("session gate closed")
		}
		return false
	}

	if s.ID == p.revoked {
		p.rejected++
		return false
	}

	if p.armed && s.ID != p.sessionID {
		p.resetLocked("session changed")
	}

	if dropped := p.queue.Push(unit); dropped > 0 {
		p.dropped += uint64(dropped)
	}
	p.enqueued++

	if !p.armed {
		p.armLocked(s.ID)
	}
	return true
}

// Flush runs one flush attempt, as a timer tick would
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
}

// Stop cancels the timer and any in-flight request, clears the queue and
// returns to idle. Safe to call at any time, any number of times.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked("stopped")
}

// State returns the current state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pipeline) stateLocked() State {
	switch {
	case !p.armed:
		return StateIdle
	case p.flushing:
		return StateFlushing
	default:
		return StateArmed
	}
}

// Stats returns pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		State:     p.stateLocked().String(),
		SessionID: p.sessionID,
		Queued:    p.queue.Len(),
		Enqueued:  p.enqueued,
		Rejected:  p.rejected,
		Dropped:   p.dropped,
		Sent:      p.sent,
		Failed:    p.failed,
		Batches:   p.batches,
		Conflicts: p.conflicts,
	}
}

// armLocked starts the flush timer for session id
func (p *Pipeline) armLocked(id string) {
	p.armed = true
	p.sessionID = id

	ticker := time.NewTicker(p.config.FlushInterval)
	done := make(chan struct{})
	gen := p.generation

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.tick(gen)
			}
		}
	}()

	p.stopTicker = func() {
		ticker.Stop()
		close(done)
	}
}

// tick is a timer-driven flush; ticks from a previous arming are ignored
func (p *Pipeline) tick(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return
	}
	p.flushLocked()
}

func (p *Pipeline) flushLocked() {
	if !p.armed || p.flushing {
		return
	}

	if p.queue.Len() == 0 {
		p.disarmLocked()
		return
	}

	s := p.gate.Session()
	if !s.Open() || s.ID != p.sessionID {
		p.resetLocked("session gate closed before flush")
		return
	}

	batch := p.queue.TakeFront(p.config.BatchSize)
	req := models.NewUploadRequest(s.ID, batch)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.RequestTimeout)
	p.flushing = true
	p.cancelFlight = cancel

	go p.send(ctx, cancel, p.generation, req)
}

func (p *Pipeline) send(ctx context.Context, cancel context.CancelFunc, gen uint64, req models.UploadRequest) {
	defer cancel()

	status, err := p.transport.Upload(ctx, req)
	p.complete(gen, req, classify(status, err))
}

// classify maps a transport outcome to nil (success) or an error
func classify(status int, err error) error {
	switch {
	case err != nil:
		return err
	case status == http.StatusConflict:
		return ErrSessionConflict
	case status != http.StatusOK:
		return fmt.Errorf("%w: status %d", ErrRejected, status)
	default:
		return nil
	}
}

func (p *Pipeline) complete(gen uint64, req models.UploadRequest, outcome error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		// The pipeline was reset while this request was in flight.
		return
	}

	p.flushing = false
	p.cancelFlight = nil
	p.batches++

	n := uint64(len(req.Batch))

	switch {
	case outcome == nil:
		p.sent += n
	case errors.Is(outcome, ErrSessionConflict):
		p.failed += n
		p.conflicts++
		p.revoked = req.CaptureID
		p.logger.Warn("UploadPipeline: collector refused session, stopping",
			"capture_id", req.CaptureID)
		p.resetLocked("session conflict")
		return
	default:
		p.failed += n
		p.logger.Warn("UploadPipeline: batch discarded",
			"capture_id", req.CaptureID, "units", n, "error", outcome)
	}

	s := p.gate.Session()
	if !s.Open() || s.ID != req.CaptureID {
		p.resetLocked("session closed during upload")
		return
	}

	if p.queue.Len() == 0 {
		p.disarmLocked()
	}
}

// disarmLocked stops the timer and returns to idle, keeping counters
func (p *Pipeline) disarmLocked() {
	if p.stopTicker != nil {
		p.stopTicker()
		p.stopTicker = nil
	}
	p.generation++
	p.armed = false
	p.flushing = false
	p.sessionID = ""
}

// resetLocked aborts any in-flight request, drops the queue and disarms
func (p *Pipeline) resetLocked(reason string) {
	if !p.armed && p.queue.Len() == 0 && p.cancelFlight == nil {
		return
	}

	if p.cancelFlight != nil {
		p.cancelFlight()
		p.cancelFlight = nil
	}

	discarded := p.queue.Len()
	p.queue.Reset()
	p.disarmLocked()

	p.logger.Info("UploadPipeline: reset", "reason", reason, "discarded", discarded)
}
