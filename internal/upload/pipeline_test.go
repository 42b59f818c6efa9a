package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ecg-relay/internal/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeGate is a settable session
type fakeGate struct {
	mu sync.Mutex
	s  models.Session
}

func (g *fakeGate) Session() models.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.s
}

func (g *fakeGate) set(id string, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.s = models.Session{ID: id, Active: active}
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Upload(ctx context.Context, req models.UploadRequest) (int, error) {
	args := m.Called(ctx, req)
	return args.Int(0), args.Error(1)
}

type result struct {
	status int
	err    error
}

// heldTransport blocks every request until the test releases it
type heldTransport struct {
	mu          sync.Mutex
	requests    []models.UploadRequest
	inFlight    int
	maxInFlight int
	release     chan result
}

func newHeldTransport() *heldTransport {
	return &heldTransport{release: make(chan result)}
}

func (h *heldTransport) Upload(ctx context.Context, req models.UploadRequest) (int, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.inFlight++
	h.maxInFlight = max(h.maxInFlight, h.inFlight)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.inFlight--
		h.mu.Unlock()
	}()

	select {
	case r := <-h.release:
		return r.status, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *heldTransport) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

func (h *heldTransport) request(i int) models.UploadRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[i]
}

// manualConfig never ticks on its own within a test
func manualConfig(batch, capacity int) Config {
	return Config{
		FlushInterval:  time.Hour,
		BatchSize:      batch,
		QueueCapacity:  capacity,
		RequestTimeout: time.Minute,
	}
}

func unit(n int) models.Unit {
	return models.Unit{TS: int64(n), Samples: []int{n}}
}

func samplesOf(req models.UploadRequest) []int {
	out := make([]int, len(req.Batch))
	for i, e := range req.Batch {
		out[i] = e.Samples[0]
	}
	return out
}

func waitState(t *testing.T, p *Pipeline, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == want }, waitFor, tick,
		"pipeline never reached %s", want)
}

func TestEnqueueRequiresOpenSession(t *testing.T) {
	gate := &fakeGate{}
	p := NewPipeline(manualConfig(10, 10), gate, newHeldTransport(), nil)

	require.False(t, p.Enqueue(unit(1)))

	gate.set("", true)
	require.False(t, p.Enqueue(unit(2)))

	gate.set("cap-1", false)
	require.False(t, p.Enqueue(unit(3)))

	require.Equal(t, StateIdle, p.State())
	require.Equal(t, uint64(3), p.Stats().Rejected)

	gate.set("cap-1", true)
	require.True(t, p.Enqueue(unit(4)))
	require.Equal(t, StateArmed, p.State())
	require.Equal(t, 1, p.Stats().Queued)

	p.Stop()
}

func TestQueueDropsOldest(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()
	p := NewPipeline(manualConfig(100, 5), gate, transport, nil)
	defer p.Stop()

	for i := 0; i < 12; i++ {
		require.True(t, p.Enqueue(unit(i)))
		require.LessOrEqual(t, p.Stats().Queued, 5)
	}

	stats := p.Stats()
	require.Equal(t, 5, stats.Queued)
	require.Equal(t, uint64(7), stats.Dropped)

	p.Flush()
	require.Eventually(t, func() bool { return transport.count() == 1 }, waitFor, tick)
	require.Equal(t, []int{7, 8, 9, 10, 11}, samplesOf(transport.request(0)))

	transport.release <- result{status: 200}
	waitState(t, p, StateIdle)
}

func TestSingleFlight(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()
	p := NewPipeline(manualConfig(2, 100), gate, transport, nil)
	defer p.Stop()

	for i := 0; i < 3; i++ {
		p.Enqueue(unit(i))
	}

	p.Flush()
	waitState(t, p, StateFlushing)
	require.Eventually(t, func() bool { return transport.count() == 1 }, waitFor, tick)

	// more units and more ticks while the first request is outstanding
	for i := 3; i < 6; i++ {
		p.Enqueue(unit(i))
		p.Flush()
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, transport.count())
	require.Equal(t, StateFlushing, p.State())

	transport.release <- result{status: 200}
	waitState(t, p, StateArmed)

	p.Flush()
	require.Eventually(t, func() bool { return transport.count() == 2 }, waitFor, tick)
	transport.release <- result{status: 200}
	waitState(t, p, StateArmed)

	p.Flush()
	require.Eventually(t, func() bool { return transport.count() == 3 }, waitFor, tick)
	transport.release <- result{status: 200}
	waitState(t, p, StateIdle)

	// batches leave in enqueue order
	require.Equal(t, []int{0, 1}, samplesOf(transport.request(0)))
	require.Equal(t, []int{2, 3}, samplesOf(transport.request(1)))
	require.Equal(t, []int{4, 5}, samplesOf(transport.request(2)))

	transport.mu.Lock()
	require.Equal(t, 1, transport.maxInFlight)
	transport.mu.Unlock()

	require.Equal(t, uint64(6), p.Stats().Sent)
}

func TestRequestCarriesCurrentSession(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-7", true)
	transport := new(mockTransport)
	transport.On("Upload", mock.Anything, mock.Anything).Return(200, nil)

	p := NewPipeline(manualConfig(10, 10), gate, transport, nil)
	defer p.Stop()

	p.Enqueue(unit(1))
	p.Flush()
	waitState(t, p, StateIdle)

	transport.AssertNumberOfCalls(t, "Upload", 1)
	req := transport.Calls[0].Arguments.Get(1).(models.UploadRequest)
	require.Equal(t, "cap-7", req.CaptureID)
	require.Equal(t, []models.BatchEntry{{Samples: []int{1}}}, req.Batch)
}

func TestSoftFailuresDiscardBatchAndContinue(t *testing.T) {
	cases := []struct {
		name   string
		status int
		err    error
	}{
		{"transport error", 0, errors.New("connection refused")},
		{"server error", 500, nil},
		{"bad request", 400, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := &fakeGate{}
			gate.set("cap-1", true)
			transport := newHeldTransport()
			p := NewPipeline(manualConfig(2, 10), gate, transport, nil)
			defer p.Stop()

			for i := 0; i < 3; i++ {
				p.Enqueue(unit(i))
			}

			p.Flush()
			require.Eventually(t, func() bool { return transport.count() == 1 }, waitFor, tick)
			transport.release <- result{status: tc.status, err: tc.err}
			waitState(t, p, StateArmed)

			stats := p.Stats()
			require.Equal(t, uint64(2), stats.Failed)
			require.Equal(t, 1, stats.Queued)

			// the dropped batch is not retried
			p.Flush()
			require.Eventually(t, func() bool { return transport.count() == 2 }, waitFor, tick)
			require.Equal(t, []int{2}, samplesOf(transport.request(1)))
			transport.release <- result{status: 200}
			waitState(t, p, StateIdle)
		})
	}
}

func TestConflictHardStops(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()
	p := NewPipeline(manualConfig(2, 10), gate, transport, nil)
	defer p.Stop()

	for i := 0; i < 5; i++ {
		p.Enqueue(unit(i))
	}

	p.Flush()
	require.Eventually(t, func() bool { return transport.count() == 1 }, waitFor, tick)
	transport.release <- result{status: 409}
	waitState(t, p, StateIdle)

	stats := p.Stats()
	require.Zero(t, stats.Queued)
	require.Equal(t, uint64(1), stats.Conflicts)

	// the gate still shows the refused session: enqueue is a no-op
	require.False(t, p.Enqueue(unit(9)))
	require.Equal(t, StateIdle, p.State())
	p.Flush()
	require.Equal(t, 1, transport.count())

	// a new capture reopens the pipeline
	gate.set("cap-2", true)
	require.True(t, p.Enqueue(unit(10)))
	require.Equal(t, StateArmed, p.State())
}

func TestConflictClearedByGateClose(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := new(mockTransport)
	transport.On("Upload", mock.Anything, mock.Anything).Return(409, nil)

	p := NewPipeline(manualConfig(2, 10), gate, transport, nil)
	defer p.Stop()

	p.Enqueue(unit(1))
	p.Flush()
	waitState(t, p, StateIdle)
	require.False(t, p.Enqueue(unit(2)))

	gate.set("", false)
	require.False(t, p.Enqueue(unit(3)))

	gate.set("cap-1", true)
	require.True(t, p.Enqueue(unit(4)))
}

func TestSessionClosedMidFlight(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()
	p := NewPipeline(manualConfig(2, 10), gate, transport, nil)
	defer p.Stop()

	for i := 0; i < 4; i++ {
		p.Enqueue(unit(i))
	}

	p.Flush()
	require.Eventually(t, func() bool { return transport.count() == 1 }, waitFor, tick)

	gate.set("", false)
	transport.release <- result{status: 200}
	waitState(t, p, StateIdle)
	require.Zero(t, p.Stats().Queued)

	require.False(t, p.Enqueue(unit(5)))
	require.Equal(t, StateIdle, p.State())

	gate.set("cap-2", true)
	require.True(t, p.Enqueue(unit(6)))
	require.Equal(t, "cap-2", p.Stats().SessionID)
}

func TestSessionChangeResetsQueue(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()
	p := NewPipeline(manualConfig(10, 10), gate, transport, nil)
	defer p.Stop()

	p.Enqueue(unit(1))
	p.Enqueue(unit(2))

	gate.set("cap-2", true)
	p.Enqueue(unit(3))

	stats := p.Stats()
	require.Equal(t, 1, stats.Queued)
	require.Equal(t, "cap-2", stats.SessionID)

	p.Flush()
	require.Eventually(t, func() bool { return transport.count() == 1 }, waitFor, tick)
	req := transport.request(0)
	require.Equal(t, "cap-2", req.CaptureID)
	require.Equal(t, []int{3}, samplesOf(req))
	transport.release <- result{status: 200}
	waitState(t, p, StateIdle)
}

func TestFlushWithClosedGateResets(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()
	p := NewPipeline(manualConfig(10, 10), gate, transport, nil)

	p.Enqueue(unit(1))
	gate.set("cap-1", false)
	p.Flush()

	require.Equal(t, StateIdle, p.State())
	require.Zero(t, p.Stats().Queued)
	require.Zero(t, transport.count())
}

func TestStopAbortsInFlight(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()
	p := NewPipeline(manualConfig(1, 10), gate, transport, nil)

	p.Enqueue(unit(1))
	p.Enqueue(unit(2))
	p.Flush()
	require.Eventually(t, func() bool { return transport.count() == 1 }, waitFor, tick)

	p.Stop()
	require.Equal(t, StateIdle, p.State())
	require.Zero(t, p.Stats().Queued)

	// the cancelled request returns and its completion is ignored
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.inFlight == 0
	}, waitFor, tick)
	require.Equal(t, StateIdle, p.State())
	require.Zero(t, p.Stats().Batches)

	require.NotPanics(t, p.Stop)
	require.NotPanics(t, p.Stop)
}

func TestTimerDrivesDelivery(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := new(mockTransport)
	transport.On("Upload", mock.Anything, mock.Anything).Return(200, nil)

	p := NewPipeline(Config{
		FlushInterval: 10 * time.Millisecond,
		BatchSize:     4,
		QueueCapacity: 100,
	}, gate, transport, nil)
	defer p.Stop()

	for i := 0; i < 10; i++ {
		p.Enqueue(unit(i))
	}

	require.Eventually(t, func() bool { return p.Stats().Sent == 10 }, waitFor, tick)

	// an empty queue disarms the timer
	waitState(t, p, StateIdle)
	transport.AssertNumberOfCalls(t, "Upload", 3)
}

func TestTimerResetsWhenGateCloses(t *testing.T) {
	gate := &fakeGate{}
	gate.set("cap-1", true)
	transport := newHeldTransport()

	p := NewPipeline(Config{FlushInterval: 10 * time.Millisecond}, gate, transport, nil)
	defer p.Stop()

	gate.set("cap-1", false)
	// armed before the gate closed
	p.mu.Lock()
	p.queue.Push(unit(1))
	p.armLocked("cap-1")
	p.mu.Unlock()

	waitState(t, p, StateIdle)
	require.Zero(t, transport.count())
}
