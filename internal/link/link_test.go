package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ecg-relay/internal/decoder"
	"ecg-relay/internal/models"
)

// fakePort serves data in small chunks. Between chunks and once the data
// runs out it reports idle the way tarm/serial does on Linux: (0, io.EOF).
// With failErr set, an empty port returns that error instead.
type fakePort struct {
	mu      sync.Mutex
	data    []byte
	chunk   int
	gaps    int // idle reads between chunks
	idle    int
	written bytes.Buffer
	closed  bool
	failErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.data) == 0 {
		if p.failErr != nil {
			return 0, p.failErr
		}
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	if p.idle < p.gaps {
		p.idle++
		return 0, io.EOF
	}
	p.idle = 0
	n := min(len(b), p.chunk, len(p.data))
	copy(b, p.data[:n])
	p.data = p.data[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestSerialSourceFramesPackets(t *testing.T) {
	port := &fakePort{data: decoder.EncodeSamples([]int{1, 2, 3, 4, 5, 6}), chunk: 3}
	packets := make(chan models.Packet, 4)

	src := NewSerialSource(SerialConfig{PacketSize: 4, StartCommand: []byte{0xFF}, DeviceID: "uart"},
		func(SerialConfig) (io.ReadWriteCloser, error) { return port, nil }, packets, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Start(ctx) }()

	dec := decoder.New(decoder.DefaultConfig())
	for _, want := range [][]int{{1, 2}, {3, 4}, {5, 6}} {
		select {
		case p := <-packets:
			require.Equal(t, "uart", p.DeviceID)
			require.Equal(t, want, dec.Decode(p.Payload))
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}

	port.mu.Lock()
	defer port.mu.Unlock()
	require.Equal(t, []byte{0xFF}, port.written.Bytes())
	require.True(t, port.closed)
}

func TestSerialSourcePortClosed(t *testing.T) {
	port := &fakePort{data: []byte{1, 0, 2}, chunk: 8, failErr: os.ErrClosed}
	packets := make(chan models.Packet, 4)

	src := NewSerialSource(SerialConfig{PacketSize: 2},
		func(SerialConfig) (io.ReadWriteCloser, error) { return port, nil }, packets, nil)

	err := src.Start(context.Background())
	require.ErrorIs(t, err, os.ErrClosed)
	require.Len(t, packets, 1)
	require.Empty(t, port.written.Bytes())
}

func TestSerialSourceSurvivesIdleLine(t *testing.T) {
	// One frame split across reads with idle timeouts in between
	port := &fakePort{data: decoder.EncodeSamples([]int{7, 8}), chunk: 1, gaps: 3}
	packets := make(chan models.Packet, 4)

	src := NewSerialSource(SerialConfig{PacketSize: 4},
		func(SerialConfig) (io.ReadWriteCloser, error) { return port, nil }, packets, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Start(ctx) }()

	select {
	case p := <-packets:
		require.Equal(t, []int{7, 8}, decoder.New(decoder.DefaultConfig()).Decode(p.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	// Silence on the line keeps the source running
	select {
	case err := <-done:
		t.Fatalf("source stopped while idle: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}
}

func TestReadFrameKeepsPartialFrameAcrossIdle(t *testing.T) {
	port := &fakePort{data: []byte{1, 2, 3, 4, 5}, chunk: 2, gaps: 2}
	buf := make([]byte, 5)
	require.NoError(t, readFrame(context.Background(), port, buf))
	require.Equal(t, []byte{1, 2, 3, 4, 5}, buf)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, readFrame(ctx, port, buf), context.DeadlineExceeded)
}

func TestSerialSourceOpenFailure(t *testing.T) {
	boom := errors.New("no such device")
	src := NewSerialSource(SerialConfig{},
		func(SerialConfig) (io.ReadWriteCloser, error) { return nil, boom }, nil, nil)
	require.ErrorIs(t, src.Start(context.Background()), boom)
}

func TestSimulatorLoopsTrace(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{SampleRate: 360, SamplesPerPacket: 9, Amplitude: 1000}, nil, nil)
	require.Len(t, sim.trace, 360)
	require.Equal(t, 25*time.Millisecond, sim.Interval())

	dec := decoder.New(decoder.DefaultConfig())
	first := dec.Decode(sim.Next())
	require.Len(t, first, 9)
	require.Equal(t, 0, first[0])

	// 40 packets of 9 samples cover exactly one trace period
	for i := 1; i < 40; i++ {
		sim.Next()
	}
	require.Equal(t, first, dec.Decode(sim.Next()))

	for _, v := range sim.trace {
		require.LessOrEqual(t, v, 1500)
		require.GreaterOrEqual(t, v, -1500)
	}
}

func TestSimulatorEmitsPackets(t *testing.T) {
	packets := make(chan models.Packet, 16)
	sim := NewSimulator(SimulatorConfig{SampleRate: 1000, SamplesPerPacket: 5}, packets, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Start(ctx) }()

	require.Eventually(t, func() bool { return len(packets) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	p := <-packets
	require.Equal(t, "sim", p.DeviceID)
	require.Len(t, p.Payload, 10)
}
