package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ecg-relay/internal/cache"
	"ecg-relay/internal/database"
	"ecg-relay/internal/decoder"
	"ecg-relay/internal/dispatch"
	"ecg-relay/internal/models"
	"ecg-relay/internal/recordlog"
	"ecg-relay/internal/upload"
)

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) SaveUnits(ctx context.Context, units []database.ArchivedUnit) error {
	return m.Called(ctx, units).Error(0)
}

func (m *mockArchive) SaveCaptureResult(ctx context.Context, status models.CaptureStatus) error {
	return m.Called(ctx, status).Error(0)
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) UpsertDevice(ctx context.Context, deviceID, link string, seenAt time.Time) error {
	return m.Called(ctx, deviceID, link, seenAt).Error(0)
}

type collector struct {
	mu    sync.Mutex
	units []models.Unit
}

func (c *collector) OnUnit(u models.Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = append(c.units, u)
	return nil
}

func (c *collector) snapshot() []models.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Unit(nil), c.units...)
}

func openGate(id string) upload.Gate {
	return upload.GateFunc(func() models.Session { return models.Session{ID: id, Active: true} })
}

func TestIngestDecodesAndDispatchesInOrder(t *testing.T) {
	d := dispatch.New(cache.NewRing[models.Unit](10), nil)
	sink := &collector{}
	d.Register(dispatch.RoleLog, sink)

	registry := &mockRegistry{}
	registered := make(chan string, 2)
	registry.On("UpsertDevice", mock.Anything, mock.Anything, "serial", mock.Anything).
		Run(func(args mock.Arguments) { registered <- args.String(1) }).
		Return(nil)

	svc := NewIngestService(decoder.New(decoder.DefaultConfig()), d, registry,
		IngestServiceConfig{ChannelSize: 8, Link: "serial"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	now := time.UnixMilli(1_700_000_000_000)
	svc.PacketChan <- models.Packet{DeviceID: "a", Payload: []byte{0x01, 0x00, 0xFF, 0xFF}, ReceivedAt: now}
	svc.PacketChan <- models.Packet{DeviceID: "a", Payload: []byte{0x07}, ReceivedAt: now.Add(time.Millisecond)}
	svc.PacketChan <- models.Packet{DeviceID: "b", Payload: []byte{0x02, 0x00}, ReceivedAt: now.Add(2 * time.Millisecond)}

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	units := sink.snapshot()
	require.Equal(t, []int{1, -1}, units[0].Samples)
	require.Equal(t, now.UnixMilli(), units[0].TS)
	require.Empty(t, units[1].Samples)
	require.Equal(t, "b", units[2].Device)
	require.Len(t, d.History(10), 3)

	stats := svc.Stats()
	require.Equal(t, uint64(3), stats.Packets)
	require.Equal(t, uint64(3), stats.Samples)
	require.Equal(t, uint64(1), stats.Empty)
	require.Len(t, stats.Devices, 2)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-registered:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("device not registered")
		}
	}
	require.Equal(t, map[string]bool{"a": true, "b": true}, seen)
	registry.AssertNumberOfCalls(t, "UpsertDevice", 2)
}

func TestIngestStopsOnClosedChannel(t *testing.T) {
	svc := NewIngestService(decoder.New(decoder.DefaultConfig()), dispatch.New(nil, nil), nil,
		DefaultIngestServiceConfig(), nil)

	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()
	close(svc.PacketChan)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingest did not stop")
	}
}

func TestArchiveBatchesTaggedUnits(t *testing.T) {
	archive := &mockArchive{}
	batches := make(chan []database.ArchivedUnit, 4)
	archive.On("SaveUnits", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			units := args.Get(1).([]database.ArchivedUnit)
			batches <- append([]database.ArchivedUnit(nil), units...)
		}).
		Return(nil)

	svc := NewArchiveService(archive, openGate("cap-1"),
		ArchiveServiceConfig{BatchSize: 3, FlushInterval: time.Hour, ChannelSize: 16}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.OnUnit(models.Unit{TS: int64(i), Samples: []int{i}}))
	}

	select {
	case batch := <-batches:
		require.Len(t, batch, 3)
		for i, u := range batch {
			require.Equal(t, "cap-1", u.CaptureID)
			require.Equal(t, int64(i), u.Unit.TS)
		}
	case <-time.After(time.Second):
		t.Fatal("full batch not written")
	}

	// The remainder is written on shutdown
	cancel()
	<-done
	select {
	case batch := <-batches:
		require.Len(t, batch, 1)
		require.Equal(t, int64(3), batch[0].Unit.TS)
	default:
		t.Fatal("remainder not written on shutdown")
	}

	require.Equal(t, uint64(4), svc.Stats().Archived)
}

func TestArchiveTickerFlushAndFailure(t *testing.T) {
	archive := &mockArchive{}
	archive.On("SaveUnits", mock.Anything, mock.Anything).Return(errors.New("clickhouse down"))

	svc := NewArchiveService(archive, nil,
		ArchiveServiceConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	require.NoError(t, svc.OnUnit(models.Unit{TS: 1}))
	require.NoError(t, svc.OnUnit(models.Unit{TS: 2}))

	require.Eventually(t, func() bool { return svc.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
	require.Zero(t, svc.Stats().Archived)
}

func TestArchiveBacklogDrops(t *testing.T) {
	svc := NewArchiveService(&mockArchive{}, nil, ArchiveServiceConfig{ChannelSize: 1}, nil)

	require.NoError(t, svc.OnUnit(models.Unit{TS: 1}))
	require.ErrorIs(t, svc.OnUnit(models.Unit{TS: 2}), ErrArchiveBacklog)
	require.Equal(t, uint64(1), svc.Stats().Dropped)
}

func TestArchiveSavesResults(t *testing.T) {
	archive := &mockArchive{}
	saved := make(chan models.CaptureStatus, 1)
	archive.On("SaveCaptureResult", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { saved <- args.Get(1).(models.CaptureStatus) }).
		Return(nil)

	svc := NewArchiveService(archive, nil, ArchiveServiceConfig{FlushInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	svc.SaveResult(models.CaptureStatus{CaptureID: "cap-2", Status: models.StatusDone, Warning: true})

	select {
	case s := <-saved:
		require.Equal(t, "cap-2", s.CaptureID)
		require.True(t, s.Warning)
	case <-time.After(time.Second):
		t.Fatal("result not saved")
	}
	require.Eventually(t, func() bool { return svc.Stats().Results == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecordServiceFeedsLogAndArchive(t *testing.T) {
	archive := NewArchiveService(&mockArchive{}, openGate("cap-3"), ArchiveServiceConfig{ChannelSize: 1}, nil)
	svc := &RecordService{Log: recordlog.New(10), Archive: archive}

	require.NoError(t, svc.OnUnit(models.Unit{TS: 1, Samples: []int{5}}))
	require.Equal(t, 1, svc.Log.Len())
	require.Len(t, archive.UnitChan, 1)

	// A full archive surfaces as a handler error but the record is kept
	require.ErrorIs(t, svc.OnUnit(models.Unit{TS: 2}), ErrArchiveBacklog)
	require.Equal(t, 2, svc.Log.Len())

	plain := &RecordService{Log: recordlog.New(10)}
	require.NoError(t, plain.OnUnit(models.Unit{TS: 3}))
}
