package space

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type scriptedProbe struct {
	mu    sync.Mutex
	usage Usage
	err   error
	calls atomic.Int32
}

func (p *scriptedProbe) set(u Usage, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage, p.err = u, err
}

func (p *scriptedProbe) Usage(string) (Usage, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage, p.err
}

func testStorage() model.StorageConfig {
	return model.StorageConfig{Reserve: 5 * model.GB, WarningThreshold: 10 * model.GB}
}

func TestSnapshot_Level(t *testing.T) {
	base := Snapshot{Total: 100, Reserve: 10, WarningThreshold: 20, TakenAt: time.Now()}

	tests := []struct {
		free int64
		want Level
	}{
		{50, LevelOK},
		{20, LevelOK},
		{19, LevelLow},
		{10, LevelLow},
		{9, LevelCritical},
	}
	for _, tt := range tests {
		s := base
		s.Free = tt.free
		assert.Equal(t, tt.want, s.Level(), "free=%d", tt.free)
	}
	assert.Equal(t, LevelUnknown, Snapshot{}.Level())
}

func TestSnapshot_Available(t *testing.T) {
	s := Snapshot{Free: 10}
	assert.Equal(t, int64(10), s.Available(0))
	assert.Equal(t, int64(4), s.Available(6))
	assert.Equal(t, int64(-2), s.Available(12))
	assert.Equal(t, int64(10), s.Available(-3))
}

func TestTracker_Refresh(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	probe := &scriptedProbe{}
	probe.set(Usage{Total: 100 * int64(model.GB), Free: 40 * int64(model.GB)}, nil)

	tr := NewTracker("/srv", probe, testStorage(), nil, logging.Discard(), WithClock(func() time.Time { return now }))
	assert.False(t, tr.Current().Known())

	snap, err := tr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40*int64(model.GB), snap.Free)
	assert.Equal(t, 5*int64(model.GB), snap.Reserve)
	assert.Equal(t, now, snap.TakenAt)
	assert.False(t, snap.Stale)
	assert.Equal(t, snap, tr.Current())
}

func TestTracker_SamplesWrittenCounterWithReading(t *testing.T) {
	probe := &scriptedProbe{}
	probe.set(Usage{Total: 100, Free: 60}, nil)
	var written atomic.Int64
	written.Store(7)
	tr := NewTracker("/srv", probe, model.StorageConfig{}, nil, nil, WithWritten(written.Load))

	snap, err := tr.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Written)

	// a failed statfs keeps the old reading and the counter that goes with it
	written.Store(20)
	probe.set(Usage{}, errors.New("device gone"))
	snap, err = tr.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(7), snap.Written)
}

func TestTracker_FailedRefreshReusesStaleSnapshot(t *testing.T) {
	probe := &scriptedProbe{}
	probe.set(Usage{Total: 100, Free: 60}, nil)
	var logBuf bytes.Buffer
	tr := NewTracker("/srv", probe, model.StorageConfig{}, nil, logging.New(&logBuf, logging.LevelDebug))

	first, err := tr.Refresh(context.Background())
	require.NoError(t, err)

	probe.set(Usage{}, errors.New("device gone"))
	snap, err := tr.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, first.Free, snap.Free)
	assert.Equal(t, first.TakenAt, snap.TakenAt)
	assert.Contains(t, logBuf.String(), "WARN space: refresh failed root=/srv")

	probe.set(Usage{Total: 100, Free: 70}, nil)
	snap, err = tr.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, int64(70), snap.Free)
}

func TestTracker_WarningIsEdgeTriggered(t *testing.T) {
	probe := &scriptedProbe{}
	pub := &recordingPublisher{}
	tr := NewTracker("/srv", probe, testStorage(), pub, logging.Discard())
	ctx := context.Background()

	steps := []struct {
		freeGB int64
		want   int
	}{
		{50, 0},
		{9, 1},  // crossed below
		{8, 1},  // still below, no repeat
		{11, 1}, // recovered, re-armed
		{7, 2},  // crossed again
	}
	for _, s := range steps {
		probe.set(Usage{Total: 100 * int64(model.GB), Free: s.freeGB * int64(model.GB)}, nil)
		_, err := tr.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, s.want, pub.count(events.EventSpaceWarning), "after free=%dGB", s.freeGB)
	}
}

type blockingProbe struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *blockingProbe) Usage(string) (Usage, error) {
	p.calls.Add(1)
	<-p.release
	return Usage{Total: 10, Free: 5}, nil
}

func TestTracker_ConcurrentRefreshesCoalesce(t *testing.T) {
	probe := &blockingProbe{release: make(chan struct{})}
	tr := NewTracker("/srv", probe, model.StorageConfig{}, nil, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := tr.Refresh(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, int64(5), snap.Free)
		}()
	}
	// let every caller join the in-flight probe
	time.Sleep(50 * time.Millisecond)
	close(probe.release)
	wg.Wait()

	assert.Equal(t, int32(1), probe.calls.Load())
}

func TestTracker_RefreshHonoursContext(t *testing.T) {
	probe := &blockingProbe{release: make(chan struct{})}
	defer close(probe.release)
	tr := NewTracker("/srv", probe, model.StorageConfig{}, nil, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatfsProbe_TempDir(t *testing.T) {
	u, err := StatfsProbe{}.Usage(t.TempDir())
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("statfs not supported on this platform")
	}
	require.NoError(t, err)
	assert.Greater(t, u.Total, int64(0))
	assert.GreaterOrEqual(t, u.Total, u.Free)
}
