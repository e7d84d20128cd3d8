package space

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
)

// Tracker owns the current Snapshot of one volume. Refreshes issued while
// another is in flight share its result.
type Tracker struct {
	root      string
	probe     Probe
	reserve   int64
	warning   int64
	publisher events.Publisher
	logger    *logging.Logger
	now       func() time.Time
	written   func() int64

	group singleflight.Group

	mu      sync.RWMutex
	current Snapshot
	warned  bool
}

type TrackerOption func(*Tracker)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithWritten samples a counter of bytes written to the volume before each
// probe and stores it in the snapshot, so callers can tell what landed after
// the reading.
func WithWritten(counter func() int64) TrackerOption {
	return func(t *Tracker) { t.written = counter }
}

// NewTracker creates a tracker for root. publisher receives space_warning
// events and may be nil.
func NewTracker(root string, probe Probe, cfg model.StorageConfig, publisher events.Publisher, logger *logging.Logger, opts ...TrackerOption) *Tracker {
	reserve := cfg.Reserve.Int64()
	if reserve < 0 {
		reserve = 0
	}
	warning := cfg.WarningThreshold.Int64()
	if warning < reserve {
		warning = reserve
	}
	t := &Tracker{
		root:      root,
		probe:     probe,
		reserve:   reserve,
		warning:   warning,
		publisher: publisher,
		logger:    logger.With("space"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.current = Snapshot{Reserve: reserve, WarningThreshold: warning}
	return t
}

// Current returns the last snapshot without probing.
func (t *Tracker) Current() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Refresh probes the volume. On failure the previous snapshot is kept, marked
// stale, and returned together with the error.
func (t *Tracker) Refresh(ctx context.Context) (Snapshot, error) {
	ch := t.group.DoChan(t.root, func() (any, error) {
		return t.refresh()
	})
	select {
	case <-ctx.Done():
		return t.Current(), ctx.Err()
	case res := <-ch:
		return res.Val.(Snapshot), res.Err
	}
}

func (t *Tracker) refresh() (Snapshot, error) {
	var written int64
	if t.written != nil {
		written = t.written()
	}
	usage, err := t.probe.Usage(t.root)

	t.mu.Lock()
	if err != nil {
		t.current.Stale = true
		snap := t.current
		t.mu.Unlock()
		t.logger.Warnf("refresh failed root=%s err=%v reusing_snapshot_from=%s", t.root, err, snap.TakenAt.Format(time.RFC3339))
		return snap, err
	}

	snap := Snapshot{
		Total:            usage.Total,
		Free:             usage.Free,
		Reserve:          t.reserve,
		WarningThreshold: t.warning,
		TakenAt:          t.now(),
		Written:          written,
	}
	t.current = snap

	below := snap.Free < t.warning
	crossed := below && !t.warned
	t.warned = below
	t.mu.Unlock()

	t.logger.Debugf("refreshed root=%s free=%s total=%s level=%s",
		t.root, model.HumanBytes(snap.Free), model.HumanBytes(snap.Total), snap.Level())

	if crossed {
		t.logger.Warnf("free space below warning threshold free=%s threshold=%s",
			model.HumanBytes(snap.Free), model.HumanBytes(t.warning))
		if t.publisher != nil {
			t.publisher.Publish(events.Event{
				Type: events.EventSpaceWarning,
				Data: map[string]any{
					"free":      snap.Free,
					"total":     snap.Total,
					"threshold": t.warning,
					"level":     string(snap.Level()),
				},
			})
		}
	}
	return snap, nil
}
