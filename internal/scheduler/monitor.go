package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/fetchd/internal/logging"
)

// monitor re-evaluates waiting tasks on a fixed interval, when files are
// removed or renamed under the storage root, and when triggered explicitly.
type monitor struct {
	interval time.Duration
	debounce time.Duration
	root     string
	watchFS  bool
	scan     func(ctx context.Context)
	logger   *logging.Logger

	trigger chan struct{}
}

func newMonitor(interval, debounce time.Duration, root string, watchFS bool, scan func(context.Context), logger *logging.Logger) *monitor {
	return &monitor{
		interval: interval,
		debounce: debounce,
		root:     root,
		watchFS:  watchFS,
		scan:     scan,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// poke requests a scan without waiting for the next tick.
func (m *monitor) poke() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// run blocks until ctx is done.
func (m *monitor) run(ctx context.Context) {
	var wg sync.WaitGroup
	if m.watchFS {
		if watcher := m.openWatcher(); watcher != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.watchLoop(ctx, watcher)
			}()
		}
	}
	defer wg.Wait()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logger.Debugf("periodic scan triggered")
			m.scan(ctx)
		case <-m.trigger:
			m.scan(ctx)
		}
	}
}

func (m *monitor) openWatcher() *fsnotify.Watcher {
	if m.root == "" {
		return nil
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		m.logger.Warnf("storage root unavailable, file watch disabled root=%s err=%v", m.root, err)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warnf("create fsnotify watcher: %v", err)
		return nil
	}
	if err := watcher.Add(m.root); err != nil {
		m.logger.Warnf("watch %s: %v", m.root, err)
		watcher.Close()
		return nil
	}
	return watcher
}

// watchLoop turns removals and renames under the root into debounced scans;
// a burst of deletions produces one scan.
func (m *monitor) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	armed := false

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				m.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				if !armed {
					debounce.Reset(m.debounce)
					armed = true
				}
			}
		case <-debounce.C:
			armed = false
			m.poke()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Errorf("fsnotify error=%v", err)
		}
	}
}
