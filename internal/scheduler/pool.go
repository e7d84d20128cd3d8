package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/registry"
)

// pool starts queued tasks on at most size concurrent executors. A single
// dispatch goroutine is the only place tasks move to downloading.
type pool struct {
	size  int
	reg   *registry.Registry
	queue *readyQueue
	exec  *executor
	// admit performs the late admission check for a task about to start. It
	// returns false when the task was parked or failed instead.
	admit  func(model.Task) bool
	logger *logging.Logger
	now    func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	gen     uint64
	running map[string]uint64 // task id -> dispatch generation
	wg      sync.WaitGroup
}

func newPool(size int, reg *registry.Registry, queue *readyQueue, exec *executor, admit func(model.Task) bool, logger *logging.Logger, now func() time.Time) *pool {
	if size < 1 {
		size = 1
	}
	return &pool{
		size:    size,
		reg:     reg,
		queue:   queue,
		exec:    exec,
		admit:   admit,
		logger:  logger,
		now:     now,
		wake:    make(chan struct{}, 1),
		running: make(map[string]uint64),
	}
}

// notify wakes the dispatch loop without blocking.
func (p *pool) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pool) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *pool) hasFreeSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running) < p.size
}

// run is the dispatch loop. It returns when ctx is done; executors still
// running observe the same ctx and requeue their tasks.
func (p *pool) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		p.dispatch(ctx)

		if d, ok := p.queue.nextWake(p.now()); ok {
			if d <= 0 {
				d = time.Millisecond
			}
			timer.Reset(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (p *pool) dispatch(ctx context.Context) {
	for ctx.Err() == nil && p.hasFreeSlot() {
		item, ok := p.queue.popEligible(p.now())
		if !ok {
			return
		}
		task, err := p.reg.Get(item.id)
		if err != nil || task.Status != model.StatusQueued {
			continue
		}
		if !p.admit(task) {
			continue
		}

		started, err := p.reg.Transition(task.ID, []model.Status{model.StatusQueued}, model.StatusDownloading, nil)
		if err != nil {
			if !errors.Is(err, model.ErrInvalidTransition) {
				p.logger.Errorf("start failed task=%s err=%v", task.ID, err)
			}
			continue
		}

		p.mu.Lock()
		p.gen++
		gen := p.gen
		p.running[started.ID] = gen
		slot := len(p.running)
		p.mu.Unlock()
		p.logger.Debugf("dispatch task=%s slot=%d/%d", started.ID, slot, p.size)

		p.wg.Add(1)
		go func(t model.Task) {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Errorf("executor panic task=%s: %v", t.ID, r)
					_, _ = p.reg.Transition(t.ID, []model.Status{model.StatusDownloading}, model.StatusFailed, func(tk *model.Task) {
						tk.FailureReason = model.ReasonTransferFatal
						tk.LastError = "internal error"
					})
				}
				p.mu.Lock()
				// a retried task may already occupy a new slot under the same id
				if p.running[t.ID] == gen {
					delete(p.running, t.ID)
				}
				p.mu.Unlock()
				p.notify()
			}()
			p.exec.run(ctx, t)
		}(started)
	}
}

// waitIdle blocks until every executor has returned or ctx is done.
func (p *pool) waitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
