// Package scheduler admits transfer tasks against the free space of the
// storage volume, runs a bounded number of them at once, parks the ones that
// do not fit and retries transient failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/registry"
	"github.com/msageha/fetchd/internal/retry"
	"github.com/msageha/fetchd/internal/space"
	"github.com/msageha/fetchd/internal/transport"
)

// Deps are the collaborators a Scheduler needs.
type Deps struct {
	Transport transport.Transport
	Probe     space.Probe        // defaults to statfs
	Bus       *events.Bus        // a private bus is created when nil
	Registry  *registry.Registry // a fresh registry is created when nil
	Logger    *logging.Logger
}

type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithMonitorInterval overrides monitor.interval_sec, mainly for tests.
func WithMonitorInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.monitorInterval = d }
}

// WithMaxWait overrides monitor.max_wait_sec.
func WithMaxWait(d time.Duration) Option {
	return func(s *Scheduler) { s.maxWait = d }
}

// Scheduler owns one instance of every scheduling component. It is safe for
// concurrent use.
type Scheduler struct {
	cfg       model.Config
	reg       *registry.Registry
	bus       *events.Bus
	ownBus    bool
	tracker   *space.Tracker
	admission Admission
	queue     *readyQueue
	pool      *pool
	monitor   *monitor
	logger    *logging.Logger
	now       func() time.Time

	monitorInterval time.Duration
	maxWait         time.Duration

	// scanMu serializes waiting-queue scans.
	scanMu sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// New builds a scheduler from cfg. Nothing runs until Start.
func New(cfg model.Config, deps Deps, opts ...Option) (*Scheduler, error) {
	if deps.Transport == nil {
		return nil, errors.New("scheduler: transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	probe := deps.Probe
	if probe == nil {
		probe = space.StatfsProbe{}
	}

	s := &Scheduler{
		cfg:             cfg,
		bus:             deps.Bus,
		queue:           &readyQueue{},
		logger:          logger.With("scheduler"),
		now:             time.Now,
		monitorInterval: cfg.Monitor.Interval(),
		maxWait:         cfg.Monitor.MaxWait(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus(cfg.Events.Buffer())
		s.ownBus = true
	}

	policy := retry.FromConfig(cfg.Retry)
	s.reg = deps.Registry
	if s.reg == nil {
		s.reg = registry.New(policy.MaxAttempts, s.bus, logger, registry.WithClock(s.now))
	}

	reserve := cfg.Storage.Reserve.Int64()
	if reserve < 0 {
		reserve = 0
	}
	s.admission = Admission{Reserve: reserve, MaxSkips: cfg.Admission.MaxSkips}
	s.tracker = space.NewTracker(cfg.Storage.Root, probe, cfg.Storage, s.bus, logger,
		space.WithClock(s.now), space.WithWritten(s.reg.Written))

	exec := &executor{
		reg:              s.reg,
		transport:        deps.Transport,
		policy:           policy,
		progressInterval: cfg.Progress.Interval(),
		storageRoot:      cfg.Storage.Root,
		logger:           logger.With("executor"),
		now:              s.now,
	}
	s.pool = newPool(cfg.Workers.WorkerCount(), s.reg, s.queue, exec, s.lateAdmit, logger.With("pool"), s.now)
	exec.requeue = func(t model.Task) {
		s.queue.push(t.ID, t.Seq, t.Retry.NotBefore)
		s.pool.notify()
	}
	exec.released = func() { s.monitor.poke() }
	s.monitor = newMonitor(s.monitorInterval, cfg.Monitor.Debounce(), cfg.Storage.Root, cfg.Monitor.WatchFS, s.scan, logger.With("monitor"))
	return s, nil
}

// Registry exposes the task registry for persistence and retention.
func (s *Scheduler) Registry() *registry.Registry {
	return s.reg
}

// Start takes a first volume reading, requeues tasks already present in the
// registry (restored from disk) and launches the dispatch and monitor loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	if _, err := s.tracker.Refresh(ctx); err != nil {
		s.logger.Warnf("initial space probe failed root=%s err=%v", s.cfg.Storage.Root, err)
	}

	requeued := 0
	for _, t := range s.reg.List(registry.Filter{Statuses: []model.Status{model.StatusQueued}}) {
		s.queue.push(t.ID, t.Seq, t.Retry.NotBefore)
		requeued++
	}

	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.pool.run(runCtx)
	}()
	go func() {
		defer s.loops.Done()
		s.monitor.run(runCtx)
	}()
	s.pool.notify()

	snap := s.tracker.Current()
	s.logger.Infof("started workers=%d reserve=%s free=%s requeued=%d",
		s.pool.size, model.HumanBytes(s.admission.Reserve), model.HumanBytes(snap.Free), requeued)
	return nil
}

// Close stops dispatching and interrupts running transfers, which return to
// the queue without losing an attempt. It waits for executors until ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
		err = s.pool.waitIdle(ctx)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.logger.Warnf("close timed out, %d transfers still running", s.pool.active())
	}
	if s.ownBus {
		s.bus.Close()
	}
	s.logger.Infof("stopped")
	return err
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Submit registers a task and runs admission on it. A task that can never fit
// on the volume is returned already failed with reason unsatisfiable_size.
func (s *Scheduler) Submit(spec model.TaskSpec) (model.Task, error) {
	if s.isClosed() {
		return model.Task{}, model.ErrClosed
	}
	if limit := s.cfg.Storage.MaxFileSize.Int64(); limit > 0 && spec.EstimatedSize > limit {
		return model.Task{}, fmt.Errorf("%w: %s > %s", model.ErrTooLarge,
			model.HumanBytes(spec.EstimatedSize), model.HumanBytes(limit))
	}

	task, err := s.reg.Submit(spec)
	if err != nil {
		return model.Task{}, err
	}

	snap := s.tracker.Current()
	if !snap.Known() {
		// without a reading an oversize task could not be told apart from one
		// that merely has to wait
		snap, _ = s.tracker.Refresh(context.Background())
	}
	available := s.available(snap)
	verdict := s.admission.Evaluate(task.EstimatedSize, available, snap)

	switch verdict {
	case DeniedUnsatisfiable:
		failed, err := s.reg.Transition(task.ID, []model.Status{model.StatusQueued}, model.StatusFailed, func(t *model.Task) {
			t.FailureReason = model.ReasonUnsatisfiableSize
			t.LastError = fmt.Sprintf("%v: needs %s with reserve, volume holds %s", model.ErrUnsatisfiableSize,
				model.HumanBytes(t.EstimatedSize+s.admission.Reserve), model.HumanBytes(snap.Total))
		})
		if err != nil {
			return s.reg.Get(task.ID)
		}
		s.logger.Warnf("rejected task=%s size=%s total=%s reason=%s", task.ID,
			model.HumanBytes(task.EstimatedSize), model.HumanBytes(snap.Total), model.ReasonUnsatisfiableSize)
		return failed, nil

	case DeniedInsufficient:
		waiting, err := s.reg.Transition(task.ID, []model.Status{model.StatusQueued}, model.StatusWaitingSpace, nil)
		if err != nil {
			return s.reg.Get(task.ID)
		}
		s.logger.Infof("parked task=%s size=%s available=%s", task.ID,
			model.HumanBytes(task.EstimatedSize), model.HumanBytes(available))
		return waiting, nil
	}

	_ = s.reg.Note(task.ID, events.EventAdmitted, map[string]any{"available": available})
	s.queue.push(task.ID, task.Seq, nil)
	s.pool.notify()
	return s.reg.Get(task.ID)
}

// available is the headroom admission works with. The snapshot's free space
// goes stale as transfers write, so bytes written since the reading are
// charged alongside what running transfers still need.
func (s *Scheduler) available(snap space.Snapshot) int64 {
	return snap.Available(s.reg.Unaccounted(snap.Written))
}

// lateAdmit re-runs admission when the dispatcher is about to start a task.
// Returns false when the task was moved out of the queue instead.
func (s *Scheduler) lateAdmit(task model.Task) bool {
	snap := s.tracker.Current()
	available := s.available(snap)
	switch s.admission.Evaluate(task.EstimatedSize, available, snap) {
	case Admitted:
		return true
	case DeniedUnsatisfiable:
		_, err := s.reg.Transition(task.ID, []model.Status{model.StatusQueued}, model.StatusFailed, func(t *model.Task) {
			t.FailureReason = model.ReasonUnsatisfiableSize
			t.LastError = model.ErrUnsatisfiableSize.Error()
		})
		if err == nil {
			s.logger.Warnf("failed at dispatch task=%s reason=%s", task.ID, model.ReasonUnsatisfiableSize)
		}
		return false
	default:
		_, err := s.reg.Transition(task.ID, []model.Status{model.StatusQueued}, model.StatusWaitingSpace, nil)
		if err == nil {
			s.logger.Infof("parked at dispatch task=%s size=%s available=%s", task.ID,
				model.HumanBytes(task.EstimatedSize), model.HumanBytes(available))
		}
		return false
	}
}

// scan refreshes the volume snapshot, expires tasks that waited too long and
// promotes waiting tasks that now fit.
func (s *Scheduler) scan(ctx context.Context) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	snap, err := s.tracker.Refresh(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}

	waiting := s.reg.List(registry.Filter{Statuses: []model.Status{model.StatusWaitingSpace}})
	if len(waiting) == 0 {
		return
	}

	now := s.now()
	live := waiting[:0]
	for _, t := range waiting {
		if t.WaitingSince != nil && now.Sub(*t.WaitingSince) > s.maxWait {
			_, terr := s.reg.Transition(t.ID, []model.Status{model.StatusWaitingSpace}, model.StatusFailed, func(tk *model.Task) {
				tk.FailureReason = model.ReasonWaitTimeout
				tk.LastError = fmt.Sprintf("%v (%s)", model.ErrWaitTimeout, s.maxWait)
			})
			if terr == nil {
				s.logger.Warnf("wait timeout task=%s waited=%s", t.ID, now.Sub(*t.WaitingSince).Round(time.Second))
			}
			continue
		}
		live = append(live, t)
	}

	available := s.available(snap)
	plan := s.admission.planPromotions(live, available, snap)

	for _, t := range plan.unsatisfiable {
		_, terr := s.reg.Transition(t.ID, []model.Status{model.StatusWaitingSpace}, model.StatusFailed, func(tk *model.Task) {
			tk.FailureReason = model.ReasonUnsatisfiableSize
			tk.LastError = model.ErrUnsatisfiableSize.Error()
		})
		if terr == nil {
			s.logger.Warnf("failed waiting task=%s size=%s total=%s reason=%s", t.ID,
				model.HumanBytes(t.EstimatedSize), model.HumanBytes(snap.Total), model.ReasonUnsatisfiableSize)
		}
	}
	for _, id := range plan.skipped {
		_, _ = s.reg.MarkSkipped(id)
	}
	promoted := 0
	for _, t := range plan.promote {
		next, terr := s.reg.Transition(t.ID, []model.Status{model.StatusWaitingSpace}, model.StatusQueued, func(tk *model.Task) {
			tk.Skips = 0
		})
		if terr != nil {
			continue
		}
		s.queue.push(next.ID, next.Seq, next.Retry.NotBefore)
		promoted++
	}
	if promoted > 0 {
		s.pool.notify()
	}
	if plan.blockedBy != "" {
		s.logger.Debugf("promotion held behind task=%s", plan.blockedBy)
	}
	s.logger.Debugf("scan waiting=%d promoted=%d available=%s stale=%t",
		len(live), promoted, model.HumanBytes(available), snap.Stale)
}

// Reevaluate runs a waiting-queue scan now.
func (s *Scheduler) Reevaluate(ctx context.Context) {
	s.scan(ctx)
}

// Cancel requests cancellation of id. Cancelling a finished task is a no-op.
func (s *Scheduler) Cancel(id string) (registry.CancelResult, error) {
	res, err := s.reg.RequestCancel(id)
	if err != nil {
		return res, err
	}
	if res == registry.CancelDone {
		s.queue.remove(id)
	}
	return res, nil
}

// CancelAll cancels every unfinished task of owner, or of everyone when owner
// is empty. It returns how many tasks were cancelled or flagged.
func (s *Scheduler) CancelAll(owner string) (int, error) {
	tasks := s.reg.List(registry.Filter{
		Owner:    owner,
		Statuses: []model.Status{model.StatusQueued, model.StatusWaitingSpace, model.StatusDownloading},
	})
	n := 0
	var errs []error
	for _, t := range tasks {
		res, err := s.Cancel(t.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res != registry.CancelNoop {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *Scheduler) Get(id string) (model.Task, error) {
	return s.reg.Get(id)
}

func (s *Scheduler) List(f registry.Filter) []model.Task {
	return s.reg.List(f)
}

// Wait blocks until id is terminal or ctx ends, and returns its final state.
func (s *Scheduler) Wait(ctx context.Context, id string) (model.Task, error) {
	done, err := s.reg.Done(id)
	if err != nil {
		return model.Task{}, err
	}
	select {
	case <-done:
		return s.reg.Get(id)
	case <-ctx.Done():
		return model.Task{}, ctx.Err()
	}
}

// Subscribe registers fn for the given event types, or all of them.
func (s *Scheduler) Subscribe(fn events.Subscriber, types ...events.EventType) func() {
	return s.bus.Subscribe(fn, types...)
}

// SpaceReport describes the volume as the scheduler sees it.
type SpaceReport struct {
	Total            int64       `json:"total"`
	Free             int64       `json:"free"`
	Outstanding      int64       `json:"outstanding"`
	Available        int64       `json:"available"` // free minus outstanding and bytes written since the reading
	Headroom         int64       `json:"headroom"`  // available minus reserve
	Reserve          int64       `json:"reserve"`
	WarningThreshold int64       `json:"warning_threshold"`
	Level            space.Level `json:"level"`
	TakenAt          time.Time   `json:"taken_at"`
	Stale            bool        `json:"stale"`
	Running          int         `json:"running"`
	Waiting          int         `json:"waiting"`
	Queued           int         `json:"queued"`
}

// SpaceReport returns the current snapshot; with refresh it probes first.
func (s *Scheduler) SpaceReport(ctx context.Context, refresh bool) SpaceReport {
	snap := s.tracker.Current()
	if refresh {
		snap, _ = s.tracker.Refresh(ctx)
	}
	available := s.available(snap)
	return SpaceReport{
		Total:            snap.Total,
		Free:             snap.Free,
		Outstanding:      s.reg.Outstanding(),
		Available:        available,
		Headroom:         available - snap.Reserve,
		Reserve:          snap.Reserve,
		WarningThreshold: snap.WarningThreshold,
		Level:            snap.Level(),
		TakenAt:          snap.TakenAt,
		Stale:            snap.Stale,
		Running:          s.reg.Count(model.StatusDownloading),
		Waiting:          s.reg.Count(model.StatusWaitingSpace),
		Queued:           s.reg.Count(model.StatusQueued),
	}
}

// Stats summarises the tasks of owner, or of everyone when owner is empty.
type Stats struct {
	Owner          string               `json:"owner,omitempty"`
	Total          int                  `json:"total"`
	ByStatus       map[model.Status]int `json:"by_status"`
	CompletedBytes int64                `json:"completed_bytes"`
	// DroppedEvents counts events lost on full subscriber buffers, by type.
	DroppedEvents map[events.EventType]int `json:"dropped_events,omitempty"`
}

func (s *Scheduler) Stats(owner string) Stats {
	st := Stats{Owner: owner, ByStatus: make(map[model.Status]int)}
	for _, t := range s.reg.List(registry.Filter{Owner: owner}) {
		st.Total++
		st.ByStatus[t.Status]++
		if t.Status == model.StatusCompleted {
			st.CompletedBytes += t.BytesTransferred
		}
	}
	for _, typ := range events.AllEventTypes {
		if n := s.bus.Dropped(typ); n > 0 {
			if st.DroppedEvents == nil {
				st.DroppedEvents = make(map[events.EventType]int)
			}
			st.DroppedEvents[typ] = n
		}
	}
	return st
}
