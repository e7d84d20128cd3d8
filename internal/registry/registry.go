// Package registry holds the canonical state of every transfer task. All
// status changes go through Transition, which is the single serialization
// point of the scheduler.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
)

// Filter selects tasks for List. Zero fields match everything.
type Filter struct {
	Statuses []model.Status
	Owner    string
}

func (f Filter) match(t *model.Task) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, t.Status)
}

type CancelResult int

const (
	// CancelNoop: the task was already terminal.
	CancelNoop CancelResult = iota
	// CancelDone: the task was not running and is now cancelled.
	CancelDone
	// CancelPending: the task is running; its transfer has been asked to stop.
	CancelPending
)

func (r CancelResult) String() string {
	switch r {
	case CancelDone:
		return "cancelled"
	case CancelPending:
		return "pending"
	default:
		return "noop"
	}
}

// AbortFunc stops the running transfer of a task.
type AbortFunc func()

type entry struct {
	task  model.Task
	abort AbortFunc
	done  chan struct{}
}

type Registry struct {
	mu          sync.Mutex
	tasks       map[string]*entry
	order       []string          // ids in submission order
	active      map[string]string // cleaned dest path -> id, non-terminal tasks only
	seq         uint64
	maxAttempts int
	written     int64 // bytes transfers reported writing, never decreases

	publisher events.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry. Every task receives maxAttempts as its
// attempt budget. publisher may be nil.
func New(maxAttempts int, publisher events.Publisher, logger *logging.Logger, opts ...Option) *Registry {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	r := &Registry{
		tasks:       make(map[string]*entry),
		active:      make(map[string]string),
		maxAttempts: maxAttempts,
		publisher:   publisher,
		logger:      logger.With("registry"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func destKey(p string) string {
	return filepath.Clean(p)
}

// Submit validates spec and records a new queued task.
func (r *Registry) Submit(spec model.TaskSpec) (model.Task, error) {
	if strings.TrimSpace(spec.Source) == "" {
		return model.Task{}, fmt.Errorf("%w: empty source", model.ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.DestPath) == "" {
		return model.Task{}, fmt.Errorf("%w: empty destination", model.ErrInvalidSpec)
	}
	if spec.EstimatedSize < 0 {
		return model.Task{}, fmt.Errorf("%w: negative size %d", model.ErrInvalidSpec, spec.EstimatedSize)
	}
	// a file already at the destination is never overwritten or cleaned up
	if _, err := os.Lstat(spec.DestPath); err == nil {
		return model.Task{}, fmt.Errorf("%w: %s already exists", model.ErrDuplicate, spec.DestPath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := destKey(spec.DestPath)
	if holder, ok := r.active[key]; ok {
		return model.Task{}, fmt.Errorf("%w: %s is held by %s", model.ErrDuplicate, spec.DestPath, holder)
	}

	now := r.now()
	id, err := r.newID(now)
	if err != nil {
		return model.Task{}, err
	}

	r.seq++
	e := &entry{
		task: model.Task{
			ID:            id,
			Seq:           r.seq,
			Owner:         spec.Owner,
			Source:        spec.Source,
			DestPath:      spec.DestPath,
			EstimatedSize: spec.EstimatedSize,
			Status:        model.StatusQueued,
			Retry:         model.RetryState{MaxAttempts: r.maxAttempts},
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		done: make(chan struct{}),
	}
	r.tasks[id] = e
	r.order = append(r.order, id)
	r.active[key] = id

	r.emit(&e.task, events.EventSubmitted, map[string]any{
		"source":         spec.Source,
		"dest_path":      spec.DestPath,
		"estimated_size": spec.EstimatedSize,
	})
	r.logger.Debugf("submitted task=%s owner=%s size=%s dest=%s", id, spec.Owner, model.HumanBytes(spec.EstimatedSize), spec.DestPath)
	return e.task.Clone(), nil
}

func (r *Registry) newID(now time.Time) (string, error) {
	for i := 0; i < 5; i++ {
		id, err := model.NewTaskID(now)
		if err != nil {
			return "", err
		}
		if _, exists := r.tasks[id]; !exists {
			return id, nil
		}
	}
	return "", errors.New("could not generate a unique task id")
}

func (r *Registry) Get(id string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return e.task.Clone(), nil
}

// List returns copies of the matching tasks in submission order.
func (r *Registry) List(f Filter) []model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Task
	for _, id := range r.order {
		e := r.tasks[id]
		if f.match(&e.task) {
			out = append(out, e.task.Clone())
		}
	}
	return out
}

// Count returns the number of tasks in status s.
func (r *Registry) Count(s model.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.tasks {
		if e.task.Status == s {
			n++
		}
	}
	return n
}

// Transition moves task id to status to, provided its current status is one
// of from and the edge exists in the task graph. mutate, if non-nil, edits
// the task before the change is committed. The returned task is the
// committed state.
func (r *Registry) Transition(id string, from []model.Status, to model.Status, mutate func(*model.Task)) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	cur := e.task.Status
	if !slices.Contains(from, cur) || model.ValidateTaskTransition(cur, to) != nil {
		return e.task.Clone(), &model.InvalidTransitionError{TaskID: id, Current: cur, To: to}
	}

	next := e.task.Clone()
	now := r.now()
	next.Status = to
	next.UpdatedAt = now
	switch to {
	case model.StatusDownloading:
		next.Retry.Attempts++
		next.Retry.NotBefore = nil
		next.StartedAt = &now
		next.SpeedBps = 0
		next.Skips = 0
	case model.StatusWaitingSpace:
		if next.WaitingSince == nil {
			next.WaitingSince = &now
		}
	case model.StatusQueued:
		next.WaitingSince = nil
		next.SpeedBps = 0
	}
	if model.IsTerminal(to) {
		next.FinishedAt = &now
		next.SpeedBps = 0
	}
	if mutate != nil {
		mutate(&next)
	}
	if next.Retry.Attempts < 0 || next.Retry.Attempts > next.Retry.MaxAttempts {
		return e.task.Clone(), fmt.Errorf("task %s: attempts %d outside budget %d", id, next.Retry.Attempts, next.Retry.MaxAttempts)
	}
	// identity and bookkeeping fields are owned by the registry
	next.ID, next.Seq, next.Status = e.task.ID, e.task.Seq, to
	if d := next.BytesTransferred - e.task.BytesTransferred; d > 0 && cur == model.StatusDownloading {
		r.written += d
	}

	e.task = next
	if cur == model.StatusDownloading {
		e.abort = nil
	}
	if model.IsTerminal(to) {
		delete(r.active, destKey(next.DestPath))
		close(e.done)
	}

	r.emit(&e.task, transitionEvent(cur, to), transitionData(cur, &e.task))
	r.logger.Debugf("transition task=%s %s->%s attempts=%d/%d", id, cur, to, next.Retry.Attempts, next.Retry.MaxAttempts)
	return e.task.Clone(), nil
}

func transitionEvent(from, to model.Status) events.EventType {
	switch to {
	case model.StatusWaitingSpace:
		return events.EventWaiting
	case model.StatusDownloading:
		return events.EventStarted
	case model.StatusCompleted:
		return events.EventCompleted
	case model.StatusFailed:
		return events.EventFailed
	case model.StatusCancelled:
		return events.EventCancelled
	}
	if from == model.StatusDownloading {
		return events.EventRetrying
	}
	return events.EventAdmitted
}

func transitionData(from model.Status, t *model.Task) map[string]any {
	data := map[string]any{
		"from":         string(from),
		"to":           string(t.Status),
		"attempts":     t.Retry.Attempts,
		"max_attempts": t.Retry.MaxAttempts,
	}
	if t.Retry.NotBefore != nil {
		data["not_before"] = t.Retry.NotBefore.UTC().Format(time.RFC3339Nano)
	}
	if t.LastError != "" {
		data["error"] = t.LastError
	}
	if t.FailureReason != model.ReasonNone {
		data["reason"] = string(t.FailureReason)
	}
	if t.Status == model.StatusCompleted {
		data["bytes"] = t.BytesTransferred
	}
	if model.IsTerminal(t.Status) {
		data["dest"] = t.DestPath
	}
	return data
}

// Note publishes an event for task id without changing its state, ordered
// with the task's transitions.
func (r *Registry) Note(id string, typ events.EventType, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	r.emit(&e.task, typ, data)
	return nil
}

// MarkSkipped increments the skip counter of a waiting task and returns it.
func (r *Registry) MarkSkipped(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if e.task.Status != model.StatusWaitingSpace {
		return e.task.Skips, &model.InvalidTransitionError{TaskID: id, Current: e.task.Status, To: model.StatusWaitingSpace}
	}
	e.task.Skips++
	return e.task.Skips, nil
}

// RequestCancel cancels a task that is not running, or flags a running task
// and fires its abort hook. Cancelling a terminal task is a no-op.
func (r *Registry) RequestCancel(id string) (CancelResult, error) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return CancelNoop, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}

	switch e.task.Status {
	case model.StatusQueued, model.StatusWaitingSpace:
		r.mu.Unlock()
		_, err := r.Transition(id, []model.Status{model.StatusQueued, model.StatusWaitingSpace}, model.StatusCancelled, func(t *model.Task) {
			t.CancelRequested = true
		})
		var ite *model.InvalidTransitionError
		if errors.As(err, &ite) {
			// lost a race with dispatch or another cancel; look again
			return r.RequestCancel(id)
		}
		if err != nil {
			return CancelNoop, err
		}
		return CancelDone, nil

	case model.StatusDownloading:
		first := !e.task.CancelRequested
		e.task.CancelRequested = true
		e.task.UpdatedAt = r.now()
		abort := e.abort
		r.mu.Unlock()
		if first {
			r.logger.Infof("cancel requested task=%s", id)
		}
		if abort != nil {
			abort()
		}
		return CancelPending, nil

	default:
		r.mu.Unlock()
		return CancelNoop, nil
	}
}

// SetAbort registers the hook that stops the running transfer of id. If a
// cancellation was requested before the hook existed, it fires immediately.
func (r *Registry) SetAbort(id string, fn AbortFunc) error {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if e.task.Status != model.StatusDownloading {
		cur := e.task.Status
		r.mu.Unlock()
		return &model.InvalidTransitionError{TaskID: id, Current: cur, To: model.StatusDownloading}
	}
	e.abort = fn
	fire := e.task.CancelRequested
	r.mu.Unlock()

	if fire && fn != nil {
		fn()
	}
	return nil
}

// CancelRequested reports the cancellation flag of id.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	return ok && e.task.CancelRequested
}

// UpdateProgress records transfer progress for a downloading task and
// reports whether cancellation has been requested.
func (r *Registry) UpdateProgress(id string, transferred, speed int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if e.task.Status != model.StatusDownloading {
		return e.task.CancelRequested, &model.InvalidTransitionError{TaskID: id, Current: e.task.Status, To: model.StatusDownloading}
	}
	if transferred < 0 {
		transferred = 0
	}
	if d := transferred - e.task.BytesTransferred; d > 0 {
		r.written += d
	}
	e.task.BytesTransferred = transferred
	e.task.SpeedBps = speed
	e.task.UpdatedAt = r.now()

	r.emit(&e.task, events.EventProgress, map[string]any{
		"bytes":     transferred,
		"total":     e.task.EstimatedSize,
		"speed_bps": speed,
		"progress":  e.task.Progress(),
		"eta_sec":   int64(e.task.ETA().Seconds()),
	})
	return e.task.CancelRequested, nil
}

// Done returns a channel closed when id reaches a terminal status.
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return e.done, nil
}

// Outstanding is the number of bytes promised to running transfers but not
// yet written.
func (r *Registry) Outstanding() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstandingLocked()
}

// Written is the running total of bytes transfers have reported writing.
func (r *Registry) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Unaccounted returns the bytes a volume reading taken when Written was
// baseline does not reflect: what running transfers still have to write plus
// everything written since the reading.
func (r *Registry) Unaccounted(baseline int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstandingLocked() + max(r.written-baseline, 0)
}

func (r *Registry) outstandingLocked() int64 {
	var total int64
	for _, e := range r.tasks {
		if e.task.Status != model.StatusDownloading {
			continue
		}
		if rest := e.task.EstimatedSize - e.task.BytesTransferred; rest > 0 {
			total += rest
		}
	}
	return total
}

// Evict removes terminal tasks that finished before cutoff and returns how
// many were removed.
func (r *Registry) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		e := r.tasks[id]
		if model.IsTerminal(e.task.Status) && e.task.FinishedAt != nil && e.task.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	if removed > 0 {
		r.logger.Infof("evicted terminal tasks count=%d cutoff=%s", removed, cutoff.Format(time.RFC3339))
	}
	return removed
}

// Snapshot returns copies of all tasks in submission order.
func (r *Registry) Snapshot() []model.Task {
	return r.List(Filter{})
}

// Restore loads tasks saved by Snapshot into an empty registry. Transfers that
// were running when the snapshot was taken are requeued without consuming an
// attempt, or cancelled if cancellation had already been requested.
func (r *Registry) Restore(tasks []model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) != 0 {
		return errors.New("restore into a non-empty registry")
	}

	sorted := slices.Clone(tasks)
	slices.SortStableFunc(sorted, func(a, b model.Task) int {
		switch {
		case a.Seq == b.Seq:
			return 0
		case a.Seq == 0:
			return 1
		case b.Seq == 0:
			return -1
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	now := r.now()
	requeued := 0
	for _, t := range sorted {
		if !model.ValidTaskID(t.ID) || !model.IsKnownStatus(t.Status) {
			r.logger.Warnf("restore skipped invalid task id=%q status=%q", t.ID, t.Status)
			continue
		}
		if _, dup := r.tasks[t.ID]; dup {
			r.logger.Warnf("restore skipped duplicate task id=%s", t.ID)
			continue
		}
		t = t.Clone()
		if t.Retry.MaxAttempts <= 0 {
			t.Retry.MaxAttempts = r.maxAttempts
		}
		if t.Status == model.StatusDownloading {
			if t.CancelRequested {
				t.Status = model.StatusCancelled
				t.FinishedAt = &now
			} else {
				t.Status = model.StatusQueued
				if t.Retry.Attempts > 0 {
					t.Retry.Attempts--
				}
				requeued++
			}
			t.SpeedBps = 0
			t.UpdatedAt = now
		}
		if t.Retry.Attempts > t.Retry.MaxAttempts {
			t.Retry.Attempts = t.Retry.MaxAttempts
		}
		if !model.IsTerminal(t.Status) {
			key := destKey(t.DestPath)
			if holder, ok := r.active[key]; ok {
				r.logger.Warnf("restore skipped task=%s: destination held by %s", t.ID, holder)
				continue
			}
			r.active[key] = t.ID
		}

		e := &entry{task: t, done: make(chan struct{})}
		if model.IsTerminal(t.Status) {
			close(e.done)
		}
		r.tasks[t.ID] = e
		r.order = append(r.order, t.ID)
		if t.Seq > r.seq {
			r.seq = t.Seq
		}
	}
	// tasks saved without a sequence number go to the back
	for _, id := range r.order {
		e := r.tasks[id]
		if e.task.Seq == 0 {
			r.seq++
			e.task.Seq = r.seq
		}
	}
	r.logger.Infof("restored tasks count=%d requeued=%d", len(r.order), requeued)
	return nil
}

func (r *Registry) emit(t *model.Task, typ events.EventType, data map[string]any) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(events.Event{
		Type:      typ,
		Timestamp: r.now().UTC(),
		TaskID:    t.ID,
		Owner:     t.Owner,
		Data:      data,
	})
}
