package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/registry"
	"github.com/msageha/fetchd/internal/retry"
	"github.com/msageha/fetchd/internal/transport"
)

const abortTimeout = 30 * time.Second

// executor runs one transfer attempt and records its outcome.
type executor struct {
	reg              *registry.Registry
	transport        transport.Transport
	policy           retry.Policy
	progressInterval time.Duration
	storageRoot      string
	logger           *logging.Logger
	now              func() time.Time

	// requeue hands a task that will be retried back to the ready queue.
	requeue func(model.Task)
	// released is called after a task that freed disk space reaches a
	// terminal state.
	released func()
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeCancelled
	outcomeInterrupted
)

func (o outcome) String() string {
	return [...]string{"completed", "retry", "failed", "cancelled", "interrupted"}[o]
}

// run performs the transfer of task, which is already downloading. runCtx is
// the pool's lifetime; when it ends the task is requeued without penalty.
func (e *executor) run(runCtx context.Context, task model.Task) outcome {
	ctx, cancel := context.WithCancelCause(runCtx)
	defer cancel(nil)

	if err := e.reg.SetAbort(task.ID, func() { cancel(model.ErrCancelled) }); err != nil {
		// cancelled or otherwise moved on between dispatch and here
		e.logger.Warnf("abort hook not registered task=%s err=%v", task.ID, err)
		return outcomeCancelled
	}

	req := transport.Request{
		TaskID:   task.ID,
		Owner:    task.Owner,
		Source:   task.Source,
		DestPath: task.DestPath,
		Size:     task.EstimatedSize,
	}

	e.logger.Infof("transfer start task=%s attempt=%d/%d size=%s dest=%s",
		task.ID, task.Retry.Attempts, task.Retry.MaxAttempts, model.HumanBytes(task.EstimatedSize), task.DestPath)
	started := e.now()
	err := e.transport.Transfer(ctx, req, e.progressFunc(ctx, task.ID, started))

	return e.finish(runCtx, ctx, task, req, err, started)
}

// progressFunc rate-limits registry updates to progressInterval and stops the
// transfer once cancellation has been requested.
func (e *executor) progressFunc(ctx context.Context, id string, started time.Time) transport.ProgressFunc {
	var (
		mu       sync.Mutex
		last     time.Time
		lastDone int64
	)
	return func(done, total int64) error {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		now := e.now()

		mu.Lock()
		finalChunk := total > 0 && done >= total
		if !last.IsZero() && now.Sub(last) < e.progressInterval && !finalChunk {
			mu.Unlock()
			return nil
		}
		var speed int64
		if !last.IsZero() {
			if dt := now.Sub(last).Seconds(); dt > 0 {
				speed = int64(float64(done-lastDone) / dt)
			}
		} else if dt := now.Sub(started).Seconds(); dt > 0 {
			speed = int64(float64(done) / dt)
		}
		last, lastDone = now, done
		mu.Unlock()

		cancelRequested, err := e.reg.UpdateProgress(id, done, max(speed, 0))
		if cancelRequested {
			return model.ErrCancelled
		}
		if err != nil {
			return err
		}
		return nil
	}
}

func (e *executor) finish(runCtx, ctx context.Context, task model.Task, req transport.Request, err error, started time.Time) outcome {
	id := task.ID
	elapsed := e.now().Sub(started).Round(time.Millisecond)

	// cancellation wins over success: the user asked for the file not to be kept
	if e.reg.CancelRequested(id) || errors.Is(context.Cause(ctx), model.ErrCancelled) || errors.Is(err, model.ErrCancelled) {
		req.Finished = err == nil
		e.cleanup(req)
		if _, terr := e.reg.Transition(id, []model.Status{model.StatusDownloading}, model.StatusCancelled, func(t *model.Task) {
			t.CancelRequested = true
		}); terr != nil {
			e.logger.Errorf("cancel transition failed task=%s err=%v", id, terr)
		}
		e.logger.Infof("transfer cancelled task=%s elapsed=%s", id, elapsed)
		e.released()
		return outcomeCancelled
	}

	if err == nil {
		size := int64(-1)
		if fi, statErr := os.Stat(req.DestPath); statErr == nil {
			size = fi.Size()
		}
		if _, terr := e.reg.Transition(id, []model.Status{model.StatusDownloading}, model.StatusCompleted, func(t *model.Task) {
			if size >= 0 {
				t.BytesTransferred = size
			} else if t.BytesTransferred < t.EstimatedSize {
				t.BytesTransferred = t.EstimatedSize
			}
			t.LastError = ""
		}); terr != nil {
			e.logger.Errorf("complete transition failed task=%s err=%v", id, terr)
		}
		e.logger.Infof("transfer completed task=%s elapsed=%s", id, elapsed)
		return outcomeCompleted
	}

	if runCtx.Err() != nil {
		// shutdown: give the attempt back and leave the partial file for resume
		if _, terr := e.reg.Transition(id, []model.Status{model.StatusDownloading}, model.StatusQueued, func(t *model.Task) {
			if t.Retry.Attempts > 0 {
				t.Retry.Attempts--
			}
			t.LastError = "interrupted by shutdown"
		}); terr != nil {
			e.logger.Errorf("requeue on shutdown failed task=%s err=%v", id, terr)
		}
		e.logger.Infof("transfer interrupted task=%s elapsed=%s", id, elapsed)
		return outcomeInterrupted
	}

	current, gerr := e.reg.Get(id)
	if gerr != nil {
		e.logger.Errorf("task vanished during transfer task=%s err=%v", id, gerr)
		return outcomeFailed
	}
	decision := e.policy.Decide(err, current.Retry.Attempts)

	switch decision.Action {
	case retry.ActionRetry:
		notBefore := e.now().Add(decision.Delay)
		next, terr := e.reg.Transition(id, []model.Status{model.StatusDownloading}, model.StatusQueued, func(t *model.Task) {
			t.Retry.NotBefore = &notBefore
			t.LastError = err.Error()
		})
		if terr != nil {
			e.logger.Errorf("retry transition failed task=%s err=%v", id, terr)
			return outcomeFailed
		}
		e.logger.Warnf("transfer failed, retrying task=%s %s delay=%s err=%v", id, decision.Detail, decision.Delay, err)
		e.requeue(next)
		return outcomeRetry

	case retry.ActionCancel:
		// the transport saw a cancelled context we did not ask for
		e.cleanup(req)
		if _, terr := e.reg.Transition(id, []model.Status{model.StatusDownloading}, model.StatusCancelled, nil); terr != nil {
			e.logger.Errorf("cancel transition failed task=%s err=%v", id, terr)
		}
		e.released()
		return outcomeCancelled
	}

	e.cleanup(req)
	if _, terr := e.reg.Transition(id, []model.Status{model.StatusDownloading}, model.StatusFailed, func(t *model.Task) {
		t.FailureReason = decision.Reason
		t.LastError = err.Error()
	}); terr != nil {
		e.logger.Errorf("fail transition failed task=%s err=%v", id, terr)
	}
	e.logger.Errorf("transfer failed task=%s reason=%s %s err=%v", id, decision.Reason, decision.Detail, err)
	e.released()
	return outcomeFailed
}

// cleanup asks the transport to remove partial data, then prunes directories
// the transfer left empty. Errors are logged only.
func (e *executor) cleanup(req transport.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := e.transport.Abort(ctx, req); err != nil {
		e.logger.Warnf("abort cleanup failed task=%s err=%v", req.TaskID, err)
	}
	if n := pruneEmptyDirs(filepath.Dir(req.DestPath), e.storageRoot); n > 0 {
		e.logger.Debugf("pruned empty directories task=%s count=%d", req.TaskID, n)
	}
}

// pruneEmptyDirs removes dir and its empty ancestors, stopping at root
// (exclusive) or at the first directory that is not empty. It never leaves
// root's subtree.
func pruneEmptyDirs(dir, root string) int {
	if root == "" {
		return 0
	}
	root = filepath.Clean(root)
	dir = filepath.Clean(dir)
	removed := 0
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		removed++
		dir = filepath.Dir(dir)
	}
	return removed
}
