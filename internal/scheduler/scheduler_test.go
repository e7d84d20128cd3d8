package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/registry"
	"github.com/msageha/fetchd/internal/space"
	"github.com/msageha/fetchd/internal/transport"
)

// fakeTransport scripts transfer outcomes per source.
type fakeTransport struct {
	mu         sync.Mutex
	running    int
	maxRunning int
	calls      map[string]int
	script     map[string][]error
	gates      map[string]chan struct{}
	aborted    map[string]int
	finished   map[string]bool // Request.Finished of the last Abort per source
	partial    map[string]int64
	output     map[string]int // bytes written to DestPath on success
	during     func(req transport.Request)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:    make(map[string]int),
		script:   make(map[string][]error),
		gates:    make(map[string]chan struct{}),
		aborted:  make(map[string]int),
		finished: make(map[string]bool),
		partial:  make(map[string]int64),
		output:   make(map[string]int),
	}
}

// hold makes transfers of source block until release or cancellation.
func (f *fakeTransport) hold(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[source] = make(chan struct{})
}

func (f *fakeTransport) release(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.gates[source]; ok {
		close(ch)
		delete(f.gates, source)
	}
}

// reportPartial makes the first progress report of source claim done bytes.
func (f *fakeTransport) reportPartial(source string, done int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partial[source] = done
}

// writeOutput makes a successful transfer of source leave n bytes at DestPath.
func (f *fakeTransport) writeOutput(source string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output[source] = n
}

func (f *fakeTransport) fail(source string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[source] = errs
}

func (f *fakeTransport) Transfer(ctx context.Context, req transport.Request, progress transport.ProgressFunc) error {
	f.mu.Lock()
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	n := f.calls[req.Source]
	f.calls[req.Source]++
	gate := f.gates[req.Source]
	var result error
	if n < len(f.script[req.Source]) {
		result = f.script[req.Source][n]
	}
	during := f.during
	first := f.partial[req.Source]
	out, writes := f.output[req.Source]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if err := progress(first, req.Size); err != nil {
		return err
	}
	if during != nil {
		// report success without a final progress call, as if the last
		// chunk landed just as the cancel arrived
		during(req)
		return nil
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if result != nil {
		return result
	}
	if writes {
		if err := os.MkdirAll(filepath.Dir(req.DestPath), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(req.DestPath, make([]byte, out), 0644); err != nil {
			return err
		}
	}
	return progress(req.Size, req.Size)
}

func (f *fakeTransport) Abort(_ context.Context, req transport.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted[req.Source]++
	f.finished[req.Source] = req.Finished
	return nil
}

func (f *fakeTransport) callCount(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[source]
}

func (f *fakeTransport) abortCount(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted[source]
}

func (f *fakeTransport) abortedFinished(source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished[source]
}

func (f *fakeTransport) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

// fakeVolume is a probe whose readings tests can change.
type fakeVolume struct {
	total atomic.Int64
	free  atomic.Int64
}

func newFakeVolume(totalGB, freeGB int64) *fakeVolume {
	v := &fakeVolume{}
	v.total.Store(totalGB * gb)
	v.free.Store(freeGB * gb)
	return v
}

func (v *fakeVolume) Usage(string) (space.Usage, error) {
	return space.Usage{Total: v.total.Load(), Free: v.free.Load()}, nil
}

type harness struct {
	t    *testing.T
	s    *Scheduler
	tr   *fakeTransport
	vol  *fakeVolume
	root string
	mu   sync.Mutex
	seen []events.Event
}

func testConfig(root string, workers int) model.Config {
	var cfg model.Config
	cfg.Storage.Root = root
	cfg.Storage.Reserve = 5 * model.GB
	cfg.Storage.WarningThreshold = 10 * model.GB
	cfg.Workers.Count = workers
	cfg.Retry = model.RetryConfig{MaxAttempts: 3, BaseDelayMs: 10, Multiplier: 2, MaxDelayMs: 50}
	cfg.Progress.IntervalMs = 1
	cfg.Monitor.DebounceMs = 10
	return cfg
}

func newHarness(t *testing.T, workers int, vol *fakeVolume, mutate func(*model.Config), opts ...Option) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := testConfig(root, workers)
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{t: t, tr: newFakeTransport(), vol: vol, root: root}

	opts = append([]Option{WithMonitorInterval(time.Hour)}, opts...)
	s, err := New(cfg, Deps{Transport: h.tr, Probe: vol}, opts...)
	require.NoError(t, err)
	h.s = s
	s.Subscribe(func(e events.Event) {
		h.mu.Lock()
		h.seen = append(h.seen, e)
		h.mu.Unlock()
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return h
}

func (h *harness) submit(source string, sizeGB int64) model.Task {
	h.t.Helper()
	task, err := h.s.Submit(model.TaskSpec{
		Owner:         "alice",
		Source:        source,
		DestPath:      filepath.Join(h.root, "dl", filepath.Base(source)),
		EstimatedSize: sizeGB * gb,
	})
	require.NoError(h.t, err)
	return task
}

func (h *harness) wait(id string) model.Task {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.s.Wait(ctx, id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) eventually(id string, want model.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		task, err := h.s.Get(id)
		return err == nil && task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func (h *harness) sawEvent(id string, typ events.EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.seen {
		if e.TaskID == id && e.Type == typ {
			return true
		}
	}
	return false
}

func TestScheduler_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t, 2, newFakeVolume(100, 50), nil)
	for _, src := range []string{"http://x/a", "http://x/b", "http://x/c"} {
		h.tr.hold(src)
	}

	a := h.submit("http://x/a", 1)
	b := h.submit("http://x/b", 1)
	c := h.submit("http://x/c", 1)

	h.eventually(a.ID, model.StatusDownloading)
	h.eventually(b.ID, model.StatusDownloading)

	time.Sleep(30 * time.Millisecond)
	got, err := h.s.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, 2, h.s.Registry().Count(model.StatusDownloading))

	h.tr.release("http://x/a")
	assert.Equal(t, model.StatusCompleted, h.wait(a.ID).Status)
	h.eventually(c.ID, model.StatusDownloading)

	h.tr.release("http://x/b")
	h.tr.release("http://x/c")
	assert.Equal(t, model.StatusCompleted, h.wait(b.ID).Status)
	assert.Equal(t, model.StatusCompleted, h.wait(c.ID).Status)
	assert.Equal(t, 2, h.tr.peak())
}

func TestScheduler_NeverExceedsPoolSize(t *testing.T) {
	h := newHarness(t, 3, newFakeVolume(1000, 500), nil)
	var ids []string
	for i := 0; i < 12; i++ {
		src := "http://x/f" + string(rune('a'+i))
		h.tr.fail(src, model.Transient("get", errors.New("reset")))
		ids = append(ids, h.submit(src, 1).ID)
	}
	for _, id := range ids {
		task := h.wait(id)
		assert.Equal(t, model.StatusCompleted, task.Status)
		assert.Equal(t, 2, task.Retry.Attempts)
	}
	assert.LessOrEqual(t, h.tr.peak(), 3)
}

func TestScheduler_AdmissionKeepsReserve(t *testing.T) {
	h := newHarness(t, 3, newFakeVolume(100, 10), nil)
	h.tr.hold("http://x/small")

	big := h.submit("http://x/big", 6)
	assert.Equal(t, model.StatusWaitingSpace, big.Status)

	small := h.submit("http://x/small", 4)
	assert.NotEqual(t, model.StatusWaitingSpace, small.Status)
	h.eventually(small.ID, model.StatusDownloading)

	report := h.s.SpaceReport(context.Background(), false)
	assert.Equal(t, 4*gb, report.Outstanding)
	assert.Equal(t, 6*gb, report.Available)
	assert.Equal(t, 1*gb, report.Headroom)
	assert.Equal(t, 1, report.Running)
	assert.Equal(t, 1, report.Waiting)
	assert.Equal(t, space.LevelOK, report.Level)

	// a second 4GB task would eat into the reserve once the first is counted
	next := h.submit("http://x/next", 4)
	assert.Equal(t, model.StatusWaitingSpace, next.Status)
	h.tr.release("http://x/small")
	h.wait(small.ID)
}

func TestScheduler_AdmissionCountsBytesWrittenSinceLastReading(t *testing.T) {
	vol := newFakeVolume(100, 10)
	h := newHarness(t, 2, vol, nil)
	h.tr.hold("http://x/a")
	h.tr.reportPartial("http://x/a", 3*gb)

	a := h.submit("http://x/a", 4)
	require.Eventually(t, func() bool {
		got, err := h.s.Get(a.ID)
		return err == nil && got.BytesTransferred == 3*gb
	}, 5*time.Second, 5*time.Millisecond)
	// the volume already lost those 3GB; the snapshot has not been refreshed
	vol.free.Store(7 * gb)

	// 7GB free minus 1GB still to come leaves 6GB: 2GB + 5GB reserve does not fit
	b := h.submit("http://x/b", 2)
	assert.Equal(t, model.StatusWaitingSpace, b.Status)
	report := h.s.SpaceReport(context.Background(), false)
	assert.Equal(t, 1*gb, report.Outstanding)
	assert.Equal(t, 6*gb, report.Available)

	// a fresh reading agrees
	h.s.Reevaluate(context.Background())
	assert.Equal(t, model.StatusWaitingSpace, mustGet(t, h.s, b.ID).Status)
	assert.Equal(t, 6*gb, h.s.SpaceReport(context.Background(), false).Available)

	h.tr.release("http://x/a")
	assert.Equal(t, model.StatusCompleted, h.wait(a.ID).Status)
	vol.free.Store(20 * gb)
	h.s.Reevaluate(context.Background())
	assert.Equal(t, model.StatusCompleted, h.wait(b.ID).Status)
}

func TestScheduler_PromotesWhenSpaceFrees(t *testing.T) {
	vol := newFakeVolume(100, 10)
	h := newHarness(t, 2, vol, nil)

	task := h.submit("http://x/movie", 6)
	require.Equal(t, model.StatusWaitingSpace, task.Status)
	require.NotNil(t, task.WaitingSince)

	h.s.Reevaluate(context.Background())
	got, err := h.s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitingSpace, got.Status, "nothing changed on the volume")

	vol.free.Store(20 * gb)
	h.s.Reevaluate(context.Background())

	done := h.wait(task.ID)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Nil(t, done.WaitingSince)
	assert.Eventually(t, func() bool { return h.sawEvent(task.ID, events.EventWaiting) }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.sawEvent(task.ID, events.EventAdmitted) }, time.Second, 5*time.Millisecond)
}

func TestScheduler_MonitorTickPromotes(t *testing.T) {
	vol := newFakeVolume(100, 10)
	h := newHarness(t, 1, vol, nil, WithMonitorInterval(10*time.Millisecond))

	task := h.submit("http://x/show", 8)
	require.Equal(t, model.StatusWaitingSpace, task.Status)

	vol.free.Store(40 * gb)
	assert.Equal(t, model.StatusCompleted, h.wait(task.ID).Status)
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	h.tr.fail("http://x/flaky", model.Transient("get", errors.New("503 service unavailable")))

	task := h.submit("http://x/flaky", 1)
	done := h.wait(task.ID)

	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Retry.Attempts)
	assert.Equal(t, 2, h.tr.callCount("http://x/flaky"))
	assert.Empty(t, done.LastError)
	assert.Eventually(t, func() bool { return h.sawEvent(task.ID, events.EventRetrying) }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.tr.abortCount("http://x/flaky"), "a retried transfer keeps its partial data")
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	boom := model.Transient("get", errors.New("connection reset"))
	h.tr.fail("http://x/broken", boom, boom, boom, boom)

	task := h.submit("http://x/broken", 1)
	done := h.wait(task.ID)

	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, model.ReasonRetriesExhausted, done.FailureReason)
	assert.Equal(t, 3, done.Retry.Attempts)
	assert.Equal(t, 3, h.tr.callCount("http://x/broken"))
	assert.Equal(t, 1, h.tr.abortCount("http://x/broken"))
	assert.False(t, h.tr.abortedFinished("http://x/broken"), "only partial data is removed")
	assert.Contains(t, done.LastError, "connection reset")
}

func TestScheduler_FatalErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	h.tr.fail("http://x/gone", model.Fatal("get", errors.New("404 not found")))

	done := h.wait(h.submit("http://x/gone", 1).ID)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, model.ReasonTransferFatal, done.FailureReason)
	assert.Equal(t, 1, done.Retry.Attempts)
	assert.Equal(t, 1, h.tr.callCount("http://x/gone"))
}

func TestScheduler_UnsatisfiableFailsAtSubmit(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 90), nil)

	task := h.submit("http://x/huge", 200)
	assert.Equal(t, model.StatusFailed, task.Status)
	assert.Equal(t, model.ReasonUnsatisfiableSize, task.FailureReason)
	assert.Nil(t, task.WaitingSince)
	assert.Zero(t, h.tr.callCount("http://x/huge"))

	// size plus reserve is what has to fit
	edge := h.submit("http://x/edge", 96)
	assert.Equal(t, model.StatusFailed, edge.Status)
}

func TestScheduler_MaxFileSize(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 90), func(c *model.Config) {
		c.Storage.MaxFileSize = 2 * model.GB
	})
	_, err := h.s.Submit(model.TaskSpec{Source: "http://x/big", DestPath: filepath.Join(h.root, "big"), EstimatedSize: 3 * gb})
	require.ErrorIs(t, err, model.ErrTooLarge)
	assert.Empty(t, h.s.List(registry.Filter{}))
}

func TestScheduler_CancelQueuedAndWaiting(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 10), nil)
	h.tr.hold("http://x/first")

	first := h.submit("http://x/first", 1)
	h.eventually(first.ID, model.StatusDownloading)
	queued := h.submit("http://x/second", 1)
	waiting := h.submit("http://x/third", 9)
	require.Equal(t, model.StatusQueued, queued.Status)
	require.Equal(t, model.StatusWaitingSpace, waiting.Status)

	res, err := h.s.Cancel(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.CancelDone, res)
	res, err = h.s.Cancel(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.CancelDone, res)

	// second cancel is a no-op
	res, err = h.s.Cancel(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.CancelNoop, res)

	h.tr.release("http://x/first")
	assert.Equal(t, model.StatusCompleted, h.wait(first.ID).Status)
	assert.Zero(t, h.tr.callCount("http://x/second"))

	_, err = h.s.Cancel("task_0000000000_00000000")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestScheduler_CancelRunning(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	h.tr.hold("http://x/long")

	task := h.submit("http://x/long", 1)
	h.eventually(task.ID, model.StatusDownloading)

	nested := filepath.Join(h.root, "dl")
	require.NoError(t, os.MkdirAll(nested, 0755))

	res, err := h.s.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.CancelPending, res)

	done := h.wait(task.ID)
	assert.Equal(t, model.StatusCancelled, done.Status)
	assert.True(t, done.CancelRequested)
	assert.Equal(t, 1, h.tr.abortCount("http://x/long"))
	assert.NoDirExists(t, nested, "empty download directory is pruned")
	assert.DirExists(t, h.root)
}

func TestScheduler_CancelWinsOverSuccess(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	h.tr.during = func(req transport.Request) {
		_, _ = h.s.Cancel(req.TaskID)
	}

	done := h.wait(h.submit("http://x/race", 1).ID)
	assert.Equal(t, model.StatusCancelled, done.Status)
	assert.Equal(t, 1, h.tr.abortCount("http://x/race"))
	assert.True(t, h.tr.abortedFinished("http://x/race"), "the completed file belongs to this attempt")
}

func TestScheduler_CancelAll(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 10), nil)
	h.tr.hold("http://x/a")
	a := h.submit("http://x/a", 1)
	h.eventually(a.ID, model.StatusDownloading)
	b := h.submit("http://x/b", 1)
	c := h.submit("http://x/c", 20)

	other, err := h.s.Submit(model.TaskSpec{Owner: "bob", Source: "http://x/d", DestPath: filepath.Join(h.root, "d"), EstimatedSize: gb})
	require.NoError(t, err)

	n, err := h.s.CancelAll("alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, id := range []string{a.ID, b.ID, c.ID} {
		assert.Equal(t, model.StatusCancelled, h.wait(id).Status)
	}

	stats := h.s.Stats("alice")
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[model.StatusCancelled])

	assert.Equal(t, model.StatusCompleted, h.wait(other.ID).Status)
	bob := h.s.Stats("bob")
	assert.Equal(t, 1, bob.ByStatus[model.StatusCompleted])
	assert.Equal(t, gb, bob.CompletedBytes)
}

func TestScheduler_WaitTimeout(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 10), nil,
		WithMonitorInterval(10*time.Millisecond), WithMaxWait(30*time.Millisecond))

	task := h.submit("http://x/never", 20)
	require.Equal(t, model.StatusWaitingSpace, task.Status)

	done := h.wait(task.ID)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, model.ReasonWaitTimeout, done.FailureReason)
}

func TestScheduler_MaxSkipsHoldsSmallTasks(t *testing.T) {
	vol := newFakeVolume(100, 4)
	h := newHarness(t, 2, vol, func(c *model.Config) { c.Admission.MaxSkips = 1 })

	big := h.submit("http://x/big", 12)
	first := h.submit("http://x/first", 1)
	require.Equal(t, model.StatusWaitingSpace, big.Status)
	require.Equal(t, model.StatusWaitingSpace, first.Status)

	vol.free.Store(7 * gb)
	h.s.Reevaluate(context.Background())
	assert.Equal(t, model.StatusCompleted, h.wait(first.ID).Status)
	assert.Equal(t, 1, mustGet(t, h.s, big.ID).Skips)

	vol.free.Store(4 * gb)
	h.s.Reevaluate(context.Background())
	second := h.submit("http://x/second", 1)
	require.Equal(t, model.StatusWaitingSpace, second.Status)

	// second would fit, but big has used up its allowance
	vol.free.Store(7 * gb)
	h.s.Reevaluate(context.Background())
	assert.Equal(t, model.StatusWaitingSpace, mustGet(t, h.s, second.ID).Status)

	vol.free.Store(30 * gb)
	h.s.Reevaluate(context.Background())
	assert.Equal(t, model.StatusCompleted, h.wait(big.ID).Status)
	assert.Equal(t, model.StatusCompleted, h.wait(second.ID).Status)
	assert.Zero(t, mustGet(t, h.s, big.ID).Skips)
}

func mustGet(t *testing.T, s *Scheduler, id string) model.Task {
	t.Helper()
	task, err := s.Get(id)
	require.NoError(t, err)
	return task
}

func TestScheduler_CloseRequeuesRunningWithoutPenalty(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	h.tr.hold("http://x/partial")

	task := h.submit("http://x/partial", 1)
	h.eventually(task.ID, model.StatusDownloading)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.s.Close(ctx))

	got := mustGet(t, h.s, task.ID)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Zero(t, got.Retry.Attempts)
	assert.Zero(t, h.tr.abortCount("http://x/partial"), "partial data is kept for resume")

	_, err := h.s.Submit(model.TaskSpec{Source: "http://x/late", DestPath: filepath.Join(h.root, "late")})
	assert.ErrorIs(t, err, model.ErrClosed)
	assert.ErrorIs(t, h.s.Start(context.Background()), model.ErrClosed)
}

func TestScheduler_RestoredTasksResume(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(3, nil, nil)
	require.NoError(t, reg.Restore([]model.Task{{
		ID:            "task_1700000000_0000abcd",
		Seq:           1,
		Source:        "http://x/restored",
		DestPath:      filepath.Join(root, "restored"),
		EstimatedSize: gb,
		Status:        model.StatusDownloading,
		Retry:         model.RetryState{Attempts: 1, MaxAttempts: 3},
	}}))

	tr := newFakeTransport()
	s, err := New(testConfig(root, 1), Deps{Transport: tr, Probe: newFakeVolume(100, 50), Registry: reg}, WithMonitorInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := s.Wait(ctx, "task_1700000000_0000abcd")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Retry.Attempts, "the interrupted attempt was not charged")
}

func TestScheduler_CompletedSizeIsTheFileOnDisk(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	h.tr.writeOutput("http://x/small.bin", 1234)
	task := h.submit("http://x/small.bin", 1)
	done := h.wait(task.ID)

	require.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, int64(1234), done.BytesTransferred, "the estimate is replaced by the real size")
	assert.FileExists(t, task.DestPath)
}

func TestScheduler_ProgressEvents(t *testing.T) {
	h := newHarness(t, 1, newFakeVolume(100, 50), nil)
	task := h.submit("http://x/progress", 1)
	done := h.wait(task.ID)

	assert.Equal(t, gb, done.BytesTransferred)
	assert.Eventually(t, func() bool { return h.sawEvent(task.ID, events.EventProgress) }, time.Second, 5*time.Millisecond)
}

func TestScheduler_StatsReportDroppedEvents(t *testing.T) {
	bus := events.NewBus(1)
	block := make(chan struct{})
	defer close(block)
	bus.Subscribe(func(events.Event) { <-block }, events.EventProgress)

	s, err := New(testConfig(t.TempDir(), 1), Deps{Transport: newFakeTransport(), Probe: newFakeVolume(100, 50), Bus: bus})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{Type: events.EventProgress, TaskID: "task_1700000000_00000001"})
	}

	st := s.Stats("")
	assert.GreaterOrEqual(t, st.DroppedEvents[events.EventProgress], 3)
	assert.NotContains(t, st.DroppedEvents, events.EventCompleted)
}

func TestScheduler_UnknownVolumeParksEverything(t *testing.T) {
	failing := space.ProbeFunc(func(string) (space.Usage, error) {
		return space.Usage{}, errors.New("statfs: no such device")
	})
	tr := newFakeTransport()
	s, err := New(testConfig(t.TempDir(), 1), Deps{Transport: tr, Probe: failing}, WithMonitorInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	task, err := s.Submit(model.TaskSpec{Source: "http://x/a", DestPath: "/tmp/fetchd-a", EstimatedSize: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitingSpace, task.Status)

	report := s.SpaceReport(context.Background(), true)
	assert.Equal(t, space.LevelUnknown, report.Level)
	assert.True(t, report.Stale)
}

func TestScheduler_OversizeTaskOnceVolumeIsMeasured(t *testing.T) {
	var healthy atomic.Bool
	probe := space.ProbeFunc(func(string) (space.Usage, error) {
		if !healthy.Load() {
			return space.Usage{}, errors.New("statfs: device not ready")
		}
		return space.Usage{Total: 100 * gb, Free: 50 * gb}, nil
	})
	root := t.TempDir()
	s, err := New(testConfig(root, 1), Deps{Transport: newFakeTransport(), Probe: probe}, WithMonitorInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	// still unreadable: nothing can be judged, the task waits
	parked, err := s.Submit(model.TaskSpec{Source: "http://x/huge", DestPath: filepath.Join(root, "huge"), EstimatedSize: 200 * gb})
	require.NoError(t, err)
	require.Equal(t, model.StatusWaitingSpace, parked.Status)

	healthy.Store(true)
	s.Reevaluate(context.Background())
	got := mustGet(t, s, parked.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.ReasonUnsatisfiableSize, got.FailureReason)
}

func TestScheduler_SubmitMeasuresUnreadVolume(t *testing.T) {
	var healthy atomic.Bool
	probe := space.ProbeFunc(func(string) (space.Usage, error) {
		if !healthy.Load() {
			return space.Usage{}, errors.New("statfs: device not ready")
		}
		return space.Usage{Total: 100 * gb, Free: 50 * gb}, nil
	})
	root := t.TempDir()
	s, err := New(testConfig(root, 1), Deps{Transport: newFakeTransport(), Probe: probe}, WithMonitorInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	require.Equal(t, space.LevelUnknown, s.SpaceReport(context.Background(), false).Level)

	// the startup reading failed; submit takes one before judging
	healthy.Store(true)
	task, err := s.Submit(model.TaskSpec{Source: "http://x/huge", DestPath: filepath.Join(root, "huge"), EstimatedSize: 200 * gb})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, task.Status)
	assert.Equal(t, model.ReasonUnsatisfiableSize, task.FailureReason)
	assert.Nil(t, task.WaitingSince)
}

func TestPruneEmptyDirs(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "keep.txt"), []byte("x"), 0644))

	assert.Equal(t, 2, pruneEmptyDirs(deep, root))
	assert.NoDirExists(t, filepath.Join(root, "a", "b"))
	assert.DirExists(t, filepath.Join(root, "a"))

	assert.Zero(t, pruneEmptyDirs(root, root), "root itself is never removed")
	outside := t.TempDir()
	assert.Zero(t, pruneEmptyDirs(outside, root))
	assert.DirExists(t, outside)
	assert.Zero(t, pruneEmptyDirs(deep, ""))
}
