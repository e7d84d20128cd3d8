// Package daemon runs the fetchd process: it owns the scheduler, persists its
// tasks and serves the Unix socket the CLI talks to.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/intake"
	"github.com/msageha/fetchd/internal/lock"
	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/notify"
	"github.com/msageha/fetchd/internal/registry"
	"github.com/msageha/fetchd/internal/retry"
	"github.com/msageha/fetchd/internal/scheduler"
	"github.com/msageha/fetchd/internal/space"
	"github.com/msageha/fetchd/internal/transport"
	"github.com/msageha/fetchd/internal/uds"
)

const (
	// maxWaitTimeout bounds a single wait request on the socket.
	maxWaitTimeout = 10 * time.Minute
	resolveTimeout = time.Minute
)

// Daemon is the main fetchd process.
type Daemon struct {
	dataDir string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	bus      *events.Bus
	store    *registry.Store
	audit    *events.AuditLogger
	auth     *intake.AllowList
	intake   *intake.Intake
	sched    *scheduler.Scheduler
	unsubs   []func()

	transport transport.Transport
	namer     intake.Namer
	probe     space.Probe
	sender    notify.Sender

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown sync.Once
	stopped  chan struct{}
}

// SetTransport replaces the HTTP transport. Must be called before Start.
func (d *Daemon) SetTransport(t transport.Transport) {
	d.transport = t
}

// SetNamer replaces the URL namer. Must be called before Start.
func (d *Daemon) SetNamer(n intake.Namer) {
	d.namer = n
}

// SetProbe replaces the statfs volume probe. Must be called before Start.
func (d *Daemon) SetProbe(p space.Probe) {
	d.probe = p
}

// SetSender replaces the desktop notification command. Must be called before Start.
func (d *Daemon) SetSender(s notify.Sender) {
	d.sender = s
}

// New creates a Daemon rooted at dataDir, logging to logs/daemon.log.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(dataDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = filepath.Join(dataDir, "downloads")
	}
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	server := uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName), logger)
	server.SetConnTimeout(maxWaitTimeout + 30*time.Second)

	return &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:   server,
		bus:      events.NewBus(cfg.Events.Buffer()),
		store:    registry.NewStore(dataDir, filepath.Join(dataDir, "state", "tasks.yaml"), logger),
		auth:     intake.NewAllowList(cfg.Auth.AuthorizedOwners),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		stopped:  make(chan struct{}),
	}, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up and returns once the socket is listening.
func (d *Daemon) Start() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d root=%s", os.Getpid(), d.config.Storage.Root)

	if err := os.MkdirAll(d.config.Storage.Root, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure storage root: %w", err)
	}

	// Step 2: History and notification subscribers
	if d.config.Audit.Enabled {
		audit, err := events.NewAuditLogger(events.HistoryPath(d.dataDir), int64(d.config.Audit.MaxSizeMB)<<20)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open history log: %w", err)
		}
		audit.EnableChecksum(d.config.Audit.Checksum)
		d.audit = audit
		d.unsubs = append(d.unsubs, events.NewHistorySink(audit, d.logger).Attach(d.bus))
	}
	if d.config.Notify.Enabled {
		d.unsubs = append(d.unsubs, notify.NewDesktop(d.sender, d.logger).Attach(d.bus))
	}

	// Step 3: Restore the task registry
	reg := registry.New(retry.FromConfig(d.config.Retry).MaxAttempts, d.bus, d.logger)
	if err := d.store.Load(reg); err != nil {
		d.cleanup()
		return err
	}

	// Step 4: Scheduler and intake
	if d.transport == nil || d.namer == nil {
		h := transport.NewHTTP(d.config.Transport, d.logger)
		if d.transport == nil {
			d.transport = h
		}
		if d.namer == nil {
			d.namer = &transport.URLNamer{
				Root:      d.config.Storage.Root,
				Client:    headClient(h.Client(), d.config.Transport),
				UserAgent: d.config.Transport.UserAgent,
			}
		}
	}
	sched, err := scheduler.New(d.config, scheduler.Deps{
		Transport: d.transport,
		Probe:     d.probe,
		Bus:       d.bus,
		Registry:  reg,
		Logger:    d.logger,
	})
	if err != nil {
		d.cleanup()
		return err
	}
	d.sched = sched
	d.intake = intake.New(d.auth, d.namer, sched, d.config.Storage.Root, d.logger)
	if err := sched.Start(d.ctx); err != nil {
		d.cleanup()
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Step 5: Register UDS handlers and start the server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		_ = sched.Close(context.Background())
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", filepath.Join(d.dataDir, uds.DefaultSocketName))

	// Step 6: Start background loops
	d.group.Go(d.snapshotLoop)
	if ttl := d.config.Retention.TerminalTTL(); ttl > 0 {
		d.group.Go(func() error { return d.retentionLoop(ttl) })
	}

	d.logger.Infof("daemon ready workers=%d tasks=%d", d.config.Workers.WorkerCount(), len(reg.Snapshot()))
	return nil
}

// headClient shares the transfer client's connection pool but bounds the
// whole HEAD exchange.
func headClient(c *http.Client, cfg model.TransportConfig) *http.Client {
	timeout := 30 * time.Second
	if cfg.ConnectTimeout > 0 {
		timeout = time.Duration(cfg.ConnectTimeout) * time.Second
	}
	return &http.Client{Transport: c.Transport, Timeout: timeout}
}

// snapshotLoop saves the registry every state.snapshot_interval_sec.
func (d *Daemon) snapshotLoop() error {
	ticker := time.NewTicker(d.config.State.SnapshotInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return nil
		case <-ticker.C:
			d.saveState()
		}
	}
}

// retentionLoop evicts terminal tasks older than ttl.
func (d *Daemon) retentionLoop(ttl time.Duration) error {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := d.sched.Registry().Evict(now.Add(-ttl)); n > 0 {
				d.logger.Infof("evicted finished tasks count=%d ttl=%s", n, ttl)
			}
		}
	}
}

func (d *Daemon) saveState() {
	if d.sched == nil {
		return
	}
	if err := d.store.Save(d.sched.Registry()); err != nil {
		d.logger.Errorf("state snapshot failed: %v", err)
	}
}

// waitSignals blocks until a shutdown signal arrives or a shutdown was
// requested over the socket.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		// Second signal → force exit
		go func() {
			<-sigCh
			d.logger.Warnf("received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
	}
	<-d.stopped
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.logger.Infof("shutdown started")

		// 1. Cancel context (stops loops and pending waits)
		d.cancel()

		// 2. Stop accepting requests
		_ = d.server.Stop()

		// 3. Drain running transfers with timeout; they go back to the queue
		timeout := d.config.Daemon.ShutdownTimeout()
		if d.sched != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := d.sched.Close(ctx)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				d.logger.Warnf("shutdown timeout after %s, some transfers may be incomplete", timeout)
			} else {
				d.logger.Infof("all transfers drained")
			}
		}
		if err := d.group.Wait(); err != nil {
			d.logger.Warnf("background loop: %v", err)
		}

		// 4. Persist and cleanup
		d.saveState()
		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
	d.bus.Close()
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warnf("close history log: %v", err)
		}
	}
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
