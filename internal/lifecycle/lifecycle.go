// Package lifecycle starts the daemon in the background and stops it again.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/msageha/fetchd/internal/uds"
)

const pollInterval = 200 * time.Millisecond

// UpOptions configures Up.
type UpOptions struct {
	DataDir string
	// Reset discards the saved task state before starting.
	Reset   bool
	Timeout time.Duration
	// Spawn launches the daemon process; nil runs "<this executable> daemon".
	Spawn func(dataDir string) error
	Out   io.Writer
}

// Up starts the daemon unless one is already answering on the socket, and
// waits until it does.
func Up(opts UpOptions) error {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := newClient(opts.DataDir)

	if ping(client) {
		fmt.Fprintln(out, "Daemon is already running.")
		return nil
	}

	if opts.Reset {
		if err := resetState(opts.DataDir); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintln(out, "Task state reset.")
	}

	spawn := opts.Spawn
	if spawn == nil {
		spawn = startDaemon
	}
	if err := spawn(opts.DataDir); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ping(client) {
			fmt.Fprintln(out, "fetchd daemon is up.")
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("daemon did not answer within %v, see %s", timeout,
		filepath.Join(opts.DataDir, "logs", "daemon.log"))
}

// Down asks the daemon to shut down and waits for its socket to disappear.
// A daemon that is not running is not an error.
func Down(dataDir string, timeout time.Duration, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	socketPath := filepath.Join(dataDir, uds.DefaultSocketName)

	// Check if daemon socket exists
	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "Daemon is not running.")
		return nil
	}

	client := newClient(dataDir)
	if err := client.Call(uds.CmdShutdown, nil, nil); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			return fmt.Errorf("shutdown request rejected by daemon: %w", err)
		}
		// Connection error: the daemon died and left its socket behind
		fmt.Fprintf(out, "Warning: could not connect to daemon: %v\n", err)
		_ = os.Remove(socketPath)
		return nil
	}

	fmt.Fprintln(out, "Shutdown accepted. Waiting for daemon to stop...")

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(out, "fetchd daemon stopped.")
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("shutdown timeout after %v", timeout)
}

func newClient(dataDir string) *uds.Client {
	c := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	c.SetTimeout(2 * time.Second)
	return c
}

func ping(c *uds.Client) bool {
	return c.Call(uds.CmdPing, nil, nil) == nil
}

// resetState removes the task snapshot and its backup. Downloaded files and
// the history log are kept.
func resetState(dataDir string) error {
	stateFile := filepath.Join(dataDir, "state", "tasks.yaml")
	for _, p := range []string{stateFile, stateFile + ".bak"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// startDaemon starts "fetchd daemon" as a detached background process.
func startDaemon(dataDir string) error {
	execPath, err := os.Executable()
	if err != nil {
		execPath = "fetchd" // fallback to PATH lookup
	}
	cmd := exec.Command(execPath, "daemon")
	cmd.Env = append(os.Environ(), "FETCHD_DIR="+dataDir)
	cmd.SysProcAttr = detachedAttr()
	if err := cmd.Start(); err != nil {
		return err
	}
	// Don't wait: the daemon outlives this process
	return cmd.Process.Release()
}
