// Package status renders daemon, volume and task state for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/lock"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/scheduler"
	"github.com/msageha/fetchd/internal/uds"
)

type Status struct {
	Daemon  DaemonStatus           `json:"daemon"`
	Space   *scheduler.SpaceReport `json:"space,omitempty"`
	Stats   *scheduler.Stats       `json:"stats,omitempty"`
	Active  []model.Task           `json:"active,omitempty"`
	History *HistoryCheck          `json:"history,omitempty"`
}

// HistoryCheck is the result of verifying the history log checksums.
type HistoryCheck struct {
	Entries int    `json:"entries"`
	Valid   int    `json:"valid"`
	Error   string `json:"error,omitempty"`
}

// Options selects what Run reports.
type Options struct {
	Owner         string
	JSON          bool
	VerifyHistory bool
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

// Run collects the status of the daemon in dataDir and prints it to w. With
// VerifyHistory it also checks the history log and fails when an entry does
// not match its checksum.
func Run(dataDir string, opts Options, w io.Writer) error {
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	st := Collect(client, opts.Owner)
	if !st.Daemon.Running {
		// a crashed daemon leaves its pid behind
		st.Daemon.Pid, _ = lock.ReadPID(filepath.Join(dataDir, "locks", "daemon.lock"))
	}
	if opts.VerifyHistory {
		st.History = verifyHistory(dataDir)
	}

	if err := write(w, st, opts.JSON); err != nil {
		return err
	}
	if h := st.History; h != nil && h.Valid < h.Entries {
		return fmt.Errorf("history log has %d entries with a bad checksum", h.Entries-h.Valid)
	}
	return nil
}

func verifyHistory(dataDir string) *HistoryCheck {
	total, valid, err := events.VerifyLogIntegrity(events.HistoryPath(dataDir))
	check := &HistoryCheck{Entries: total, Valid: valid}
	if err != nil {
		check.Error = err.Error()
	}
	return check
}

func write(w io.Writer, st Status, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	Print(w, st)
	return nil
}

// Collect queries the daemon. Sections the daemon does not answer stay empty.
func Collect(client *uds.Client, owner string) Status {
	var st Status
	var ping struct {
		Pid int `json:"pid"`
	}
	if err := client.Call(uds.CmdPing, nil, &ping); err != nil {
		return st
	}
	st.Daemon = DaemonStatus{Running: true, Pid: ping.Pid}

	var report scheduler.SpaceReport
	if err := client.Call(uds.CmdSpace, uds.SpaceParams{}, &report); err == nil {
		st.Space = &report
	}
	var stats scheduler.Stats
	if err := client.Call(uds.CmdStats, uds.OwnerParams{Owner: owner}, &stats); err == nil {
		st.Stats = &stats
	}
	var active []model.Task
	params := uds.ListParams{Owner: owner, Statuses: []string{
		string(model.StatusDownloading), string(model.StatusQueued), string(model.StatusWaitingSpace),
	}}
	if err := client.Call(uds.CmdList, params, &active); err == nil {
		st.Active = active
	}
	return st
}

func Print(w io.Writer, s Status) {
	// Daemon
	switch {
	case s.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", s.Daemon.Pid)
	case s.Daemon.Pid > 0:
		fmt.Fprintf(w, "Daemon: stopped (stale lock from pid %d)\n", s.Daemon.Pid)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}
	printHistory(w, s.History)
	if !s.Daemon.Running {
		return
	}

	// Space
	if r := s.Space; r != nil {
		fmt.Fprintf(w, "\nSpace: %s free of %s, %s reserved by transfers, level=%s\n",
			model.HumanBytes(r.Free), model.HumanBytes(r.Total), model.HumanBytes(r.Outstanding), r.Level)
		fmt.Fprintf(w, "  running=%d queued=%d waiting=%d\n", r.Running, r.Queued, r.Waiting)
	}

	// Stats
	if st := s.Stats; st != nil {
		fmt.Fprintf(w, "\nTasks: %d total, %d completed (%s), %d failed, %d cancelled\n",
			st.Total, st.ByStatus[model.StatusCompleted], model.HumanBytes(st.CompletedBytes),
			st.ByStatus[model.StatusFailed], st.ByStatus[model.StatusCancelled])
		if dropped := sumDropped(st.DroppedEvents); dropped > 0 {
			fmt.Fprintf(w, "  %d events dropped by slow subscribers\n", dropped)
		}
	}

	// Active tasks
	if len(s.Active) > 0 {
		fmt.Fprintln(w)
		PrintTasks(w, s.Active)
	}
}

func printHistory(w io.Writer, h *HistoryCheck) {
	switch {
	case h == nil:
	case h.Error != "":
		fmt.Fprintf(w, "History: unreadable (%s)\n", h.Error)
	case h.Valid < h.Entries:
		fmt.Fprintf(w, "History: %d entries, %d with a bad checksum\n", h.Entries, h.Entries-h.Valid)
	default:
		fmt.Fprintf(w, "History: %d entries, all valid\n", h.Entries)
	}
}

func sumDropped(m map[events.EventType]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

// PrintTasks writes one line per task.
func PrintTasks(w io.Writer, tasks []model.Task) {
	fmt.Fprintf(w, "%-24s  %-13s  %-10s  %8s  %9s  %s\n", "ID", "STATUS", "OWNER", "SIZE", "PROGRESS", "DEST")
	for _, t := range tasks {
		fmt.Fprintf(w, "%-24s  %-13s  %-10s  %8s  %9s  %s\n",
			t.ID, t.Status, t.Owner, model.HumanBytes(t.EstimatedSize), progress(t), filepath.Base(t.DestPath))
	}
}

func progress(t model.Task) string {
	switch {
	case t.Status == model.StatusCompleted:
		return "done"
	case t.Status == model.StatusFailed:
		return string(t.FailureReason)
	case t.EstimatedSize <= 0 && t.BytesTransferred > 0:
		return model.HumanBytes(t.BytesTransferred)
	case t.EstimatedSize <= 0:
		return "-"
	}
	p := fmt.Sprintf("%.0f%%", t.Progress()*100)
	if eta := t.ETA(); eta > 0 && t.Status == model.StatusDownloading {
		p += " " + eta.Round(time.Second).String()
	}
	return p
}
