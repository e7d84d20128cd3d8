package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/msageha/fetchd/internal/daemon"
	"github.com/msageha/fetchd/internal/lifecycle"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/notify"
	"github.com/msageha/fetchd/internal/setup"
	"github.com/msageha/fetchd/internal/status"
	"github.com/msageha/fetchd/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "up":
		runUp(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "cancel-all":
		runCancelAll(os.Args[2:])
	case "get":
		runGet(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "wait":
		runWait(os.Args[2:])
	case "space":
		runSpace(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "notify":
		runNotify(os.Args[2:])
	case "version":
		fmt.Printf("fetchd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	dir := defaultDataDir()
	if len(args) > 0 {
		dir = args[0]
	}
	if err := setup.Run(dir); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized fetchd data directory in %s\n", absDir)
}

func runDaemon(_ []string) {
	dataDir := requireDataDir()

	cfg, err := setup.LoadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runUp(args []string) {
	reset := false
	for _, a := range args {
		switch a {
		case "--reset":
			reset = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: fetchd up [--reset]\n", a)
			os.Exit(1)
		}
	}

	dataDir := requireDataDir()
	if _, err := setup.LoadConfig(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := lifecycle.Up(lifecycle.UpOptions{DataDir: dataDir, Reset: reset, Out: os.Stdout}); err != nil {
		fmt.Fprintf(os.Stderr, "up: %v\n", err)
		os.Exit(1)
	}
}

func runDown(_ []string) {
	dataDir := requireDataDir()
	cfg, err := setup.LoadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// the daemon may spend its whole drain timeout on running transfers
	timeout := cfg.Daemon.ShutdownTimeout() + 10*time.Second
	if err := lifecycle.Down(dataDir, timeout, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "down: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	const usage = "usage: fetchd status [--owner <name>] [--json] [--verify-history]"
	var opts status.Options
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			opts.JSON = true
		case "--verify-history":
			opts.VerifyHistory = true
		case "--owner":
			opts.Owner = flagValue(args, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}

	if err := status.Run(requireDataDir(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	const usage = "usage: fetchd submit <source> [--owner <name>] [--dest <path>] [--size <bytes|5GB>] [--wait]"
	if len(args) < 1 || args[0] == "" || args[0][0] == '-' {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := uds.SubmitParams{Source: args[0], Owner: currentUser()}
	wait := false
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--owner":
			params.Owner = flagValue(rest, &i, usage)
		case "--dest":
			dest, err := filepath.Abs(flagValue(rest, &i, usage))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --dest: %v\n", err)
				os.Exit(1)
			}
			params.DestPath = dest
		case "--size":
			size, err := model.ParseByteSize(flagValue(rest, &i, usage))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --size: %v\n", err)
				os.Exit(1)
			}
			params.Size = size.Int64()
		case "--wait":
			wait = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	var task model.Task
	call(uds.CmdSubmit, params, &task, 0)
	if !wait {
		printJSON(task)
		return
	}
	fmt.Fprintf(os.Stderr, "submitted %s (%s), waiting...\n", task.ID, task.Status)
	waitTask(task.ID, 0)
}

func runCancel(args []string) {
	const usage = "usage: fetchd cancel <task_id> [--as <actor>]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	params := uds.TaskParams{ID: args[0], Actor: currentUser()}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--as":
			params.Actor = flagValue(rest, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	var res uds.CancelResult
	call(uds.CmdCancel, params, &res, 0)
	fmt.Printf("%s: %s\n", res.ID, res.Result)
}

func runCancelAll(args []string) {
	const usage = "usage: fetchd cancel-all [--owner <name>|--everyone] [--as <actor>]"
	params := uds.OwnerParams{Owner: currentUser(), Actor: currentUser()}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--owner":
			params.Owner = flagValue(args, &i, usage)
		case "--everyone":
			params.Owner = ""
		case "--as":
			params.Actor = flagValue(args, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}

	var res uds.CancelAllResult
	call(uds.CmdCancelAll, params, &res, 0)
	fmt.Printf("cancelled %d task(s)\n", res.Cancelled)
}

func runGet(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: fetchd get <task_id>")
		os.Exit(1)
	}
	var task model.Task
	call(uds.CmdGet, uds.TaskParams{ID: args[0]}, &task, 0)
	printJSON(task)
}

func runList(args []string) {
	const usage = "usage: fetchd list [--owner <name>] [--status <status>]... [--json]"
	var params uds.ListParams
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--owner":
			params.Owner = flagValue(args, &i, usage)
		case "--status":
			params.Statuses = append(params.Statuses, flagValue(args, &i, usage))
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}

	var tasks []model.Task
	call(uds.CmdList, params, &tasks, 0)
	if jsonOutput {
		printJSON(tasks)
		return
	}
	status.PrintTasks(os.Stdout, tasks)
}

func runWait(args []string) {
	const usage = "usage: fetchd wait <task_id> [--timeout <seconds>]"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	timeout := 0
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--timeout":
			v := flagValue(rest, &i, usage)
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --timeout value: %s\n", v)
				os.Exit(1)
			}
			timeout = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}
	waitTask(args[0], timeout)
}

// waitTask blocks until id finishes and exits non-zero unless it completed.
// Without a timeout it keeps re-issuing bounded waits.
func waitTask(id string, timeoutSec int) {
	var task model.Task
	for {
		err := tryCall(uds.CmdWait, uds.TaskParams{ID: id, TimeoutSec: timeoutSec}, &task,
			time.Duration(timeoutSec)*time.Second+15*time.Minute)
		var detail *uds.ErrorDetail
		if timeoutSec == 0 && errors.As(err, &detail) && detail.Code == uds.ErrCodeTimeout {
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "wait: %v\n", err)
			os.Exit(1)
		}
		break
	}
	printJSON(task)
	if task.Status != model.StatusCompleted {
		os.Exit(1)
	}
}

func runSpace(args []string) {
	var params uds.SpaceParams
	for _, a := range args {
		switch a {
		case "--refresh":
			params.Refresh = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: fetchd space [--refresh]\n", a)
			os.Exit(1)
		}
	}
	var report json.RawMessage
	call(uds.CmdSpace, params, &report, 0)
	printJSON(report)
}

func runStats(args []string) {
	const usage = "usage: fetchd stats [--owner <name>]"
	var params uds.OwnerParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--owner":
			params.Owner = flagValue(args, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}
	var stats json.RawMessage
	call(uds.CmdStats, params, &stats, 0)
	printJSON(stats)
}

func runShutdown(_ []string) {
	call(uds.CmdShutdown, nil, nil, 0)
	fmt.Println("shutdown accepted")
}

func runNotify(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: fetchd notify <title> <message>")
		os.Exit(1)
	}
	if err := notify.Send(args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

// flagValue returns the argument after args[*i] and advances i.
func flagValue(args []string, i *int, usage string) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n%s\n", args[*i], usage)
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func tryCall(command string, params, out any, timeout time.Duration) error {
	client := uds.NewClient(filepath.Join(requireDataDir(), uds.DefaultSocketName))
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return client.Call(command, params, out)
}

// call sends command to the daemon and exits on failure.
func call(command string, params, out any, timeout time.Duration) {
	err := tryCall(command, params, out, timeout)
	if err == nil {
		return
	}
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, detail.Code, detail.Message)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
	}
	os.Exit(1)
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

// defaultDataDir is $FETCHD_DIR, or ~/.fetchd.
func defaultDataDir() string {
	if dir := os.Getenv("FETCHD_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fetchd"
	}
	return filepath.Join(home, ".fetchd")
}

// findDataDir searches for .fetchd/ in the current directory and ancestors,
// then falls back to defaultDataDir.
func findDataDir() string {
	if dir := os.Getenv("FETCHD_DIR"); dir != "" {
		return dir
	}
	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, ".fetchd")
			if info, err := os.Stat(candidate); err == nil && info.IsDir() {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	candidate := defaultDataDir()
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	return ""
}

func requireDataDir() string {
	dir := findDataDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: fetchd data directory not found. Run 'fetchd setup [dir]' first or set FETCHD_DIR.")
		os.Exit(1)
	}
	return dir
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `fetchd %s - space-aware download scheduler

Usage: fetchd <command> [options]

Daemon:
  setup [dir]            Initialize the data directory (default ~/.fetchd)
  up [--reset]           Start the daemon in the background
  down                   Stop the daemon and wait for it to exit
  daemon                 Run the daemon process in the foreground
  status [--owner o] [--json] [--verify-history]
                         Show daemon, space and active tasks
  shutdown               Stop the daemon gracefully

Tasks:
  submit <source> [--owner o] [--dest p] [--size 5GB] [--wait]
  cancel <task_id> [--as actor]
  cancel-all [--owner o|--everyone] [--as actor]
  get <task_id>
  list [--owner o] [--status s]... [--json]
  wait <task_id> [--timeout sec]
  space [--refresh]
  stats [--owner o]

Utilities:
  notify <title> <msg>   Desktop notification
  version                Show version
  help                   Show this help

`, version)
}
