// Package notify provides desktop notification support.
package notify

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Sender delivers one notification.
type Sender func(title, message string) error

// Send shows a desktop notification with osascript on macOS or notify-send
// on Linux.
func Send(title, message string) error {
	switch runtime.GOOS {
	case "darwin":
		return run("osascript", "-e", appleScript(title, message))
	case "linux":
		return run("notify-send", "--app-name=fetchd", title, message)
	default:
		return fmt.Errorf("desktop notifications on %s: %w", runtime.GOOS, errors.ErrUnsupported)
	}
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func appleScript(title, message string) string {
	return `display notification "` + escapeAppleScript(message) +
		`" with title "` + escapeAppleScript(title) + `" sound name "default"`
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
