package notify

import (
	"fmt"
	"path/filepath"

	"github.com/msageha/fetchd/internal/events"
	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
)

// Desktop turns completed, failed and space_warning events into desktop
// notifications.
type Desktop struct {
	send   Sender
	logger *logging.Logger
}

// NewDesktop uses Send when send is nil.
func NewDesktop(send Sender, logger *logging.Logger) *Desktop {
	if send == nil {
		send = Send
	}
	return &Desktop{send: send, logger: logger.With("notify")}
}

// Attach subscribes d to bus and returns the unsubscribe func.
func (d *Desktop) Attach(bus *events.Bus) func() {
	return bus.Subscribe(d.Handle, events.EventCompleted, events.EventFailed, events.EventSpaceWarning)
}

func (d *Desktop) Handle(e events.Event) {
	title, message, ok := format(e)
	if !ok {
		return
	}
	if err := d.send(title, message); err != nil {
		d.logger.Warnf("send failed event=%s task=%s err=%v", e.Type, e.TaskID, err)
	}
}

func format(e events.Event) (title, message string, ok bool) {
	name := e.TaskID
	if dest, _ := e.Data["dest"].(string); dest != "" {
		name = filepath.Base(dest)
	}
	switch e.Type {
	case events.EventCompleted:
		msg := name
		if n, isInt := asInt64(e.Data["bytes"]); isInt && n > 0 {
			msg = fmt.Sprintf("%s (%s)", name, model.HumanBytes(n))
		}
		return "Download completed", msg, true
	case events.EventFailed:
		msg := name
		if reason, _ := e.Data["reason"].(string); reason != "" {
			msg += ": " + reason
		}
		if errText, _ := e.Data["error"].(string); errText != "" {
			msg += " (" + errText + ")"
		}
		return "Download failed", msg, true
	case events.EventSpaceWarning:
		free, _ := asInt64(e.Data["free"])
		threshold, _ := asInt64(e.Data["threshold"])
		return "Low disk space", fmt.Sprintf("%s free, warning below %s",
			model.HumanBytes(free), model.HumanBytes(threshold)), true
	}
	return "", "", false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
