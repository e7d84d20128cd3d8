package events

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/msageha/fetchd/internal/logging"
)

// HistoryPath is the transfer history file of a data directory.
func HistoryPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "history.jsonl")
}

// HistorySink records every bus event in the audit log.
type HistorySink struct {
	audit  *AuditLogger
	logger *logging.Logger
}

func NewHistorySink(audit *AuditLogger, logger *logging.Logger) *HistorySink {
	return &HistorySink{audit: audit, logger: logger.With("history")}
}

// Attach subscribes the sink to all event types on bus.
func (h *HistorySink) Attach(bus *Bus) func() {
	return bus.Subscribe(h.Record)
}

// Record writes e as one history entry. Write failures are logged; history is
// best effort and never feeds back into scheduling.
func (h *HistorySink) Record(e Event) {
	entry := &LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		EventID:   uuid.NewString(),
		TaskID:    e.TaskID,
		Owner:     e.Owner,
		Details:   e.Data,
	}
	if err := h.audit.WriteEntry(entry); err != nil {
		h.logger.Warnf("write failed event=%s task=%s err=%v", e.Type, e.TaskID, err)
	}
}
