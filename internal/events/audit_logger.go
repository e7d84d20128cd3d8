package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the transfer history.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	EventID   string         `json:"event_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLogger is an append-only JSONL writer. When the file would grow past
// maxSize it is moved into archive/ and a fresh file is started.
type AuditLogger struct {
	mu             sync.Mutex
	file           *os.File
	currentSize    int64
	maxSize        int64
	logPath        string
	enableChecksum bool
	rotations      int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat history log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// WriteEntry appends entry and fsyncs. The checksum, when enabled, is
// computed over the entry with an empty Checksum field.
func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("history log %s is closed", l.logPath)
	}

	if l.enableChecksum {
		sum, err := entryChecksum(entry)
		if err != nil {
			return err
		}
		entry.Checksum = sum
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate history log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write history entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync history log: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotations++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), l.rotations, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive log: %w", err)
	}
	return l.open()
}

func entryChecksum(entry *LogEntry) (string, error) {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("checksum history entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// ReadEntries decodes every well-formed line of a history file, skipping
// lines that do not parse.
func ReadEntries(logPath string) ([]LogEntry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read history log: %w", err)
	}
	return entries, nil
}

// VerifyLogIntegrity returns the number of parsed entries and how many of them
// carry a valid checksum or none at all.
func VerifyLogIntegrity(logPath string) (total, valid int, err error) {
	entries, err := ReadEntries(logPath)
	if err != nil {
		return 0, 0, err
	}
	for i := range entries {
		total++
		if entries[i].Checksum == "" {
			valid++
			continue
		}
		sum, err := entryChecksum(&entries[i])
		if err == nil && sum == entries[i].Checksum {
			valid++
		}
	}
	return total, valid, nil
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}


