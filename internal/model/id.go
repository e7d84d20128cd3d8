package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const taskIDPrefix = "task_"

// NewTaskID returns an ID of the form task_<unix seconds>_<8 hex digits>.
// The timestamp keeps IDs sortable by submission time in listings and logs.
func NewTaskID(now time.Time) (string, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("read random task id suffix: %w", err)
	}
	return fmt.Sprintf("%s%010d_%s", taskIDPrefix, now.Unix(), hex.EncodeToString(suffix[:])), nil
}

// ValidTaskID reports whether id has the shape NewTaskID produces.
func ValidTaskID(id string) bool {
	rest, ok := strings.CutPrefix(id, taskIDPrefix)
	if !ok {
		return false
	}
	secs, suffix, ok := strings.Cut(rest, "_")
	if !ok || len(secs) != 10 || len(suffix) != 8 {
		return false
	}
	if _, err := strconv.ParseUint(secs, 10, 64); err != nil {
		return false
	}
	for _, c := range suffix {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
