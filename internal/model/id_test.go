package model

import (
	"strings"
	"testing"
	"time"
)

func TestNewTaskID(t *testing.T) {
	now := time.Unix(1771722000, 0)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewTaskID(now)
		if err != nil {
			t.Fatalf("NewTaskID: %v", err)
		}
		if !strings.HasPrefix(id, "task_1771722000_") {
			t.Fatalf("id %q does not carry the submission time", id)
		}
		if !ValidTaskID(id) {
			t.Fatalf("id %q does not validate", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id within one second: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTaskID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"task_1771722060_b7c1d4e9", true},
		{"cmd_1771722000_a3f2b7c1", false},
		{"task_177172200_a3f2b7c1", false},
		{"task_17717220x0_a3f2b7c1", false},
		{"task_+771722000_a3f2b7c1", false},
		{"task_1771722000_A3F2B7C1", false},
		{"task_1771722000_a3f2b7c", false},
		{"task_1771722000", false},
		{"../../etc/passwd", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidTaskID(tt.id); got != tt.valid {
			t.Errorf("ValidTaskID(%q) = %v, want %v", tt.id, got, tt.valid)
		}
	}
}
