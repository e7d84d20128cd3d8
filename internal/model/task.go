package model

import "time"

// FailureReason explains why a task ended in StatusFailed.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonTransferFatal     FailureReason = "transfer_fatal"
	ReasonRetriesExhausted  FailureReason = "retries_exhausted"
	ReasonUnsatisfiableSize FailureReason = "unsatisfiable_size"
	ReasonWaitTimeout       FailureReason = "wait_timeout"
)

// TaskSpec is what a caller hands to Submit once the destination and size
// have been resolved.
type TaskSpec struct {
	Owner         string `yaml:"owner" json:"owner"`
	Source        string `yaml:"source" json:"source"`
	DestPath      string `yaml:"dest_path" json:"dest_path"`
	EstimatedSize int64  `yaml:"estimated_size" json:"estimated_size"`
}

// RetryState is the per-task retry bookkeeping.
// Attempts never exceeds MaxAttempts.
type RetryState struct {
	Attempts    int        `yaml:"attempts" json:"attempts"`
	MaxAttempts int        `yaml:"max_attempts" json:"max_attempts"`
	NotBefore   *time.Time `yaml:"not_before,omitempty" json:"not_before,omitempty"`
}

// Remaining reports how many more attempts the task may start.
func (r RetryState) Remaining() int {
	if r.MaxAttempts-r.Attempts < 0 {
		return 0
	}
	return r.MaxAttempts - r.Attempts
}

type Task struct {
	ID            string `yaml:"id" json:"id"`
	Seq           uint64 `yaml:"seq" json:"seq"`
	Owner         string `yaml:"owner" json:"owner"`
	Source        string `yaml:"source" json:"source"`
	DestPath      string `yaml:"dest_path" json:"dest_path"`
	EstimatedSize int64  `yaml:"estimated_size" json:"estimated_size"`
	Status        Status `yaml:"status" json:"status"`

	Retry RetryState `yaml:"retry" json:"retry"`

	LastError     string        `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	FailureReason FailureReason `yaml:"failure_reason,omitempty" json:"failure_reason,omitempty"`

	BytesTransferred int64 `yaml:"bytes_transferred" json:"bytes_transferred"`
	SpeedBps         int64 `yaml:"speed_bps,omitempty" json:"speed_bps,omitempty"`
	CancelRequested  bool  `yaml:"cancel_requested,omitempty" json:"cancel_requested,omitempty"`
	Skips            int   `yaml:"skips,omitempty" json:"skips,omitempty"`

	CreatedAt    time.Time  `yaml:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `yaml:"updated_at" json:"updated_at"`
	StartedAt    *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt   *time.Time `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
	WaitingSince *time.Time `yaml:"waiting_since,omitempty" json:"waiting_since,omitempty"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (t *Task) Clone() Task {
	c := *t
	c.Retry.NotBefore = cloneTime(t.Retry.NotBefore)
	c.StartedAt = cloneTime(t.StartedAt)
	c.FinishedAt = cloneTime(t.FinishedAt)
	c.WaitingSince = cloneTime(t.WaitingSince)
	return c
}

// Progress returns the completed fraction in [0,1], or 0 when the size is unknown.
func (t *Task) Progress() float64 {
	if t.EstimatedSize <= 0 {
		return 0
	}
	p := float64(t.BytesTransferred) / float64(t.EstimatedSize)
	if p > 1 {
		return 1
	}
	return p
}

// ETA estimates the remaining transfer time from the last measured speed.
// It returns 0 when no estimate is possible.
func (t *Task) ETA() time.Duration {
	if t.SpeedBps <= 0 || t.EstimatedSize <= t.BytesTransferred {
		return 0
	}
	remaining := t.EstimatedSize - t.BytesTransferred
	return time.Duration(float64(remaining) / float64(t.SpeedBps) * float64(time.Second))
}

// Eligible reports whether a queued task may be dispatched at now.
func (t *Task) Eligible(now time.Time) bool {
	return t.Retry.NotBefore == nil || !now.Before(*t.Retry.NotBefore)
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
