// Package space tracks free capacity on the volume that receives transfers.
package space

import (
	"time"
)

// Level is a coarse reading of how close the volume is to the reserve.
type Level string

const (
	LevelOK       Level = "ok"
	LevelLow      Level = "low"      // below the warning threshold
	LevelCritical Level = "critical" // below the reserve
	LevelUnknown  Level = "unknown"
)

// Snapshot is a point-in-time view of the volume. The zero value is a volume
// that has never been measured.
type Snapshot struct {
	Total            int64     `json:"total" yaml:"total"`
	Free             int64     `json:"free" yaml:"free"`
	Reserve          int64     `json:"reserve" yaml:"reserve"`
	WarningThreshold int64     `json:"warning_threshold" yaml:"warning_threshold"`
	TakenAt          time.Time `json:"taken_at" yaml:"taken_at"`
	// Stale is set when the latest refresh failed and this reading was reused.
	Stale bool `json:"stale" yaml:"stale"`
	// Written is the transfer byte counter sampled just before the probe.
	Written int64 `json:"-" yaml:"-"`
}

// Known reports whether the volume has been measured at least once.
func (s Snapshot) Known() bool {
	return !s.TakenAt.IsZero()
}

// Available is free space minus bytes the reading does not reflect yet. It
// may be negative.
func (s Snapshot) Available(outstanding int64) int64 {
	if outstanding < 0 {
		outstanding = 0
	}
	return s.Free - outstanding
}

func (s Snapshot) Level() Level {
	switch {
	case !s.Known():
		return LevelUnknown
	case s.Free < s.Reserve:
		return LevelCritical
	case s.Free < s.WarningThreshold:
		return LevelLow
	default:
		return LevelOK
	}
}

// Usage is the raw answer of a Probe.
type Usage struct {
	Total int64
	Free  int64
}

// Probe measures the volume holding path.
type Probe interface {
	Usage(path string) (Usage, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(path string) (Usage, error)

func (f ProbeFunc) Usage(path string) (Usage, error) {
	return f(path)
}
