package model

import (
	"fmt"
	"strconv"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// ByteSize is a byte count that reads "5GB", "512MiB" or a bare integer from YAML.
// Decimal and binary suffixes are both treated as powers of 1024.
type ByteSize int64

const (
	B  ByteSize = 1
	KB ByteSize = 1 << 10
	MB ByteSize = 1 << 20
	GB ByteSize = 1 << 30
	TB ByteSize = 1 << 40
)

var sizeUnits = []struct {
	suffix string
	mult   ByteSize
}{
	{"TIB", TB}, {"GIB", GB}, {"MIB", MB}, {"KIB", KB},
	{"TB", TB}, {"GB", GB}, {"MB", MB}, {"KB", KB},
	{"T", TB}, {"G", GB}, {"M", MB}, {"K", KB},
	{"B", B},
}

// ParseByteSize parses a human-readable size.
func ParseByteSize(s string) (ByteSize, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return 0, nil
	}
	mult := B
	for _, u := range sizeUnits {
		if strings.HasSuffix(raw, u.suffix) {
			mult = u.mult
			raw = strings.TrimSpace(strings.TrimSuffix(raw, u.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("parse size %q: negative", s)
	}
	return ByteSize(v * float64(mult)), nil
}

func (b *ByteSize) UnmarshalYAML(node *yamlv3.Node) error {
	if node.Kind != yamlv3.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	v, err := ParseByteSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = v
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) Int64() int64 {
	return int64(b)
}

func (b ByteSize) String() string {
	switch {
	case b >= TB && b%TB == 0:
		return fmt.Sprintf("%dTB", b/TB)
	case b >= GB && b%GB == 0:
		return fmt.Sprintf("%dGB", b/GB)
	case b >= MB && b%MB == 0:
		return fmt.Sprintf("%dMB", b/MB)
	case b >= KB && b%KB == 0:
		return fmt.Sprintf("%dKB", b/KB)
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}

// HumanBytes formats n for log lines, e.g. "4.2 GB".
func HumanBytes(n int64) string {
	f := float64(n)
	switch {
	case n >= int64(TB):
		return fmt.Sprintf("%.1f TB", f/float64(TB))
	case n >= int64(GB):
		return fmt.Sprintf("%.1f GB", f/float64(GB))
	case n >= int64(MB):
		return fmt.Sprintf("%.1f MB", f/float64(MB))
	case n >= int64(KB):
		return fmt.Sprintf("%.1f KB", f/float64(KB))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
