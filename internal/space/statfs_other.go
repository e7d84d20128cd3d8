//go:build !linux && !darwin && !freebsd

package space

import (
	"errors"
	"fmt"
)

type StatfsProbe struct{}

func (StatfsProbe) Usage(path string) (Usage, error) {
	return Usage{}, fmt.Errorf("statfs %s: %w", path, errors.ErrUnsupported)
}
