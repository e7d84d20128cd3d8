// Package intake turns a caller's request into a task spec: it checks the
// owner against the Authorizer, resolves the destination and size through the
// Namer and hands the spec to the scheduler.
package intake

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/msageha/fetchd/internal/logging"
	"github.com/msageha/fetchd/internal/model"
)

// Namer maps a source reference to a destination path and an estimated size
// (0 when unknown).
type Namer interface {
	Resolve(ctx context.Context, owner, source string) (dest string, size int64, err error)
}

// Submitter accepts resolved task specs.
type Submitter interface {
	Submit(spec model.TaskSpec) (model.Task, error)
}

// Request is a submission before naming. DestPath and Size override what the
// Namer would produce.
type Request struct {
	Owner    string `json:"owner"`
	Source   string `json:"source"`
	DestPath string `json:"dest_path,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Intake struct {
	auth   Authorizer
	namer  Namer
	sched  Submitter
	root   string
	logger *logging.Logger
}

// New creates an Intake. root confines explicit destination paths; empty
// disables the check.
func New(auth Authorizer, namer Namer, sched Submitter, root string, logger *logging.Logger) *Intake {
	return &Intake{auth: auth, namer: namer, sched: sched, root: root, logger: logger.With("intake")}
}

func (in *Intake) Submit(ctx context.Context, req Request) (model.Task, error) {
	if strings.TrimSpace(req.Source) == "" {
		return model.Task{}, fmt.Errorf("%w: empty source", model.ErrInvalidSpec)
	}
	if in.auth != nil {
		if err := in.auth.Authorize(req.Owner); err != nil {
			in.logger.Warnf("rejected owner=%s source=%s err=%v", req.Owner, req.Source, err)
			return model.Task{}, err
		}
	}

	dest, size := req.DestPath, req.Size
	if dest == "" || size <= 0 {
		if in.namer == nil {
			if dest == "" {
				return model.Task{}, fmt.Errorf("%w: no destination and no namer", model.ErrInvalidSpec)
			}
		} else {
			resolvedDest, resolvedSize, err := in.namer.Resolve(ctx, req.Owner, req.Source)
			if err != nil {
				return model.Task{}, fmt.Errorf("resolve %s: %w", req.Source, err)
			}
			if dest == "" {
				dest = resolvedDest
			}
			if size <= 0 {
				size = resolvedSize
			}
		}
	}
	if err := in.checkDest(dest); err != nil {
		return model.Task{}, err
	}

	task, err := in.sched.Submit(model.TaskSpec{
		Owner:         req.Owner,
		Source:        req.Source,
		DestPath:      dest,
		EstimatedSize: size,
	})
	if err != nil {
		return model.Task{}, err
	}
	in.logger.Infof("submitted task=%s owner=%s size=%s status=%s", task.ID, task.Owner, model.HumanBytes(task.EstimatedSize), task.Status)
	return task, nil
}

func (in *Intake) checkDest(dest string) error {
	if in.root == "" {
		return nil
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
	}
	root, err := filepath.Abs(in.root)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidSpec, err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: destination %s outside storage root", model.ErrInvalidSpec, dest)
	}
	return nil
}
