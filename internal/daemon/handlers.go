package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/msageha/fetchd/internal/intake"
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/registry"
	"github.com/msageha/fetchd/internal/uds"
)

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle(uds.CmdSubmit, d.handleSubmit)
	d.server.Handle(uds.CmdCancel, d.handleCancel)
	d.server.Handle(uds.CmdCancelAll, d.handleCancelAll)
	d.server.Handle(uds.CmdGet, d.handleGet)
	d.server.Handle(uds.CmdList, d.handleList)
	d.server.Handle(uds.CmdWait, d.handleWait)
	d.server.Handle(uds.CmdSpace, d.handleSpace)
	d.server.Handle(uds.CmdStats, d.handleStats)
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var p uds.SubmitParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	ctx, cancel := context.WithTimeout(d.ctx, resolveTimeout)
	defer cancel()

	task, err := d.intake.Submit(ctx, intake.Request{
		Owner:    p.Owner,
		Source:   p.Source,
		DestPath: p.DestPath,
		Size:     p.Size,
	})
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var p uds.TaskParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	task, err := d.sched.Get(p.ID)
	if err != nil {
		return errorResponse(err)
	}
	if !d.auth.CanManage(p.Actor, task.Owner) {
		return uds.ErrorResponse(uds.ErrCodeUnauthorized,
			fmt.Sprintf("%q may not cancel tasks of %q", p.Actor, task.Owner))
	}
	res, err := d.sched.Cancel(p.ID)
	if err != nil {
		return errorResponse(err)
	}
	d.logger.Infof("cancel task=%s actor=%s result=%s", p.ID, p.Actor, res)
	return uds.SuccessResponse(uds.CancelResult{ID: p.ID, Result: res.String()})
}

func (d *Daemon) handleCancelAll(req *uds.Request) *uds.Response {
	var p uds.OwnerParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if !d.auth.CanManage(p.Actor, p.Owner) {
		return uds.ErrorResponse(uds.ErrCodeUnauthorized,
			fmt.Sprintf("%q may not cancel tasks of %q", p.Actor, p.Owner))
	}
	n, err := d.sched.CancelAll(p.Owner)
	if err != nil {
		d.logger.Warnf("cancel_all owner=%s partial failure: %v", p.Owner, err)
	}
	d.logger.Infof("cancel_all owner=%s actor=%s cancelled=%d", p.Owner, p.Actor, n)
	return uds.SuccessResponse(uds.CancelAllResult{Cancelled: n})
}

func (d *Daemon) handleGet(req *uds.Request) *uds.Response {
	var p uds.TaskParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	task, err := d.sched.Get(p.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleList(req *uds.Request) *uds.Response {
	var p uds.ListParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	f := registry.Filter{Owner: p.Owner}
	for _, s := range p.Statuses {
		st, err := model.ParseStatus(s)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		f.Statuses = append(f.Statuses, st)
	}
	tasks := d.sched.List(f)
	if tasks == nil {
		tasks = []model.Task{}
	}
	return uds.SuccessResponse(tasks)
}

func (d *Daemon) handleWait(req *uds.Request) *uds.Response {
	var p uds.TaskParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	timeout := maxWaitTimeout
	if p.TimeoutSec > 0 && time.Duration(p.TimeoutSec)*time.Second < timeout {
		timeout = time.Duration(p.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	task, err := d.sched.Wait(ctx, p.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleSpace(req *uds.Request) *uds.Response {
	var p uds.SpaceParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(d.sched.SpaceReport(d.ctx, p.Refresh))
}

func (d *Daemon) handleStats(req *uds.Request) *uds.Response {
	var p uds.OwnerParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(d.sched.Stats(p.Owner))
}

// errorResponse maps scheduler and intake errors onto protocol codes.
func errorResponse(err error) *uds.Response {
	code := uds.ErrCodeInternal
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = uds.ErrCodeNotFound
	case errors.Is(err, model.ErrDuplicate):
		code = uds.ErrCodeDuplicate
	case errors.Is(err, model.ErrUnauthorized):
		code = uds.ErrCodeUnauthorized
	case errors.Is(err, model.ErrTooLarge):
		code = uds.ErrCodeTooLarge
	case errors.Is(err, model.ErrInvalidSpec):
		code = uds.ErrCodeValidation
	case errors.Is(err, model.ErrClosed), errors.Is(err, context.Canceled):
		code = uds.ErrCodeShuttingDown
	case errors.Is(err, context.DeadlineExceeded):
		code = uds.ErrCodeTimeout
	}
	return uds.ErrorResponse(code, err.Error())
}
