// Package retry decides whether a failed transfer is attempted again and how
// long to wait before doing so.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/msageha/fetchd/internal/model"
)

// Class is the classification of a transfer outcome.
type Class int

const (
	ClassTransient Class = iota
	ClassFatal
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// Classify maps a transfer error to a Class. Errors that carry no
// classification are treated as transient network failures.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, model.ErrCancelled) || errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	var te *model.TransferError
	if errors.As(err, &te) && te.Kind == model.TransferFatal {
		return ClassFatal
	}
	return ClassTransient
}

// Policy is pure: it holds no per-task state.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// FromConfig applies defaults for zero fields.
func FromConfig(cfg model.RetryConfig) Policy {
	p := Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = model.DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = model.DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = model.DefaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = model.DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before the retry that follows failed attempt n
// (n >= 1): BaseDelay * Multiplier^(n-1), capped at MaxDelay. Non-decreasing in n.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Action is what the pool does with a task after a failed attempt.
type Action int

const (
	ActionRetry Action = iota
	ActionFail
	ActionCancel
)

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason model.FailureReason
	Detail string
}

// Decide classifies err for a task that has already used attempts attempts.
func (p Policy) Decide(err error, attempts int) Decision {
	switch Classify(err) {
	case ClassCancelled:
		return Decision{Action: ActionCancel, Detail: "cancellation requested"}
	case ClassFatal:
		return Decision{Action: ActionFail, Reason: model.ReasonTransferFatal, Detail: "fatal transfer error"}
	}
	if attempts >= p.MaxAttempts {
		return Decision{
			Action: ActionFail,
			Reason: model.ReasonRetriesExhausted,
			Detail: fmt.Sprintf("max attempts reached (%d/%d)", attempts, p.MaxAttempts),
		}
	}
	return Decision{
		Action: ActionRetry,
		Delay:  p.Delay(attempts),
		Detail: fmt.Sprintf("attempt %d/%d failed", attempts, p.MaxAttempts),
	}
}
