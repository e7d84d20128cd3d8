package scheduler

import (
	"github.com/msageha/fetchd/internal/model"
	"github.com/msageha/fetchd/internal/space"
)

// Verdict is the result of an admission check.
type Verdict int

const (
	Admitted Verdict = iota
	// DeniedInsufficient: the task does not fit now but might later.
	DeniedInsufficient
	// DeniedUnsatisfiable: the task can never fit on the volume.
	DeniedUnsatisfiable
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case DeniedUnsatisfiable:
		return "unsatisfiable"
	default:
		return "insufficient_space"
	}
}

// Admission decides whether a task may start given the volume headroom.
type Admission struct {
	Reserve  int64
	MaxSkips int // 0 = unbounded skip-ahead
}

// Evaluate admits a task of size bytes iff size + reserve <= available. It is
// unsatisfiable when size + reserve exceeds the volume's total capacity. A
// volume that has never been measured admits nothing.
func (a Admission) Evaluate(size int64, available int64, snap space.Snapshot) Verdict {
	if size < 0 {
		size = 0
	}
	need := size + a.Reserve
	if snap.Known() && snap.Total > 0 && need > snap.Total {
		return DeniedUnsatisfiable
	}
	if !snap.Known() || need > available {
		return DeniedInsufficient
	}
	return Admitted
}

// promotionPlan is the outcome of one scan over the waiting tasks.
type promotionPlan struct {
	promote       []model.Task
	unsatisfiable []model.Task
	skipped       []string // waiting tasks overtaken by a later promotion
	blockedBy     string   // task that exhausted its skip allowance, if any
}

// planPromotions walks waiting tasks in submission order and promotes every
// task that fits, deducting each promoted size from the budget so a single
// scan cannot over-commit. A task that does not fit is skipped. Once a task
// has been skipped MaxSkips times nothing behind it is promoted until it fits.
func (a Admission) planPromotions(waiting []model.Task, available int64, snap space.Snapshot) promotionPlan {
	var plan promotionPlan
	budget := available
	var pending []string // denied so far in this scan, not yet counted as skipped

	for _, t := range waiting {
		switch a.Evaluate(t.EstimatedSize, budget, snap) {
		case DeniedUnsatisfiable:
			plan.unsatisfiable = append(plan.unsatisfiable, t)
			continue
		case DeniedInsufficient:
			if a.MaxSkips > 0 && t.Skips >= a.MaxSkips {
				plan.blockedBy = t.ID
				return plan
			}
			pending = append(pending, t.ID)
			continue
		}

		plan.promote = append(plan.promote, t)
		budget -= max(t.EstimatedSize, 0)
		plan.skipped = append(plan.skipped, pending...)
		pending = pending[:0]
	}
	return plan
}
