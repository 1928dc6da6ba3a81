// Package scheduler implements the DAG Scheduler (SPEC_FULL.md §4.2): it
// drives a Plan to completion under bounded parallelism, observing
// dependency order, cancel signals polled from the store, and suspension
// raised by the dispatcher.
//
// The wait-for-completion primitive is grounded on the channel-based,
// depth-staged coordinator loop in
// other_examples/884120b9_samgonzalez27-script-weaver's internal DAG
// executor (workCh/doneCh plus a single coordinator goroutine) rather than
// on Python's concurrent.futures.wait(FIRST_COMPLETED): a single buffered
// completions channel stands in for "wait for at least one", and draining
// it fully stands in for "wait for all".
package scheduler

import (
	"context"
	"runtime"

	"github.com/vpatelsj/layoutapply/internal/model"
	"github.com/vpatelsj/layoutapply/internal/store"
	"github.com/vpatelsj/layoutapply/internal/synth"
)

// Dispatcher invokes the remote endpoint for one Procedure and classifies
// the outcome (SPEC_FULL.md §4.3). suspended is true only for exhausted
// retry/polling on an infrastructure failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, proc model.Procedure) (detail model.Detail, suspended bool)
}

// StatusPoller is the narrow slice of the store the scheduler needs to
// observe cancel requests between waits.
type StatusPoller interface {
	GetCurrent(ctx context.Context, applyID string) (store.Current, error)
}

// ResultAppender incrementally persists one completed Procedure's Detail
// (SPEC_FULL.md §4.1 updateResult), called from Run after each completion so
// a crash mid-run leaves partial progress durably visible instead of only
// being captured by the single finalize()-time batch Update.
type ResultAppender interface {
	AppendResult(ctx context.Context, applyID string, target store.UpdateResultTarget, detail model.Detail) error
}

// Result is everything the scheduler produced for one Run, handed back to
// the lifecycle orchestrator for the store.Update/rollback-recursion step.
type Result struct {
	Status          model.ApplyStatus
	Details         []model.Detail
	SuspendFlag     bool
	CancelFlag      bool
	RollbackFlag    bool
	RollbackPlan    model.Plan
	ResumePlan      model.Plan
	HasRollbackPlan bool
	HasResumePlan   bool
}

// Scheduler drives one Plan through the Dispatcher.
type Scheduler struct {
	Dispatcher Dispatcher
	Poller     StatusPoller
	PoolSize   int

	results ResultAppender
}

// New constructs a Scheduler. A zero PoolSize defaults to
// runtime.GOMAXPROCS(0), matching SPEC_FULL.md §4.2's "default =
// available-parallelism hint".
func New(d Dispatcher, p StatusPoller, poolSize int) *Scheduler {
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0)
	}
	return &Scheduler{Dispatcher: d, Poller: p, PoolSize: poolSize}
}

// SetResultAppender wires per-completion incremental persistence. Optional;
// nil-safe — when unset, Run's terminal Result is still written by the
// lifecycle orchestrator's single finalize()-time batch Update, it just
// loses the mid-run crash-recovery guarantee.
func (s *Scheduler) SetResultAppender(r ResultAppender) {
	s.results = r
}

func targetFor(action model.Action) store.UpdateResultTarget {
	switch action {
	case model.ActionResume:
		return store.TargetResume
	case model.ActionRollbackResume:
		return store.TargetRollback
	default:
		return store.TargetApply
	}
}

// appendResults best-effort persists each detail via s.results, ignoring
// errors: incremental persistence is a crash-recovery aid, not a correctness
// requirement for the run in progress.
func (s *Scheduler) appendResults(ctx context.Context, applyID string, action model.Action, details []model.Detail) {
	if s.results == nil {
		return
	}
	target := targetFor(action)
	for _, d := range details {
		_ = s.results.AppendResult(ctx, applyID, target, d)
	}
}

type completion struct {
	detail    model.Detail
	suspended bool
}

// Run executes plan for applyID under action, returning the finalized
// Result. Run never returns an error for plan-execution outcomes — per
// SPEC_FULL.md §7's propagation rule, the scheduler always produces a
// terminal Result. Run returns an error, with an empty Result, in two cases:
// ctx cancellation, reserved for process shutdown, and a failed GetCurrent
// poll of the store.
func (s *Scheduler) Run(ctx context.Context, applyID string, plan model.Plan, action model.Action) (Result, error) {
	// Step 1: pre-check.
	cur, err := s.Poller.GetCurrent(ctx, applyID)
	if err != nil {
		return Result{}, err
	}
	if cur.Status == model.ApplyCanceling {
		executed := make([]model.Detail, 0, len(plan.Procedures))
		for _, p := range plan.Procedures {
			executed = append(executed, model.Detail{OperationID: p.OperationID, Status: model.StatusCanceled})
		}
		s.appendResults(ctx, applyID, action, executed)
		return s.finalize(plan, executed, false, true, cur.ExecuteRollback, action)
	}

	pending := make([]model.Procedure, len(plan.Procedures))
	copy(pending, plan.Procedures)
	executed := make([]model.Detail, 0, len(plan.Procedures))
	completedIDs := map[int]bool{}

	completions := make(chan completion, len(plan.Procedures))
	sem := make(chan struct{}, s.PoolSize)
	inflight := 0

	submit := func(proc model.Procedure) {
		inflight++
		sem <- struct{}{}
		go func(p model.Procedure) {
			defer func() { <-sem }()
			detail, suspended := s.Dispatcher.Dispatch(ctx, p)
			completions <- completion{detail: detail, suspended: suspended}
		}(proc)
	}

	// Step 2: seed.
	pending = submitReady(pending, nil, submit)

	suspendFlag := false
	cancelFlag := false
	rollbackFlag := false

	// Step 3: main loop.
	for len(executed) < len(plan.Procedures) {
		batch := make([]completion, 0, inflight)

		// Wait for at least one (FIRST_COMPLETED).
		select {
		case c := <-completions:
			batch = append(batch, c)
			inflight--
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		// Drain whatever else is already ready, non-blocking.
	drainReady:
		for {
			select {
			case c := <-completions:
				batch = append(batch, c)
				inflight--
			default:
				break drainReady
			}
		}

		for _, c := range batch {
			if c.suspended {
				suspendFlag = true
			}
		}

		if !suspendFlag {
			cur, err := s.Poller.GetCurrent(ctx, applyID)
			if err != nil {
				return Result{}, err
			}
			if cur.Status == model.ApplyCanceling && !cancelFlag {
				cancelFlag = true
				rollbackFlag = cur.ExecuteRollback
				// ALL_COMPLETED drain: collect every still-inflight task
				// before processing this batch's results.
				for inflight > 0 {
					select {
					case c := <-completions:
						batch = append(batch, c)
						inflight--
					case <-ctx.Done():
						return Result{}, ctx.Err()
					}
				}
			}
		}

		for _, c := range batch {
			executed = append(executed, c.detail)
			s.appendResults(ctx, applyID, action, []model.Detail{c.detail})
			if c.detail.Status == model.StatusCompleted {
				completedIDs[c.detail.OperationID] = true
			}
			if c.detail.Status == model.StatusFailed {
				var skipped []model.Detail
				skipped, pending = skipClosure(pending, map[int]bool{c.detail.OperationID: true})
				executed = append(executed, skipped...)
				s.appendResults(ctx, applyID, action, skipped)
			}
		}

		if cancelFlag {
			var canceled []model.Detail
			for _, p := range pending {
				canceled = append(canceled, model.Detail{OperationID: p.OperationID, Status: model.StatusCanceled})
			}
			executed = append(executed, canceled...)
			s.appendResults(ctx, applyID, action, canceled)
			pending = nil
		}

		pending = submitReady(pending, completedIDs, submit)
	}

	return s.finalize(plan, executed, suspendFlag, cancelFlag, rollbackFlag, action)
}

// submitReady submits every Procedure in pending whose dependencies are all
// contained in completedIDs, and returns the remaining pending set.
// Strict set containment (never a count-based comparison) per SPEC_FULL.md
// §9's resolution of the dependencies-set-containment ambiguity.
func submitReady(pending []model.Procedure, completedIDs map[int]bool, submit func(model.Procedure)) []model.Procedure {
	remaining := pending[:0]
	for _, p := range pending {
		if dependenciesSatisfied(p, completedIDs) {
			submit(p)
			continue
		}
		remaining = append(remaining, p)
	}
	return remaining
}

func dependenciesSatisfied(p model.Procedure, completedIDs map[int]bool) bool {
	for _, dep := range p.Dependencies {
		if !completedIDs[dep] {
			return false
		}
	}
	return true
}

// skipClosure removes every pending Procedure that transitively depends on
// an ID in roots (or on another Procedure already found to be skipped),
// returning SKIPPED Details for them plus whatever remains pending.
func skipClosure(pending []model.Procedure, roots map[int]bool) (skipped []model.Detail, remaining []model.Procedure) {
	skipSet := map[int]bool{}
	for changed := true; changed; {
		changed = false
		for _, p := range pending {
			if skipSet[p.OperationID] {
				continue
			}
			for _, dep := range p.Dependencies {
				if roots[dep] || skipSet[dep] {
					skipSet[p.OperationID] = true
					changed = true
					break
				}
			}
		}
	}

	for _, p := range pending {
		if skipSet[p.OperationID] {
			skipped = append(skipped, model.Detail{OperationID: p.OperationID, Status: model.StatusSkipped})
			continue
		}
		remaining = append(remaining, p)
	}
	return skipped, remaining
}

// finalize applies SPEC_FULL.md §4.2 step 4's status-derivation rule and
// composes the rollback/resume plans called for by steps 5-7.
func (s *Scheduler) finalize(plan model.Plan, executed []model.Detail, suspendFlag, cancelFlag, rollbackFlag bool, action model.Action) (Result, error) {
	status := finalStatus(suspendFlag, executed)

	res := Result{
		Status:       status,
		Details:      executed,
		SuspendFlag:  suspendFlag,
		CancelFlag:   cancelFlag,
		RollbackFlag: rollbackFlag,
	}

	if action == model.ActionRequest && status == model.ApplyCanceled && rollbackFlag {
		res.RollbackPlan = synth.Rollback(plan, executed)
		res.HasRollbackPlan = true
	}

	if status == model.ApplySuspended {
		res.ResumePlan = synth.Resume(plan, executed)
		res.HasResumePlan = true
	}

	return res, nil
}

func finalStatus(suspendFlag bool, executed []model.Detail) model.ApplyStatus {
	if suspendFlag {
		return model.ApplySuspended
	}
	for _, d := range executed {
		if d.Status == model.StatusFailed {
			return model.ApplyFailed
		}
	}
	for _, d := range executed {
		if d.Status == model.StatusCanceled {
			return model.ApplyCanceled
		}
	}
	return model.ApplyCompleted
}

