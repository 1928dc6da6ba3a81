// Package lifecycle implements the Lifecycle Orchestrator (SPEC_FULL.md
// §4.5): startApply/cancelApply/resumeApply entry points that register or
// transition an apply in the store and fork an in-process worker to run the
// scheduler.
//
// The worker registry and its panic-recovery discipline are grounded on
// executor.go's Runner: activeOperations map[string]context.CancelFunc plus
// StartOperation/CancelOperation/handlePanic, generalized from the teacher's
// PENDING/RUNNING/CANCELED operation-phase model to this spec's
// apply/rollback/resume track model, and from an OS-process-adjacent model to
// a pure in-process goroutine carrying its own correlation identity (see
// DESIGN.md's worker-identity Open Question decision).
package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/vpatelsj/layoutapply/internal/apperr"
	"github.com/vpatelsj/layoutapply/internal/metrics"
	"github.com/vpatelsj/layoutapply/internal/model"
	"github.com/vpatelsj/layoutapply/internal/scheduler"
	"github.com/vpatelsj/layoutapply/internal/store"
)

// Notifier publishes a best-effort completion message on terminal apply
// transition (SPEC_FULL.md §6). Failures are logged and otherwise ignored.
type Notifier interface {
	Publish(ctx context.Context, applyID string, status model.ApplyStatus) error
}

// Store is the narrow slice of internal/store.Store the orchestrator needs.
type Store interface {
	scheduler.StatusPoller
	Register(ctx context.Context, plan model.Plan) (string, error)
	Get(ctx context.Context, applyID string) (model.ApplyRecord, error)
	RequestCancel(ctx context.Context, applyID string, rollbackOnCancel bool) (store.Current, error)
	RequestResume(ctx context.Context, applyID string) (store.Current, error)
	ForceFailed(ctx context.Context, applyID string, rollbackTrack bool) error
	Update(ctx context.Context, opt store.UpdateOption) error
}

type worker struct {
	processID string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Orchestrator drives apply/cancel/resume requests into store transitions
// plus background scheduler runs.
type Orchestrator struct {
	store     Store
	scheduler *scheduler.Scheduler
	notifier  Notifier
	log       logr.Logger

	mu      sync.Mutex
	workers map[string]worker

	metrics *metrics.Metrics
}

// SetMetrics wires ambient apply-count observation (internal/metrics).
// Optional; nil-safe.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// New constructs an Orchestrator.
func New(st Store, sched *scheduler.Scheduler, notifier Notifier, log logr.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		scheduler: sched,
		notifier:  notifier,
		log:       log,
		workers:   make(map[string]worker),
	}
}

// StartApply validates plan, registers it, and forks a worker to run it
// under ActionRequest. Validation runs before store.Register per
// SPEC_FULL.md §7's stated ordering: a malformed plan (unknown operation,
// missing target field, cyclic/dangling/self-loop dependency) must never
// reach the store, since the scheduler has no way to make progress on such a
// plan once accepted.
func (o *Orchestrator) StartApply(ctx context.Context, plan model.Plan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}

	applyID, err := o.store.Register(ctx, plan)
	if err != nil {
		return "", err
	}
	o.fork(applyID, plan, model.ActionRequest)
	return applyID, nil
}

// CancelApply requests cancellation of applyID. If no live worker is
// registered for it (a crashed process, per SPEC_FULL.md §5's liveness
// check), the record is forced to FAILED and ErrProcessMissing is returned
// instead of a normal cancel transition.
func (o *Orchestrator) CancelApply(ctx context.Context, applyID string, rollbackOnCancel bool) (store.Current, error) {
	o.mu.Lock()
	_, live := o.workers[applyID]
	o.mu.Unlock()

	if !live {
		rec, err := o.store.Get(ctx, applyID)
		if err != nil {
			return store.Current{}, err
		}
		if rec.Status.NonTerminal() {
			rollbackTrack := rec.RollbackStatus != nil && *rec.RollbackStatus == model.ApplyInProgress
			if err := o.store.ForceFailed(ctx, applyID, rollbackTrack); err != nil {
				return store.Current{}, err
			}
			return store.Current{}, apperr.ErrProcessMissing
		}
	}

	return o.store.RequestCancel(ctx, applyID, rollbackOnCancel)
}

// ResumeApply transitions a suspended track back to IN_PROGRESS and forks a
// worker to continue it, with the action determined by which track (apply
// or rollback) was suspended.
func (o *Orchestrator) ResumeApply(ctx context.Context, applyID string) (store.Current, error) {
	cur, err := o.store.RequestResume(ctx, applyID)
	if err != nil {
		return store.Current{}, err
	}

	rec, err := o.store.Get(ctx, applyID)
	if err != nil {
		return store.Current{}, err
	}

	if rec.RollbackStatus != nil && *rec.RollbackStatus == model.ApplyInProgress {
		o.fork(applyID, model.Plan{Procedures: rec.RollbackProcedures}, model.ActionRollbackResume)
	} else {
		o.fork(applyID, model.Plan{Procedures: rec.ResumeProcedures}, model.ActionResume)
	}
	return cur, nil
}

// fork starts a new goroutine worker carrying its own correlation identity
// and runs the scheduler to completion, writing the terminal result back to
// the store and notifying on terminal transition.
func (o *Orchestrator) fork(applyID string, plan model.Plan, action model.Action) {
	workerCtx, cancel := context.WithCancel(context.Background())
	processID := uuid.NewString()
	startedAt := time.Now().UTC()

	o.mu.Lock()
	o.workers[applyID] = worker{processID: processID, startedAt: startedAt, cancel: cancel}
	o.mu.Unlock()

	executionCommand := fmt.Sprintf("layoutapplyd worker --action=%s", action)
	if err := o.store.Update(workerCtx, store.UpdateOption{
		ApplyID:          applyID,
		ProcessID:        &processID,
		ExecutionCommand: &executionCommand,
		ProcessStartedAt: &startedAt,
	}); err != nil {
		o.log.Error(err, "record worker identity", "applyID", applyID)
	}

	go o.run(workerCtx, applyID, plan, action, processID)
}

func (o *Orchestrator) run(ctx context.Context, applyID string, plan model.Plan, action model.Action, processID string) {
	defer func() {
		o.mu.Lock()
		if w, ok := o.workers[applyID]; ok && w.processID == processID {
			delete(o.workers, applyID)
		}
		o.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			o.handlePanic(ctx, applyID, action, rec)
		}
	}()

	result, err := o.scheduler.Run(ctx, applyID, plan, action)
	if err != nil {
		o.log.Error(err, "scheduler run failed", "applyID", applyID, "action", action)
		return
	}

	if err := o.finalize(ctx, applyID, action, result); err != nil {
		o.log.Error(err, "finalize apply", "applyID", applyID)
		return
	}
	if o.metrics != nil && result.Status.Terminal() {
		o.metrics.ApplyTotal.WithLabelValues(string(result.Status)).Inc()
	}

	if result.Status.Terminal() {
		if err := o.notifier.Publish(ctx, applyID, result.Status); err != nil {
			o.log.Error(err, "publish completion notification", "applyID", applyID)
		}
	}

	if result.HasRollbackPlan {
		o.startRollback(ctx, applyID, result.RollbackPlan)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, applyID string, action model.Action, result scheduler.Result) error {
	status := result.Status
	opt := store.UpdateOption{ApplyID: applyID}

	switch action {
	case model.ActionRequest:
		opt.Status = &status
		opt.ApplyResult = result.Details
		if result.HasResumePlan {
			opt.ResumeProcedures = result.ResumePlan.Procedures
		}
	case model.ActionResume:
		opt.Status = &status
		opt.ResumeResult = result.Details
	case model.ActionRollbackResume:
		opt.RollbackStatus = &status
		opt.RollbackResult = result.Details
		now := time.Now().UTC()
		opt.RollbackEndedAt = &now
	}

	return o.store.Update(ctx, opt)
}

func (o *Orchestrator) startRollback(ctx context.Context, applyID string, rollbackPlan model.Plan) {
	inProgress := model.ApplyInProgress
	now := time.Now().UTC()
	if err := o.store.Update(ctx, store.UpdateOption{
		ApplyID:            applyID,
		RollbackStatus:     &inProgress,
		RollbackProcedures: rollbackPlan.Procedures,
		RollbackStartedAt:  &now,
	}); err != nil {
		o.log.Error(err, "record rollback start", "applyID", applyID)
		return
	}
	o.fork(applyID, rollbackPlan, model.ActionRollbackResume)
}

// handlePanic mirrors executor.go's handlePanic: recover, log the stack under
// apperr.CodeExecutionFailed, and force the track to FAILED rather than
// letting the goroutine vanish silently.
func (o *Orchestrator) handlePanic(ctx context.Context, applyID string, action model.Action, rec any) {
	err := apperr.New(apperr.CodeExecutionFailed, fmt.Sprintf("worker panic: %v", rec))
	o.log.Error(err, "recovered worker panic", "applyID", applyID, "stack", string(debug.Stack()))

	failed := model.ApplyFailed
	opt := store.UpdateOption{ApplyID: applyID}
	if action == model.ActionRollbackResume {
		opt.RollbackStatus = &failed
	} else {
		opt.Status = &failed
	}
	if uerr := o.store.Update(ctx, opt); uerr != nil {
		o.log.Error(uerr, "record panic failure", "applyID", applyID)
	}
}
