package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/vpatelsj/layoutapply/internal/model"
	"github.com/vpatelsj/layoutapply/internal/scheduler"
	"github.com/vpatelsj/layoutapply/internal/store"
)

// fakeStore is an in-memory stand-in for internal/store.Store, sufficient to
// drive an Orchestrator + real scheduler.Scheduler end to end without a
// database.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]model.ApplyRecord
	seq     int

	forceFailedCalls []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]model.ApplyRecord{}}
}

func (f *fakeStore) GetCurrent(ctx context.Context, applyID string) (store.Current, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[applyID]
	if !ok {
		return store.Current{}, nil
	}
	return store.Current{Status: rec.Status, ExecuteRollback: rec.ExecuteRollback}, nil
}

func (f *fakeStore) Register(ctx context.Context, plan model.Plan) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := "apply-fake"
	if f.seq > 1 {
		id = id + "-more"
	}
	f.records[id] = model.ApplyRecord{ApplyID: id, Status: model.ApplyInProgress, Procedures: plan.Procedures}
	return id, nil
}

func (f *fakeStore) Get(ctx context.Context, applyID string) (model.ApplyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[applyID], nil
}

func (f *fakeStore) RequestCancel(ctx context.Context, applyID string, rollbackOnCancel bool) (store.Current, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[applyID]
	rec.Status = model.ApplyCanceling
	rec.ExecuteRollback = rollbackOnCancel
	f.records[applyID] = rec
	return store.Current{Status: rec.Status, ExecuteRollback: rollbackOnCancel}, nil
}

func (f *fakeStore) RequestResume(ctx context.Context, applyID string) (store.Current, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[applyID]
	if rec.RollbackStatus != nil && *rec.RollbackStatus == model.ApplySuspended {
		ip := model.ApplyInProgress
		rec.RollbackStatus = &ip
	} else {
		rec.Status = model.ApplyInProgress
	}
	f.records[applyID] = rec
	return store.Current{Status: rec.Status}, nil
}

func (f *fakeStore) ForceFailed(ctx context.Context, applyID string, rollbackTrack bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceFailedCalls = append(f.forceFailedCalls, applyID)
	rec := f.records[applyID]
	if rollbackTrack {
		failed := model.ApplyFailed
		rec.RollbackStatus = &failed
	} else {
		rec.Status = model.ApplyFailed
	}
	f.records[applyID] = rec
	return nil
}

func (f *fakeStore) Update(ctx context.Context, opt store.UpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[opt.ApplyID]
	if opt.Status != nil {
		rec.Status = *opt.Status
	}
	if opt.ApplyResult != nil {
		rec.ApplyResult = opt.ApplyResult
	}
	if opt.RollbackStatus != nil {
		rec.RollbackStatus = opt.RollbackStatus
	}
	if opt.RollbackProcedures != nil {
		rec.RollbackProcedures = opt.RollbackProcedures
	}
	if opt.ResumeProcedures != nil {
		rec.ResumeProcedures = opt.ResumeProcedures
	}
	if opt.ProcessID != nil {
		rec.ProcessID = *opt.ProcessID
	}
	f.records[opt.ApplyID] = rec
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	outcomes map[int]model.Status
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, proc model.Procedure) (model.Detail, bool) {
	status := model.StatusCompleted
	d.mu.Lock()
	if s, ok := d.outcomes[proc.OperationID]; ok {
		status = s
	}
	d.mu.Unlock()
	return model.Detail{OperationID: proc.OperationID, Status: status}, false
}

type signalingNotifier struct {
	published chan model.ApplyStatus
}

func newSignalingNotifier() *signalingNotifier {
	return &signalingNotifier{published: make(chan model.ApplyStatus, 8)}
}

func (n *signalingNotifier) Publish(ctx context.Context, applyID string, status model.ApplyStatus) error {
	n.published <- status
	return nil
}

func waitForPublish(t *testing.T, n *signalingNotifier) model.ApplyStatus {
	t.Helper()
	select {
	case s := <-n.published:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notifier.Publish")
		return ""
	}
}

func TestStartApplyRunsToCompletion(t *testing.T) {
	fs := newFakeStore()
	d := &fakeDispatcher{outcomes: map[int]model.Status{}}
	sched := scheduler.New(d, fs, 2)
	notifier := newSignalingNotifier()
	orch := New(fs, sched, notifier, logr.Discard())

	plan := model.Plan{Procedures: []model.Procedure{{OperationID: 1, Operation: model.OpBoot, TargetDeviceID: "dev-1"}}}
	applyID, err := orch.StartApply(t.Context(), plan)
	if err != nil {
		t.Fatalf("StartApply: %v", err)
	}

	status := waitForPublish(t, notifier)
	if status != model.ApplyCompleted {
		t.Fatalf("published status = %v, want Completed", status)
	}

	rec, _ := fs.Get(t.Context(), applyID)
	if rec.Status != model.ApplyCompleted {
		t.Fatalf("record status = %v, want Completed", rec.Status)
	}
	if len(rec.ApplyResult) != 1 {
		t.Fatalf("apply result len = %d, want 1", len(rec.ApplyResult))
	}
}

func TestCancelApplyForcesFailedWhenWorkerNotLive(t *testing.T) {
	fs := newFakeStore()
	fs.records["apply-orphan"] = model.ApplyRecord{ApplyID: "apply-orphan", Status: model.ApplyInProgress}

	sched := scheduler.New(&fakeDispatcher{outcomes: map[int]model.Status{}}, fs, 2)
	orch := New(fs, sched, newSignalingNotifier(), logr.Discard())

	_, err := orch.CancelApply(t.Context(), "apply-orphan", false)
	if err == nil {
		t.Fatal("expected ErrProcessMissing, got nil")
	}
	if len(fs.forceFailedCalls) != 1 || fs.forceFailedCalls[0] != "apply-orphan" {
		t.Fatalf("ForceFailed calls = %v, want [apply-orphan]", fs.forceFailedCalls)
	}
	rec, _ := fs.Get(t.Context(), "apply-orphan")
	if rec.Status != model.ApplyFailed {
		t.Fatalf("record status = %v, want Failed", rec.Status)
	}
}

func TestResumeApplyChoosesRollbackTrackWhenSuspended(t *testing.T) {
	fs := newFakeStore()
	suspended := model.ApplySuspended
	fs.records["apply-r"] = model.ApplyRecord{
		ApplyID:            "apply-r",
		Status:             model.ApplyCompleted,
		RollbackStatus:     &suspended,
		RollbackProcedures: []model.Procedure{{OperationID: 9, Operation: model.OpBoot}},
	}

	d := &fakeDispatcher{outcomes: map[int]model.Status{}}
	sched := scheduler.New(d, fs, 2)
	notifier := newSignalingNotifier()
	orch := New(fs, sched, notifier, logr.Discard())

	if _, err := orch.ResumeApply(t.Context(), "apply-r"); err != nil {
		t.Fatalf("ResumeApply: %v", err)
	}

	waitForPublish(t, notifier)

	rec, _ := fs.Get(t.Context(), "apply-r")
	if rec.RollbackStatus == nil || *rec.RollbackStatus != model.ApplyCompleted {
		t.Fatalf("rollback status = %v, want Completed", rec.RollbackStatus)
	}
}
