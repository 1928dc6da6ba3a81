package model

import "time"

// ApplyStatus is the lifecycle status of an apply, or of its rollback track.
type ApplyStatus string

const (
	ApplyInProgress ApplyStatus = "IN_PROGRESS"
	ApplyCanceling  ApplyStatus = "CANCELING"
	ApplyCompleted  ApplyStatus = "COMPLETED"
	ApplyFailed     ApplyStatus = "FAILED"
	ApplyCanceled   ApplyStatus = "CANCELED"
	ApplySuspended  ApplyStatus = "SUSPENDED"
)

// Terminal reports whether s admits no further transitions.
func (s ApplyStatus) Terminal() bool {
	switch s {
	case ApplyCompleted, ApplyFailed, ApplyCanceled:
		return true
	}
	return false
}

// NonTerminal reports whether a row in this status counts against the
// single-writer invariant (register rejects a new apply while any row is
// IN_PROGRESS, CANCELING, or SUSPENDED).
func (s ApplyStatus) NonTerminal() bool {
	switch s {
	case ApplyInProgress, ApplyCanceling, ApplySuspended:
		return true
	}
	return false
}

// Action selects which track (and which stored field) a scheduler run writes
// its result to.
type Action string

const (
	ActionRequest        Action = "REQUEST"
	ActionResume         Action = "RESUME"
	ActionRollbackResume Action = "ROLLBACK_RESUME"
)

// ApplyRecord is the durable row for one apply, keyed by a 10-character
// lowercase-hex applyID.
type ApplyRecord struct {
	ApplyID string `db:"applyid"`

	Status    ApplyStatus `db:"status"`
	StartedAt time.Time   `db:"startedat"`
	EndedAt   *time.Time  `db:"endedat"`

	Procedures  []Procedure `db:"procedures"`
	ApplyResult []Detail    `db:"applyresult"`

	CanceledAt      *time.Time `db:"canceledat"`
	ExecuteRollback bool       `db:"executerollback"`

	RollbackStatus    *ApplyStatus `db:"rollbackstatus"`
	RollbackResult    []Detail     `db:"rollbackresult"`
	RollbackStartedAt *time.Time   `db:"rollbackstartedat"`
	RollbackEndedAt   *time.Time   `db:"rollbackendedat"`
	RollbackProcedures []Procedure `db:"rollbackprocedures"`

	ResumeProcedures []Procedure `db:"resumeprocedures"`
	ResumeResult     []Detail    `db:"resumeresult"`

	SuspendedAt *time.Time `db:"suspendedat"`
	ResumedAt   *time.Time `db:"resumedat"`

	ProcessID        string     `db:"processid"`
	ExecutionCommand string     `db:"executioncommand"`
	ProcessStartedAt *time.Time `db:"processstartedat"`
}

// RollbackNonTerminal reports whether the rollback track (if any) is
// IN_PROGRESS or SUSPENDED, which also blocks new applies.
func (a ApplyRecord) RollbackNonTerminal() bool {
	if a.RollbackStatus == nil {
		return false
	}
	switch *a.RollbackStatus {
	case ApplyInProgress, ApplySuspended:
		return true
	}
	return false
}

// Blocking reports whether this record counts against the single-writer
// invariant checked by Store.Register.
func (a ApplyRecord) Blocking() bool {
	return a.Status.NonTerminal() || a.RollbackNonTerminal()
}
