package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vpatelsj/layoutapply/internal/apperr"
	"github.com/vpatelsj/layoutapply/internal/model"
)

// applyRow mirrors the apply_records table for sqlx.StructScan; jsonb
// columns are scanned into []byte and decoded in toModel, since sqlx has no
// generic jsonb-to-slice convention the way it does for scalar columns.
type applyRow struct {
	ApplyID string `db:"applyid"`

	Status    string       `db:"status"`
	StartedAt time.Time    `db:"startedat"`
	EndedAt   sql.NullTime `db:"endedat"`

	Procedures  []byte `db:"procedures"`
	ApplyResult []byte `db:"applyresult"`

	CanceledAt      sql.NullTime `db:"canceledat"`
	ExecuteRollback bool         `db:"executerollback"`

	RollbackStatus     sql.NullString `db:"rollbackstatus"`
	RollbackResult     []byte         `db:"rollbackresult"`
	RollbackStartedAt  sql.NullTime   `db:"rollbackstartedat"`
	RollbackEndedAt    sql.NullTime   `db:"rollbackendedat"`
	RollbackProcedures []byte         `db:"rollbackprocedures"`

	ResumeProcedures []byte `db:"resumeprocedures"`
	ResumeResult     []byte `db:"resumeresult"`

	SuspendedAt sql.NullTime `db:"suspendedat"`
	ResumedAt   sql.NullTime `db:"resumedat"`

	ProcessID        string       `db:"processid"`
	ExecutionCommand string       `db:"executioncommand"`
	ProcessStartedAt sql.NullTime `db:"processstartedat"`
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r applyRow) toModel() (model.ApplyRecord, error) {
	rec := model.ApplyRecord{
		ApplyID:          r.ApplyID,
		Status:           model.ApplyStatus(r.Status),
		StartedAt:        r.StartedAt,
		EndedAt:          nullTimePtr(r.EndedAt),
		CanceledAt:       nullTimePtr(r.CanceledAt),
		ExecuteRollback:  r.ExecuteRollback,
		RollbackStartedAt: nullTimePtr(r.RollbackStartedAt),
		RollbackEndedAt:   nullTimePtr(r.RollbackEndedAt),
		SuspendedAt:      nullTimePtr(r.SuspendedAt),
		ResumedAt:        nullTimePtr(r.ResumedAt),
		ProcessID:        r.ProcessID,
		ExecutionCommand: r.ExecutionCommand,
		ProcessStartedAt: nullTimePtr(r.ProcessStartedAt),
	}
	if r.RollbackStatus.Valid {
		rb := model.ApplyStatus(r.RollbackStatus.String)
		rec.RollbackStatus = &rb
	}

	for _, f := range []struct {
		raw []byte
		out any
	}{
		{r.Procedures, &rec.Procedures},
		{r.ApplyResult, &rec.ApplyResult},
		{r.RollbackProcedures, &rec.RollbackProcedures},
		{r.RollbackResult, &rec.RollbackResult},
		{r.ResumeProcedures, &rec.ResumeProcedures},
		{r.ResumeResult, &rec.ResumeResult},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.out); err != nil {
			return model.ApplyRecord{}, apperr.Wrap(apperr.CodeQueryFailed, "decode jsonb column", err)
		}
	}

	return rec, nil
}
