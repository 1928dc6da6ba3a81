// Package store implements the durable Apply-State Store (SPEC_FULL.md
// §4.1): one row per apply, serializable transactions, retry on
// serialization failure. It generalizes the teacher's in-memory
// internal/bmdemo/store.Store — same CAS-style transition idiom and
// mutual-exclusion check, but backed by Postgres instead of a mutex-guarded
// map, because this spec's store must survive process restarts and support
// concurrent cancel-vs-scheduler access across goroutines that do not share
// an address space with certainty (SPEC_FULL.md §5 shared-resource policy).
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vpatelsj/layoutapply/internal/apperr"
	"github.com/vpatelsj/layoutapply/internal/model"
)

// serializationFailure is Postgres SQLSTATE 40001.
const serializationFailure = "40001"

// Store is the durable apply-record store.
type Store struct {
	db *sqlx.DB

	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration

	retryCounter prometheus.Counter
}

// SetRetryCounter wires an ambient metrics counter (internal/metrics) that is
// incremented once per serialization-failure retry. Optional; nil-safe.
func (s *Store) SetRetryCounter(c prometheus.Counter) {
	s.retryCounter = c
}

// Open connects to dsn (a Postgres connection string) and returns a Store.
// Migrations are applied separately by the caller (see cmd/layoutapplyd and
// internal/store/migrate.go) so that Open itself never mutates schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "connect to store", err)
	}
	return &Store{
		db:         db,
		maxRetries: 5,
		baseWait:   10 * time.Millisecond,
		maxWait:    500 * time.Millisecond,
	}, nil
}

// New wraps an already-open sqlx.DB (used by tests against go-sqlmock).
func New(db *sqlx.DB) *Store {
	return &Store{db: db, maxRetries: 5, baseWait: 10 * time.Millisecond, maxWait: 500 * time.Millisecond}
}

func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a serializable transaction, retrying on SQLSTATE
// 40001 with bounded exponential backoff, matching SPEC_FULL.md §4.1's
// "retries with exponential backoff up to a bounded number of attempts".
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			wait := s.backoff(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			lastErr = apperr.Wrap(apperr.CodeStoreUnavailable, "begin transaction", err)
			continue
		}

		err = fn(tx)
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				if isSerializationFailure(cerr) {
					s.countRetry()
					lastErr = cerr
					continue
				}
				return apperr.Wrap(apperr.CodeQueryFailed, "commit transaction", cerr)
			}
			return nil
		}

		_ = tx.Rollback()
		if isSerializationFailure(err) {
			s.countRetry()
			lastErr = err
			continue
		}
		return err
	}
	return apperr.Wrap(apperr.CodeStoreUnavailable, "serialization failure retries exhausted", lastErr)
}

func (s *Store) countRetry() {
	if s.retryCounter != nil {
		s.retryCounter.Inc()
	}
}

func (s *Store) backoff(attempt int) time.Duration {
	d := time.Duration(float64(s.baseWait) * math.Pow(2, float64(attempt)))
	if d > s.maxWait {
		d = s.maxWait
	}
	return d
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure
	}
	return false
}

// newApplyID generates a 10-character lowercase-hex ID.
func newApplyID() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Register inserts a new apply record with status IN_PROGRESS, enforcing the
// single-writer invariant under the same transaction as the insert
// (SPEC_FULL.md §4.1 register). On applyID collision it regenerates the ID
// and retries the insert, up to five times inside the same transaction; this
// budget is separate from withTx's serialization-failure retries.
func (s *Store) Register(ctx context.Context, plan model.Plan) (string, error) {
	var applyID string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		blocked, blockedErr := s.anyBlocking(ctx, tx)
		if blockedErr != nil {
			return blockedErr
		}
		if blocked != nil {
			if *blocked == model.ApplySuspended {
				return apperr.ErrSuspendedDataExists
			}
			return apperr.ErrAlreadyRunning
		}

		for attempt := 0; attempt < 5; attempt++ {
			id, genErr := newApplyID()
			if genErr != nil {
				return apperr.Wrap(apperr.CodeStoreUnavailable, "generate applyID", genErr)
			}

			proceduresJSON, mErr := json.Marshal(plan.Procedures)
			if mErr != nil {
				return apperr.Wrap(apperr.CodeValidation, "marshal procedures", mErr)
			}

			_, insErr := tx.ExecContext(ctx, `
				INSERT INTO apply_records (applyid, status, startedat, procedures)
				VALUES ($1, $2, $3, $4)
			`, id, model.ApplyInProgress, time.Now().UTC(), proceduresJSON)
			if insErr == nil {
				applyID = id
				return nil
			}
			if isUniqueViolation(insErr) {
				continue
			}
			return apperr.Wrap(apperr.CodeQueryFailed, "insert apply record", insErr)
		}
		return apperr.Wrap(apperr.CodeQueryFailed, "applyID collision retries exhausted", nil)
	})
	if err != nil {
		return "", err
	}
	return applyID, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// anyBlocking scans for any row whose status or rollback status counts
// against the single-writer invariant (Blocking). Returns the blocking
// status (apply-level if both are non-terminal, rollback status takes
// priority only to distinguish the SuspendedDataExists case) or nil.
func (s *Store) anyBlocking(ctx context.Context, tx *sqlx.Tx) (*model.ApplyStatus, error) {
	rows, err := tx.QueryxContext(ctx, `
		SELECT status, rollbackstatus FROM apply_records
		WHERE status IN ('IN_PROGRESS', 'CANCELING', 'SUSPENDED')
		   OR rollbackstatus IN ('IN_PROGRESS', 'SUSPENDED')
		FOR UPDATE
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeQueryFailed, "mutual exclusion scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status model.ApplyStatus
		var rollbackStatus sql.NullString
		if err := rows.Scan(&status, &rollbackStatus); err != nil {
			return nil, apperr.Wrap(apperr.CodeQueryFailed, "scan mutual exclusion row", err)
		}
		if rollbackStatus.Valid {
			rb := model.ApplyStatus(rollbackStatus.String)
			if rb == model.ApplySuspended || status == model.ApplySuspended {
				susp := model.ApplySuspended
				return &susp, nil
			}
		}
		return &status, nil
	}
	return nil, nil
}

// Get fetches one apply record.
func (s *Store) Get(ctx context.Context, applyID string) (model.ApplyRecord, error) {
	var rec applyRow
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM apply_records WHERE applyid = $1`, applyID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ApplyRecord{}, apperr.ErrApplyNotFound
	}
	if err != nil {
		return model.ApplyRecord{}, apperr.Wrap(apperr.CodeQueryFailed, "get apply record", err)
	}
	return rec.toModel()
}

// Current is the lightweight poll the scheduler uses between waits
// (SPEC_FULL.md §4.1 getCurrent, §4.2 step 3).
type Current struct {
	Status          model.ApplyStatus
	ExecuteRollback bool
}

func (s *Store) GetCurrent(ctx context.Context, applyID string) (Current, error) {
	var cur Current
	err := s.db.QueryRowContext(ctx, `SELECT status, executerollback FROM apply_records WHERE applyid = $1`, applyID).
		Scan(&cur.Status, &cur.ExecuteRollback)
	if errors.Is(err, sql.ErrNoRows) {
		return Current{}, apperr.ErrApplyNotFound
	}
	if err != nil {
		return Current{}, apperr.Wrap(apperr.CodeQueryFailed, "get current status", err)
	}
	return cur, nil
}

// RequestCancel transitions IN_PROGRESS -> CANCELING (SPEC_FULL.md §4.1
// requestCancel). Liveness checking against the recorded worker identity is
// performed by the caller (internal/lifecycle), which has access to the
// in-process worker registry; this method only applies the resulting status
// transition under a transaction.
func (s *Store) RequestCancel(ctx context.Context, applyID string, rollbackOnCancel bool) (Current, error) {
	var out Current
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var status model.ApplyStatus
		var rollbackStatus sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT status, rollbackstatus FROM apply_records WHERE applyid = $1 FOR UPDATE`, applyID)
		if err := row.Scan(&status, &rollbackStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.ErrApplyNotFound
			}
			return apperr.Wrap(apperr.CodeQueryFailed, "read apply record for cancel", err)
		}

		if rollbackStatus.Valid && model.ApplyStatus(rollbackStatus.String) == model.ApplySuspended {
			_, err := tx.ExecContext(ctx, `UPDATE apply_records SET rollbackstatus = $1 WHERE applyid = $2`,
				model.ApplyFailed, applyID)
			if err != nil {
				return apperr.Wrap(apperr.CodeQueryFailed, "fail suspended rollback", err)
			}
			out = Current{Status: status, ExecuteRollback: rollbackOnCancel}
			return nil
		}

		if status.Terminal() {
			return apperr.ErrAlreadyExecuted
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE apply_records
			SET status = $1, canceledat = $2, executerollback = $3
			WHERE applyid = $4
		`, model.ApplyCanceling, time.Now().UTC(), rollbackOnCancel, applyID)
		if err != nil {
			return apperr.Wrap(apperr.CodeQueryFailed, "transition to canceling", err)
		}
		out = Current{Status: model.ApplyCanceling, ExecuteRollback: rollbackOnCancel}
		return nil
	})
	return out, err
}

// ForceFailed is used by the worker-liveness check (SPEC_FULL.md §5): when
// the cancel path finds no live worker matching the stored process identity,
// it forces the record to FAILED (or rollbackStatus to FAILED if that track
// was IN_PROGRESS) and returns ErrProcessMissing.
func (s *Store) ForceFailed(ctx context.Context, applyID string, rollbackTrack bool) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if rollbackTrack {
			_, err := tx.ExecContext(ctx, `UPDATE apply_records SET rollbackstatus = $1 WHERE applyid = $2`,
				model.ApplyFailed, applyID)
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE apply_records SET status = $1, endedat = $2 WHERE applyid = $3`,
			model.ApplyFailed, time.Now().UTC(), applyID)
		return err
	})
}

// RequestResume transitions a SUSPENDED track back to IN_PROGRESS
// (SPEC_FULL.md §4.1 requestResume).
func (s *Store) RequestResume(ctx context.Context, applyID string) (Current, error) {
	var out Current
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var status model.ApplyStatus
		var rollbackStatus sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT status, rollbackstatus FROM apply_records WHERE applyid = $1 FOR UPDATE`, applyID)
		if err := row.Scan(&status, &rollbackStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.ErrApplyNotFound
			}
			return apperr.Wrap(apperr.CodeQueryFailed, "read apply record for resume", err)
		}

		rbSuspended := rollbackStatus.Valid && model.ApplyStatus(rollbackStatus.String) == model.ApplySuspended
		if status != model.ApplySuspended && !rbSuspended {
			return apperr.ErrAlreadyExecuted
		}

		now := time.Now().UTC()
		if rbSuspended {
			_, err := tx.ExecContext(ctx, `UPDATE apply_records SET rollbackstatus = $1, resumedat = $2 WHERE applyid = $3`,
				model.ApplyInProgress, now, applyID)
			if err != nil {
				return apperr.Wrap(apperr.CodeQueryFailed, "resume rollback track", err)
			}
			out = Current{Status: status}
			return nil
		}

		_, err := tx.ExecContext(ctx, `UPDATE apply_records SET status = $1, resumedat = $2 WHERE applyid = $3`,
			model.ApplyInProgress, now, applyID)
		if err != nil {
			return apperr.Wrap(apperr.CodeQueryFailed, "resume apply track", err)
		}
		out = Current{Status: model.ApplyInProgress}
		return nil
	})
	return out, err
}

// UpdateOption carries the scheduler's end-of-run write (SPEC_FULL.md §4.1
// update).
type UpdateOption struct {
	ApplyID            string
	Status             *model.ApplyStatus
	ApplyResult        []model.Detail
	RollbackStatus     *model.ApplyStatus
	RollbackProcedures []model.Procedure
	RollbackResult     []model.Detail
	ResumeProcedures   []model.Procedure
	ResumeResult       []model.Detail
	SuspendedAt        *time.Time
	RollbackStartedAt  *time.Time
	RollbackEndedAt    *time.Time

	ProcessID        *string
	ExecutionCommand *string
	ProcessStartedAt *time.Time
}

// Update writes the terminal status, result, and synthesized plans at the
// end of a scheduler run.
func (s *Store) Update(ctx context.Context, opt UpdateOption) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		sets := []string{}
		args := []any{}
		add := func(col string, val any) {
			args = append(args, val)
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		}

		if opt.Status != nil {
			add("status", *opt.Status)
			if opt.Status.Terminal() {
				add("endedat", time.Now().UTC())
			}
			if *opt.Status == model.ApplySuspended {
				now := time.Now().UTC()
				add("suspendedat", now)
			}
		}
		if opt.ApplyResult != nil {
			b, err := json.Marshal(opt.ApplyResult)
			if err != nil {
				return apperr.Wrap(apperr.CodeValidation, "marshal apply result", err)
			}
			add("applyresult", b)
		}
		if opt.RollbackStatus != nil {
			add("rollbackstatus", *opt.RollbackStatus)
		}
		if opt.RollbackProcedures != nil {
			b, err := json.Marshal(opt.RollbackProcedures)
			if err != nil {
				return apperr.Wrap(apperr.CodeValidation, "marshal rollback procedures", err)
			}
			add("rollbackprocedures", b)
		}
		if opt.RollbackResult != nil {
			b, err := json.Marshal(opt.RollbackResult)
			if err != nil {
				return apperr.Wrap(apperr.CodeValidation, "marshal rollback result", err)
			}
			add("rollbackresult", b)
		}
		if opt.ResumeProcedures != nil {
			b, err := json.Marshal(opt.ResumeProcedures)
			if err != nil {
				return apperr.Wrap(apperr.CodeValidation, "marshal resume procedures", err)
			}
			add("resumeprocedures", b)
		}
		if opt.ResumeResult != nil {
			b, err := json.Marshal(opt.ResumeResult)
			if err != nil {
				return apperr.Wrap(apperr.CodeValidation, "marshal resume result", err)
			}
			add("resumeresult", b)
		}
		if opt.RollbackStartedAt != nil {
			add("rollbackstartedat", *opt.RollbackStartedAt)
		}
		if opt.RollbackEndedAt != nil {
			add("rollbackendedat", *opt.RollbackEndedAt)
		}
		if opt.ProcessID != nil {
			add("processid", *opt.ProcessID)
		}
		if opt.ExecutionCommand != nil {
			add("executioncommand", *opt.ExecutionCommand)
		}
		if opt.ProcessStartedAt != nil {
			add("processstartedat", *opt.ProcessStartedAt)
		}

		if len(sets) == 0 {
			return nil
		}
		args = append(args, opt.ApplyID)
		query := fmt.Sprintf("UPDATE apply_records SET %s WHERE applyid = $%d", joinComma(sets), len(args))
		_, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return apperr.Wrap(apperr.CodeQueryFailed, "update apply record", err)
		}
		return nil
	})
}

// UpdateResultTarget selects which track an incremental result write targets
// (SPEC_FULL.md §4.1 updateResult).
type UpdateResultTarget int

const (
	TargetApply UpdateResultTarget = iota
	TargetRollback
	TargetResume
)

// AppendResult appends detail to the named track's result array. Used by the
// scheduler after each Procedure completes so a crash mid-run leaves partial
// progress visible, matching the spirit of the teacher's per-step
// UpdateWorkflowStep incremental writes in executor.go.
func (s *Store) AppendResult(ctx context.Context, applyID string, target UpdateResultTarget, detail model.Detail) error {
	col := map[UpdateResultTarget]string{
		TargetApply:    "applyresult",
		TargetRollback: "rollbackresult",
		TargetResume:   "resumeresult",
	}[target]

	b, err := json.Marshal(detail)
	if err != nil {
		return apperr.Wrap(apperr.CodeValidation, "marshal detail", err)
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := fmt.Sprintf(`UPDATE apply_records SET %s = %s || $1::jsonb WHERE applyid = $2`, col, col)
		_, err := tx.ExecContext(ctx, query, []byte("["+string(b)+"]"), applyID)
		return err
	})
}

// Delete removes a terminal apply record (SPEC_FULL.md §4.1 delete).
func (s *Store) Delete(ctx context.Context, applyID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var status model.ApplyStatus
		var rollbackStatus sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT status, rollbackstatus FROM apply_records WHERE applyid = $1 FOR UPDATE`, applyID)
		if err := row.Scan(&status, &rollbackStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.ErrApplyNotFound
			}
			return apperr.Wrap(apperr.CodeQueryFailed, "read apply record for delete", err)
		}
		if status.NonTerminal() {
			return apperr.ErrDeleteConflict
		}
		if rollbackStatus.Valid {
			rb := model.ApplyStatus(rollbackStatus.String)
			if rb.NonTerminal() {
				return apperr.ErrDeleteConflict
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM apply_records WHERE applyid = $1`, applyID)
		return err
	})
}

// listBaseColumns are always returned by List: every scalar/timestamp column
// on apply_records. listLargeColumns maps the spec's field names for the six
// jsonb columns (SPEC_FULL.md §4.1 list) to their apply_records column name;
// these are excluded from a List projection unless named in
// ListFilter.Fields, since they can carry a full historical Detail array per
// apply and listing should stay cheap.
var listBaseColumns = []string{
	"applyid", "status", "startedat", "endedat", "canceledat", "executerollback",
	"rollbackstatus", "rollbackstartedat", "rollbackendedat",
	"suspendedat", "resumedat", "processid", "executioncommand", "processstartedat",
}

var listLargeColumns = map[string]string{
	"procedures":         "procedures",
	"applyResult":        "applyresult",
	"rollbackProcedures": "rollbackprocedures",
	"rollbackResult":     "rollbackresult",
	"resumeProcedures":   "resumeprocedures",
	"resumeResult":       "resumeresult",
}

// ListFilter narrows List results (SPEC_FULL.md §4.1 list).
type ListFilter struct {
	Status        *model.ApplyStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	EndedAfter    *time.Time
	EndedBefore   *time.Time
	OrderBy       string // "startedat" or "endedat"
	Descending    bool
	Limit         int
	Offset        int

	// Fields names large jsonb columns to include in the projection:
	// "procedures", "applyResult", "rollbackProcedures", "rollbackResult",
	// "resumeProcedures", "resumeResult". Unnamed large columns are omitted
	// from both the query and the unmarshal work (SPEC_FULL.md §4.1 list).
	Fields []string
}

// List returns a projection of matching apply records plus the pre-limit
// total count.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]model.ApplyRecord, int, error) {
	where := []string{"1=1"}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.StartedAfter != nil {
		add("startedat >= $%d", *filter.StartedAfter)
	}
	if filter.StartedBefore != nil {
		add("startedat <= $%d", *filter.StartedBefore)
	}
	if filter.EndedAfter != nil {
		add("endedat >= $%d", *filter.EndedAfter)
	}
	if filter.EndedBefore != nil {
		add("endedat <= $%d", *filter.EndedBefore)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT count(*) FROM apply_records WHERE %s", joinAnd(where))
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeQueryFailed, "count apply records", err)
	}

	orderCol := "startedat"
	if filter.OrderBy == "endedat" {
		orderCol = "endedat"
	}
	dir := "ASC"
	if filter.Descending {
		dir = "DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	columns := append([]string{}, listBaseColumns...)
	for _, f := range filter.Fields {
		if col, ok := listLargeColumns[f]; ok {
			columns = append(columns, col)
		}
	}
	query := fmt.Sprintf("SELECT %s FROM apply_records WHERE %s ORDER BY %s %s LIMIT %d OFFSET %d",
		joinComma(columns), joinAnd(where), orderCol, dir, limit, filter.Offset)

	var rows []applyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, apperr.Wrap(apperr.CodeQueryFailed, "list apply records", err)
	}

	out := make([]model.ApplyRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toModel()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}

func joinComma(parts []string) string { return joinWith(parts, ", ") }
func joinAnd(parts []string) string   { return joinWith(parts, " AND ") }

func joinWith(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
