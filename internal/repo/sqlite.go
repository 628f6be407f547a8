package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"scorebook/internal/domain"
)

// Repo is the SQLite operation store.
type Repo struct {
	DB *sql.DB
}

var _ Store = Repo{}

const operationColumns = `match_id,sequence,client_operation_id,actor_id,kind,payload_json,recorded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanOperation(row rowScanner) (domain.Operation, error) {
	var op domain.Operation
	var kind, recordedAt string
	var payload sql.NullString
	err := row.Scan(&op.MatchID, &op.Sequence, &op.ClientOperationID, &op.ActorID, &kind, &payload, &recordedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	op.Kind = domain.Kind(kind)
	if payload.Valid {
		op.Payload = []byte(payload.String)
	}
	ts, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return op, fmt.Errorf("parse recorded_at of %s/%d: %w", op.MatchID, op.Sequence, err)
	}
	op.RecordedAt = ts
	return op, nil
}

func (r Repo) Atomically(ctx context.Context, matchID string, fn func(tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for match %s: %w", matchID, err)
	}
	defer tx.Rollback()
	if err := fn(sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("commit match %s: %w", matchID, err)
	}
	return nil
}

func (r Repo) ListSince(ctx context.Context, matchID string, since int64) ([]domain.Operation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE match_id=? AND sequence>? ORDER BY sequence ASC`, matchID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

func (r Repo) TipSequence(ctx context.Context, matchID string) (int64, error) {
	return tipSequence(ctx, r.DB, matchID)
}

func (r Repo) FindByClientOperationID(ctx context.Context, matchID, clientOperationID string) (domain.Operation, error) {
	return findByClientOperationID(ctx, r.DB, matchID, clientOperationID)
}

func (r Repo) ListMatches(ctx context.Context) ([]MatchSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT match_id, MAX(sequence), MAX(recorded_at) FROM operations GROUP BY match_id ORDER BY match_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MatchSummary
	for rows.Next() {
		var m MatchSummary
		var updated string
		if err := rows.Scan(&m.MatchID, &m.Version, &updated); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			m.UpdatedAt = ts
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) Close() error {
	return r.DB.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) TipSequence(ctx context.Context, matchID string) (int64, error) {
	return tipSequence(ctx, t.tx, matchID)
}

func (t sqlTx) FindByClientOperationID(ctx context.Context, matchID, clientOperationID string) (domain.Operation, error) {
	return findByClientOperationID(ctx, t.tx, matchID, clientOperationID)
}

func (t sqlTx) Append(ctx context.Context, op domain.Operation) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO operations(`+operationColumns+`) VALUES (?,?,?,?,?,?,?)`,
		op.MatchID, op.Sequence, op.ClientOperationID, op.ActorID, string(op.Kind), nullableBytes(op.Payload),
		op.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isConstraintError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append %s/%d: %w", op.MatchID, op.Sequence, err)
	}
	return nil
}

func tipSequence(ctx context.Context, q queryer, matchID string) (int64, error) {
	var tip int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0) FROM operations WHERE match_id=?`, matchID).Scan(&tip); err != nil {
		return 0, err
	}
	return tip, nil
}

func findByClientOperationID(ctx context.Context, q queryer, matchID, clientOperationID string) (domain.Operation, error) {
	return scanOperation(q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE match_id=? AND client_operation_id=?`, matchID, clientOperationID))
}

func nullableBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
