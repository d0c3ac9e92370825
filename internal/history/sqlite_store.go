package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petrijr/durable/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver. The caller
// is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// File databases should be opened with _txlock=immediate and a busy timeout so
// that concurrent appends serialize instead of failing with SQLITE_BUSY.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS orchestration_instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_updated_at INTEGER NOT NULL,
			input BLOB,
			output BLOB,
			error TEXT NOT NULL DEFAULT '',
			last_sequence INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_orchestration_instances_created ON orchestration_instances(created_at, id);
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			kind TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			payload BLOB,
			detail TEXT NOT NULL DEFAULT '',
			fire_at INTEGER NOT NULL DEFAULT 0,
			ts INTEGER NOT NULL,
			PRIMARY KEY (instance_id, sequence)
		);`,
	)
	return err
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestration_instances (id, name, status, created_at, last_updated_at, input, output, error, last_sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.Name,
		string(inst.Status),
		toNanos(inst.CreatedAt),
		toNanos(inst.LastUpdatedAt),
		inst.Input,
		inst.Output,
		inst.Error,
		inst.LastSequence,
	)
	if isSQLiteConstraint(err) {
		return api.ErrInstanceExists
	}
	return err
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET name = ?, status = ?, created_at = ?, last_updated_at = ?, input = ?, output = ?, error = ?, last_sequence = ?
		WHERE id = ? AND last_sequence <= ?`,
		inst.Name,
		string(inst.Status),
		toNanos(inst.CreatedAt),
		toNanos(inst.LastUpdatedAt),
		inst.Input,
		inst.Output,
		inst.Error,
		inst.LastSequence,
		inst.ID,
		inst.LastSequence,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either missing or a newer record is stored.
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

const sqlInstanceColumns = `id, name, status, created_at, last_updated_at, input, output, error, last_sequence`

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqlInstanceColumns+`
		FROM orchestration_instances
		WHERE id = ?`,
		id,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteStore) ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	query, args := buildInstanceQuery(q, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *SQLiteStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqliteErr("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var actual int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(sequence) FROM history_events WHERE instance_id = ?), 0)
		FROM orchestration_instances WHERE id = ?`,
		instanceID, instanceID,
	).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, api.ErrInstanceNotFound
	}
	if err != nil {
		return 0, sqliteErr("append", err)
	}
	if actual != expected {
		return 0, &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: actual}
	}

	for _, ev := range assignSequences(expected, events) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (instance_id, sequence, kind, correlation_id, name, payload, detail, fire_at, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			instanceID, ev.Sequence, string(ev.Kind), ev.CorrelationID, ev.Name, ev.Payload, ev.Detail,
			toNanos(ev.FireAt), toNanos(ev.Timestamp),
		)
		if isSQLiteConstraint(err) {
			return 0, &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: ev.Sequence}
		}
		if err != nil {
			return 0, sqliteErr("append", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, sqliteErr("append", err)
	}
	return expected + int64(len(events)), nil
}

func (s *SQLiteStore) Read(ctx context.Context, instanceID string) iter.Seq2[api.HistoryEvent, error] {
	return func(yield func(api.HistoryEvent, error) bool) {
		events, err := s.readEvents(ctx, instanceID)
		sliceSeq(events, err)(yield)
	}
}

func (s *SQLiteStore) readEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, kind, correlation_id, name, payload, detail, fire_at, ts
		FROM history_events
		WHERE instance_id = ?
		ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, sqliteErr("read", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(sequence) FROM history_events WHERE instance_id = ?), 0)
		FROM orchestration_instances WHERE id = ?`,
		instanceID, instanceID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, api.ErrInstanceNotFound
	}
	return last, err
}

func (s *SQLiteStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrInstanceLocked
	}
	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		instanceID, owner,
	)
	return err
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// sqliteErr marks lock contention as transient so the retrying decorator
// can back off and try again.
func sqliteErr(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return &api.TransientError{Op: "sqlite " + op, Err: err}
		}
	}
	return err
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*api.Instance, error) {
	var inst api.Instance
	var status string
	var created, updated int64
	if err := r.Scan(&inst.ID, &inst.Name, &status, &created, &updated, &inst.Input, &inst.Output, &inst.Error, &inst.LastSequence); err != nil {
		return nil, err
	}
	inst.Status = api.RuntimeStatus(status)
	inst.CreatedAt = fromNanos(created)
	inst.LastUpdatedAt = fromNanos(updated)
	return &inst, nil
}

func scanInstances(rows *sql.Rows) ([]*api.Instance, error) {
	var instances []*api.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

func scanEvents(rows *sql.Rows) ([]api.HistoryEvent, error) {
	var out []api.HistoryEvent
	for rows.Next() {
		var ev api.HistoryEvent
		var kind string
		var fireAt, ts int64
		if err := rows.Scan(&ev.Sequence, &kind, &ev.CorrelationID, &ev.Name, &ev.Payload, &ev.Detail, &fireAt, &ts); err != nil {
			return nil, err
		}
		ev.Kind = api.EventKind(kind)
		ev.FireAt = fromNanos(fireAt)
		ev.Timestamp = fromNanos(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// buildInstanceQuery renders an InstanceQuery as SQL. placeholder returns the
// bind marker for the n-th (1-based) argument.
func buildInstanceQuery(q api.InstanceQuery, placeholder func(n int) string) (string, []any) {
	query := `SELECT ` + sqlInstanceColumns + ` FROM orchestration_instances`
	var args []any
	var clauses []string

	if !q.CreatedFrom.IsZero() {
		args = append(args, toNanos(q.CreatedFrom))
		clauses = append(clauses, "created_at >= "+placeholder(len(args)))
	}
	if !q.CreatedTo.IsZero() {
		args = append(args, toNanos(q.CreatedTo))
		clauses = append(clauses, "created_at <= "+placeholder(len(args)))
	}
	if len(q.Statuses) > 0 {
		marks := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			args = append(args, string(st))
			marks[i] = placeholder(len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(marks, ", ")))
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	return query + " ORDER BY created_at ASC, id ASC", args
}

// toNanos stores times as UTC Unix nanoseconds. Zero maps to 0.
// Times outside the int64 nanosecond range are clamped.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	if t.Before(minNanoTime) {
		return minNanoTime.UnixNano()
	}
	if t.After(maxNanoTime) {
		return maxNanoTime.UnixNano()
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var (
	minNanoTime = time.Unix(0, -1<<63+1).UTC()
	maxNanoTime = time.Unix(0, 1<<63-1).UTC()
)
