package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/durable/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver. The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open("pgx", dsn).
//
// Appends to one instance are serialized by a transaction-scoped advisory
// lock; the (instance_id, sequence) primary key is the backstop.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS orchestration_instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_updated_at BIGINT NOT NULL,
			input BYTEA,
			output BYTEA,
			error TEXT NOT NULL DEFAULT '',
			last_sequence BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_orchestration_instances_created ON orchestration_instances(created_at, id);
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL REFERENCES orchestration_instances(id),
			sequence BIGINT NOT NULL,
			kind TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			detail TEXT NOT NULL DEFAULT '',
			fire_at BIGINT NOT NULL DEFAULT 0,
			ts BIGINT NOT NULL,
			PRIMARY KEY (instance_id, sequence)
		);
	`)
	return err
}

func (p *PostgresStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orchestration_instances (id, name, status, created_at, last_updated_at, input, output, error, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
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
	if isUniqueViolation(err) {
		return api.ErrInstanceExists
	}
	return pgErr("create instance", err)
}

func (p *PostgresStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET name            = $1,
		    status          = $2,
		    created_at      = $3,
		    last_updated_at = $4,
		    input           = $5,
		    output          = $6,
		    error           = $7,
		    last_sequence   = $8
		WHERE id = $9 AND last_sequence <= $8
	`,
		inst.Name,
		string(inst.Status),
		toNanos(inst.CreatedAt),
		toNanos(inst.LastUpdatedAt),
		inst.Input,
		inst.Output,
		inst.Error,
		inst.LastSequence,
		inst.ID,
	)
	if err != nil {
		return pgErr("update instance", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := p.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sqlInstanceColumns+`
		FROM orchestration_instances
		WHERE id = $1
	`,
		id,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrInstanceNotFound
	}
	return inst, pgErr("get instance", err)
}

func (p *PostgresStore) ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	query, args := buildInstanceQuery(q, func(n int) string { return fmt.Sprintf("$%d", n) })
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgErr("list instances", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (p *PostgresStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, pgErr("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instanceID); err != nil {
		return 0, pgErr("append", err)
	}

	var actual int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(sequence) FROM history_events WHERE instance_id = $1), 0)
		FROM orchestration_instances WHERE id = $1`,
		instanceID,
	).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, api.ErrInstanceNotFound
	}
	if err != nil {
		return 0, pgErr("append", err)
	}
	if actual != expected {
		return 0, &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: actual}
	}

	for _, ev := range assignSequences(expected, events) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (instance_id, sequence, kind, correlation_id, name, payload, detail, fire_at, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			instanceID, ev.Sequence, string(ev.Kind), ev.CorrelationID, ev.Name, ev.Payload, ev.Detail,
			toNanos(ev.FireAt), toNanos(ev.Timestamp),
		)
		if isUniqueViolation(err) {
			return 0, &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: ev.Sequence}
		}
		if err != nil {
			return 0, pgErr("append", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, pgErr("append", err)
	}
	return expected + int64(len(events)), nil
}

func (p *PostgresStore) Read(ctx context.Context, instanceID string) iter.Seq2[api.HistoryEvent, error] {
	return func(yield func(api.HistoryEvent, error) bool) {
		rows, err := p.db.QueryContext(ctx, `
			SELECT sequence, kind, correlation_id, name, payload, detail, fire_at, ts
			FROM history_events
			WHERE instance_id = $1
			ORDER BY sequence ASC`, instanceID)
		if err != nil {
			yield(api.HistoryEvent{}, pgErr("read", err))
			return
		}
		events, err := scanEvents(rows)
		_ = rows.Close()
		sliceSeq(events, err)(yield)
	}
}

func (p *PostgresStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	var last int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT MAX(sequence) FROM history_events WHERE instance_id = $1), 0)
		FROM orchestration_instances WHERE id = $1`,
		instanceID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, api.ErrInstanceNotFound
	}
	return last, pgErr("last sequence", err)
}

func (p *PostgresStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).UnixNano()
	nowInt := now.UnixNano()

	res, err := p.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		AND (
			lease_owner = ''
			OR lease_expires_at <= $4
			OR lease_owner = $1
		)`,
		owner, expires, instanceID, nowInt,
	)
	if err != nil {
		return false, pgErr("acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := p.GetInstance(ctx, instanceID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	expires := time.Now().Add(ttl).UnixNano()
	res, err := p.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3`,
		expires, instanceID, owner,
	)
	if err != nil {
		return pgErr("renew lease", err)
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

func (p *PostgresStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE orchestration_instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND lease_owner = $2`,
		instanceID, owner,
	)
	return pgErr("release lease", err)
}

func isUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

// pgErr classifies connection-level failures as transient. SQLSTATE class 08
// is "connection exception"; 40001 and 40P01 are serialization failure and
// deadlock.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		if pe.Code == "40001" || pe.Code == "40P01" || len(pe.Code) == 5 && pe.Code[:2] == "08" {
			return &api.TransientError{Op: "postgres " + op, Err: err}
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &api.TransientError{Op: "postgres " + op, Err: err}
	}
	return err
}
