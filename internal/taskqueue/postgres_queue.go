package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresQueue implements Queue on a PostgreSQL table. Workers claim rows
// with FOR UPDATE SKIP LOCKED so concurrent claims never block each other.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_tasks (
//	    seq              BIGSERIAL PRIMARY KEY,
//	    id               TEXT NOT NULL UNIQUE,
//	    queue            TEXT NOT NULL,
//	    payload          BYTEA NOT NULL,
//	    not_before       BIGINT NOT NULL,
//	    attempts         INTEGER NOT NULL DEFAULT 0,
//	    leased_by        TEXT NOT NULL DEFAULT '',
//	    lease_expires_at BIGINT NOT NULL DEFAULT 0
//	);
type PostgresQueue struct {
	db   *sql.DB
	name string
	opts queueOptions
}

// NewPostgresQueue creates the required schema if needed and returns the
// queue called name.
func NewPostgresQueue(db *sql.DB, name string, opts ...Option) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, name: name, opts: defaultOptions(opts)}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq              BIGSERIAL PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			queue            TEXT NOT NULL,
			payload          BYTEA NOT NULL,
			not_before       BIGINT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			leased_by        TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS queue_tasks_due ON queue_tasks (queue, not_before, seq);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.opts.clock.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, queue, payload, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, q.name, data, t.NotBefore.UnixNano(), t.Attempts)
	return err
}

// Dequeue polls until a due task can be leased or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateLease(owner, leaseTTL); err != nil {
		return nil, err
	}
	tmr := newIdleTimer()
	defer tmr.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.clock.Now()
		var (
			payload   []byte
			notBefore int64
			attempts  int
		)
		err := q.db.QueryRowContext(ctx, `
			UPDATE queue_tasks
			SET leased_by = $1,
			    lease_expires_at = $2,
			    attempts = attempts + CASE WHEN leased_by <> '' THEN 1 ELSE 0 END
			WHERE seq = (
				SELECT seq FROM queue_tasks
				WHERE queue = $3 AND not_before <= $4
				  AND (leased_by = '' OR lease_expires_at <= $4)
				ORDER BY not_before, seq
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING payload, not_before, attempts
		`, owner, now.Add(leaseTTL).UnixNano(), q.name, now.UnixNano()).Scan(&payload, &notBefore, &attempts)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tmr.wait(ctx, q.opts.pollInterval, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return decodeLeased(payload, notBefore, attempts)
	}
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = $1 AND queue = $2 AND leased_by = $3`,
		taskID, q.name, owner)
	return leaseResult(res, err)
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET leased_by = '', lease_expires_at = 0, not_before = $1, attempts = $2
		WHERE id = $3 AND queue = $4 AND leased_by = $5
	`, notBefore.UnixNano(), attempts, taskID, q.name, owner)
	return leaseResult(res, err)
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks WHERE queue = $1`, q.name).Scan(&n); err != nil {
		return 0
	}
	return n
}
