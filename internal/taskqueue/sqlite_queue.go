package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteQueue is a persistent Queue backed by a SQLite table. Several named
// queues share the table. Claims are a single UPDATE ... RETURNING, which
// SQLite serializes.
type SQLiteQueue struct {
	db   *sql.DB
	name string
	opts queueOptions
}

// NewSQLiteQueue initializes the task table in db and returns the queue
// called name.
func NewSQLiteQueue(db *sql.DB, name string, opts ...Option) (*SQLiteQueue, error) {
	q := &SQLiteQueue{db: db, name: name, opts: defaultOptions(opts)}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			queue            TEXT NOT NULL,
			payload          BLOB NOT NULL,
			not_before       INTEGER NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			leased_by        TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS queue_tasks_due ON queue_tasks (queue, not_before, seq);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.opts.clock.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, queue, payload, not_before, attempts)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, q.name, data, t.NotBefore.UnixNano(), t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
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
			SET leased_by = ?,
			    lease_expires_at = ?,
			    attempts = attempts + CASE WHEN leased_by != '' THEN 1 ELSE 0 END
			WHERE seq = (
				SELECT seq FROM queue_tasks
				WHERE queue = ? AND not_before <= ?
				  AND (leased_by = '' OR lease_expires_at <= ?)
				ORDER BY not_before, seq
				LIMIT 1
			)
			RETURNING payload, not_before, attempts`,
			owner, now.Add(leaseTTL).UnixNano(), q.name, now.UnixNano(), now.UnixNano(),
		).Scan(&payload, &notBefore, &attempts)
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

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = ? AND queue = ? AND leased_by = ?`,
		taskID, q.name, owner)
	return leaseResult(res, err)
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET leased_by = '', lease_expires_at = 0, not_before = ?, attempts = ?
		WHERE id = ? AND queue = ? AND leased_by = ?`,
		notBefore.UnixNano(), attempts, taskID, q.name, owner)
	return leaseResult(res, err)
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks WHERE queue = ?`, q.name).Scan(&n); err != nil {
		return 0
	}
	return n
}

// decodeLeased decodes a claimed payload and overlays the columns the
// backend tracks outside the blob.
func decodeLeased(payload []byte, notBefore int64, attempts int) (*Task, error) {
	t, err := DecodeTask(payload)
	if err != nil {
		return nil, err
	}
	t.NotBefore = time.Unix(0, notBefore).UTC()
	t.Attempts = attempts
	return t, nil
}

func leaseResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
