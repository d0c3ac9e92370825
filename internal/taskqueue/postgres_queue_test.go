package taskqueue

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/durable/internal/testutil"
)

type PostgresQueueTestSuite struct {
	suite.Suite
	db *sql.DB
}

func TestPostgresQueueSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	db, err := sql.Open("pgx", testutil.GetPostgresEndpoint(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	suite.Run(t, &PostgresQueueTestSuite{db: db})
}

func (p *PostgresQueueTestSuite) newQueue(t *testing.T, clock *testutil.FakeClock) Queue {
	q, err := NewPostgresQueue(p.db, "orchestration", WithClock(clock), WithPollInterval(5*time.Millisecond))
	p.Require().NoError(err)
	_, err = p.db.Exec("TRUNCATE TABLE queue_tasks")
	p.Require().NoError(err, "TRUNCATE queue_tasks failed")
	return q
}

func (p *PostgresQueueTestSuite) TestContract() {
	runQueueContract(p.T(), p.newQueue, queueCaps{clockLeases: true})
}

func (p *PostgresQueueTestSuite) TestConcurrentClaimsDoNotOverlap() {
	clock := testutil.NewFakeClock(queueEpoch)
	q := p.newQueue(p.T(), clock)
	for i := 0; i < 20; i++ {
		p.Require().NoError(q.Enqueue(p.T().Context(), Task{Type: TaskTypeActivity}))
	}

	seen := make(chan string, 20)
	done := make(chan struct{})
	for w := 0; w < 4; w++ {
		owner := string(rune('a' + w))
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				task, err := dequeueWithin(p.T(), q, owner, 300*time.Millisecond)
				if err != nil {
					return
				}
				seen <- task.ID
			}
		}()
	}
	for w := 0; w < 4; w++ {
		<-done
	}
	close(seen)

	ids := make(map[string]bool)
	for id := range seen {
		p.False(ids[id], "task %s claimed twice", id)
		ids[id] = true
	}
	p.Len(ids, 20)
}
