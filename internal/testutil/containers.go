// Package testutil starts the throwaway backing services used by the
// container-backed test suites and provides a controllable clock.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// startTimeout is generous for CI environments pulling images.
const startTimeout = 3 * time.Minute

// shared starts one container per test binary and hands its endpoint to
// every caller. Containers are reaped by testcontainers when the process
// exits, so no single test owns them.
type shared struct {
	once     sync.Once
	endpoint string
	err      error
}

func (s *shared) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		s.endpoint, s.err = start(ctx)
	})
	if s.err != nil {
		t.Fatalf("start test container: %v", s.err)
	}
	return s.endpoint
}
