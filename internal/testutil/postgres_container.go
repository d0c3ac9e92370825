package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var postgres shared

func postgresDSN(hostPort string) string {
	return fmt.Sprintf("postgres://durable:durable@%s/durable_test?sslmode=disable", hostPort)
}

// GetPostgresEndpoint returns a DSN for a shared PostgreSQL 16 container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return postgres.get(t, func(ctx context.Context) (string, error) {
		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					// Verify SQL connectivity through the mapped port.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return postgresDSN(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "durable",
				"POSTGRES_PASSWORD": "durable",
				"POSTGRES_DB":       "durable_test",
			}),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := postgresC.Endpoint(ctx, "")
		if err != nil {
			_ = postgresC.Terminate(context.Background())
			return "", err
		}
		return postgresDSN(endpoint), nil
	})
}
