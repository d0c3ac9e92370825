package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var mongoC shared

// GetMongoURI returns a connection URI for a shared MongoDB 7 container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoC.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("mongod startup complete"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return "mongodb://" + endpoint, nil
	})
}
