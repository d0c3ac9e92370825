package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var natsC shared

// GetNATSURL returns the client URL of a shared NATS server with JetStream
// enabled.
func GetNATSURL(t *testing.T) string {
	t.Helper()
	return natsC.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "nats:2.11",
			testcontainers.WithExposedPorts("4222/tcp"),
			testcontainers.WithCmd("-js"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("4222/tcp"),
				wait.ForLog("Server is ready"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.PortEndpoint(ctx, "4222/tcp", "nats")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}
