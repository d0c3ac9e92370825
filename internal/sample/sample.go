// Package sample is the LongRunOrchestrator workload: sleep, then greet three
// cities one after another.
package sample

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

const (
	OrchestratorName = "LongRunOrchestrator"
	HelloName        = "LongRunOrchestrator_Hello"

	// DefaultDelay is how long the orchestrator sleeps before greeting.
	DefaultDelay = 5 * time.Minute
)

// Cities are greeted in this order.
var Cities = []string{"Tokyo", "Seattle", "London"}

// Registrar is implemented by hosts and engines.
type Registrar interface {
	RegisterOrchestrator(name string, fn api.OrchestratorFunc) error
	RegisterActivity(name string, fn api.ActivityFunc) error
}

// Register adds the orchestrator and its activity to r.
func Register(r Registrar, delay time.Duration, logger *slog.Logger) error {
	if err := r.RegisterOrchestrator(OrchestratorName, NewLongRunOrchestrator(delay)); err != nil {
		return err
	}
	return r.RegisterActivity(HelloName, NewHello(logger))
}

// NewLongRunOrchestrator returns an orchestrator that sleeps for delay and
// then calls the Hello activity for each city in sequence. Its output is
// ["Hello Tokyo!","Hello Seattle!","Hello London!"].
func NewLongRunOrchestrator(delay time.Duration) api.OrchestratorFunc {
	return func(ctx api.OrchestrationContext) (any, error) {
		startAgain := ctx.CurrentUTCDateTime().Add(delay)
		if err := ctx.CreateTimer(startAgain).Await(nil); err != nil {
			return nil, err
		}

		outputs := make([]string, 0, len(Cities))
		for _, city := range Cities {
			greeting, err := api.AwaitAs[string](ctx.CallActivity(HelloName, city))
			if err != nil {
				return nil, err
			}
			outputs = append(outputs, greeting)
		}
		ctx.Logger().Info("greeted every city", "count", len(outputs))
		return outputs, nil
	}
}

// NewHello returns the greeting activity.
func NewHello(logger *slog.Logger) api.ActivityFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx *api.ActivityContext) (any, error) {
		var name string
		if err := ctx.GetInput(&name); err != nil {
			return nil, err
		}
		logger.Info(fmt.Sprintf("Saying hello to %s.", name), "instance_id", ctx.InstanceID)
		return Hello(name), nil
	}
}

func Hello(name string) string { return "Hello " + name + "!" }
