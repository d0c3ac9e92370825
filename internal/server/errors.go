package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/petrijr/durable/internal/status"
	"github.com/petrijr/durable/pkg/api"
)

var errBadRequest = errors.New("bad request")

// errorCodes maps sentinels to wire codes and HTTP statuses. Order matters:
// the first match wins.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{api.ErrInstanceNotFound, "instance_not_found", http.StatusNotFound},
	{api.ErrOrchestratorNotFound, "orchestrator_not_found", http.StatusNotFound},
	{api.ErrInstanceExists, "instance_exists", http.StatusConflict},
	{api.ErrInstanceTerminal, "instance_terminal", http.StatusConflict},
	{api.ErrInstanceLocked, "instance_locked", http.StatusConflict},
	{status.ErrInvalidRange, "invalid_range", http.StatusBadRequest},
	{errBadRequest, "bad_request", http.StatusBadRequest},
}

func classify(err error) (code string, httpStatus int) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// HTTPError is returned by Client for non-2xx responses. It unwraps to the
// sentinel named by the response code, so errors.Is works across the wire.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *HTTPError) Unwrap() error {
	for _, c := range errorCodes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}
