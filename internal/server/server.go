// Package server exposes a durable host over HTTP: starting instances,
// querying and terminating them, plus the status check and environment
// endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/petrijr/durable/pkg/api"
)

// maxBodyBytes bounds orchestration input read from a request.
const maxBodyBytes = 1 << 20

// Backend is what the server needs from a host.
type Backend interface {
	api.Client
	HasRunning(ctx context.Context) (bool, error)
	ListRunning(ctx context.Context) ([]*api.Instance, error)
	Ping(ctx context.Context) error
}

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Serde decodes stored payloads before they are rendered as JSON.
	Serde api.Serde

	// Environment is rendered by the environment endpoint. It must already
	// be redacted.
	Environment any

	Logger *slog.Logger
	Clock  api.Clock
}

type Server struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	started time.Time
	mux     *http.ServeMux
	http    *http.Server
}

func New(backend Backend, opts Options) *Server {
	if opts.Serde == nil {
		opts.Serde = api.JSONSerde{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = api.SystemClock{}
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}

	s := &Server{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		started: opts.Clock.Now(),
		mux:     http.NewServeMux(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) routes() {
	both := func(pattern string, h http.HandlerFunc) {
		s.mux.HandleFunc("GET "+pattern, h)
		s.mux.HandleFunc("POST "+pattern, h)
	}

	both("/api/orchestrators/{name}", s.handleStart)
	s.mux.HandleFunc("GET /api/instances", s.handleQuery)
	s.mux.HandleFunc("GET /api/instances/{id}", s.handleStatus)
	s.mux.HandleFunc("GET /api/instances/{id}/history", s.handleHistory)
	s.mux.HandleFunc("POST /api/instances/{id}/terminate", s.handleTerminate)
	both("/api/statuscheck", s.handleStatusCheck)
	both("/api/orchestrationstatus", s.handleOrchestrationStatus)
	both("/api/environment", s.handleEnvironment)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
}

// Handler returns the routed handler with request logging and panic
// recovery applied.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.logRequests(s.mux))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.InfoContext(ctx, "starting http server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	input, err := readInput(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var opts []api.StartOption
	if id := r.URL.Query().Get("instanceId"); id != "" {
		opts = append(opts, api.WithInstanceID(id))
	}
	id, err := s.backend.Start(r.Context(), name, input, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "started orchestration", "name", name, "instance_id", id)

	check := checkStatus(baseURL(r), id)
	w.Header().Set("Location", check.StatusQueryGetURI)
	writeJSON(w, http.StatusAccepted, check)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	inst, err := s.backend.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.instanceStatus(inst))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.backend.QueryInstances(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.instanceStatuses(list))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.backend.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		e := Event{
			Sequence:      ev.Sequence,
			Kind:          ev.Kind,
			CorrelationID: ev.CorrelationID,
			Name:          ev.Name,
			Payload:       s.payloadJSON(ev.Payload),
			Detail:        ev.Detail,
			Timestamp:     ev.Timestamp,
		}
		if !ev.FireAt.IsZero() {
			fireAt := ev.FireAt
			e.FireAt = &fireAt
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if err := s.backend.Terminate(r.Context(), id, reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStatusCheck(w http.ResponseWriter, r *http.Request) {
	running, err := s.backend.HasRunning(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusCheckResponse{HasRunning: running})
}

func (s *Server) handleOrchestrationStatus(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.ListRunning(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.instanceStatuses(list))
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Environment)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Clock.Now()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: now,
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Clock.Now()
	resp := HealthResponse{
		Status:    "ready",
		Timestamp: now,
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		Checks:    map[string]string{"backend": "ok"},
	}
	code := http.StatusOK
	if err := s.backend.Ping(r.Context()); err != nil {
		resp.Status = "not ready"
		resp.Checks["backend"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) instanceStatus(inst *api.Instance) InstanceStatus {
	return InstanceStatus{
		InstanceID:      inst.ID,
		Name:            inst.Name,
		RuntimeStatus:   inst.Status,
		CreatedTime:     inst.CreatedAt,
		LastUpdatedTime: inst.LastUpdatedAt,
		Input:           s.payloadJSON(inst.Input),
		Output:          s.payloadJSON(inst.Output),
		Error:           inst.Error,
	}
}

func (s *Server) instanceStatuses(list []*api.Instance) []InstanceStatus {
	out := make([]InstanceStatus, 0, len(list))
	for _, inst := range list {
		out = append(out, s.instanceStatus(inst))
	}
	return out
}

// payloadJSON renders a stored payload as JSON. JSON payloads pass through;
// other codecs are decoded generically first. Payloads that cannot be
// rendered are returned as a JSON string of their raw bytes.
func (s *Server) payloadJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	if s.opts.Serde.Name() == "json" && json.Valid(data) {
		return json.RawMessage(data)
	}
	var v any
	if err := s.opts.Serde.Unmarshal(data, &v); err == nil {
		if out, err := json.Marshal(v); err == nil {
			return out
		}
	}
	out, _ := json.Marshal(data)
	return out
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readInput decodes the request body as the orchestration input. An empty
// body means no input.
func readInput(r *http.Request) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, badRequest("body exceeds %d bytes", maxBodyBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, badRequest("input is not valid JSON: %v", err)
	}
	return v, nil
}

func parseQuery(values url.Values) (api.InstanceQuery, error) {
	var q api.InstanceQuery
	var err error
	if v := values.Get("createdFrom"); v != "" {
		if q.CreatedFrom, err = time.Parse(time.RFC3339, v); err != nil {
			return q, badRequest("createdFrom: %v", err)
		}
	}
	if v := values.Get("createdTo"); v != "" {
		if q.CreatedTo, err = time.Parse(time.RFC3339, v); err != nil {
			return q, badRequest("createdTo: %v", err)
		}
	}
	for _, raw := range values["runtimeStatus"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			st, err := api.ParseRuntimeStatus(part)
			if err != nil {
				return q, badRequest("runtimeStatus: %v", err)
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	return q, nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func checkStatus(base, id string) CheckStatus {
	instance := base + "/api/instances/" + url.PathEscape(id)
	return CheckStatus{
		ID:                id,
		StatusQueryGetURI: instance,
		TerminatePostURI:  instance + "/terminate?reason={text}",
		HistoryGetURI:     instance + "/history",
	}
}
