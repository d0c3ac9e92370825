package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/internal/sample"
	"github.com/petrijr/durable/internal/server"
)

func startServer(t *testing.T) string {
	t.Helper()
	color.NoColor = true
	discard := slog.New(slog.DiscardHandler)

	host := durable.NewInMemoryHost(durable.WithLogger(discard), durable.WithPollInterval(time.Millisecond))
	if err := sample.Register(host, time.Hour, discard); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Run(ctx) }()

	srv := httptest.NewServer(server.New(host, server.Options{
		Environment: map[string]any{"service_name": "durable-host"},
		Logger:      discard,
	}).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv.URL
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", url}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	url := startServer(t)

	out, err := run(t, url, "start", sample.OrchestratorName, "--id", "cli-1", "-o", "json")
	if err != nil {
		t.Fatalf("start failed: %v\n%s", err, out)
	}
	var check server.CheckStatus
	if err := json.Unmarshal([]byte(out), &check); err != nil || check.ID != "cli-1" {
		t.Fatalf("start output %q: %v", out, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err = run(t, url, "status", "cli-1", "-o", "yaml")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		var st map[string]any
		if err := yaml.Unmarshal([]byte(out), &st); err != nil {
			t.Fatalf("status yaml %q: %v", out, err)
		}
		if st["runtimeStatus"] == "Running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance never ran: %s", out)
		}
		time.Sleep(5 * time.Millisecond)
	}

	out, err = run(t, url, "statuscheck", "-o", "json")
	if err != nil || !strings.Contains(out, `"hasRunning": true`) {
		t.Fatalf("statuscheck = %q, %v", out, err)
	}

	out, err = run(t, url, "list", "--status", "running")
	if err != nil || !strings.Contains(out, "cli-1") || !strings.Contains(out, "Running") {
		t.Fatalf("list = %q, %v", out, err)
	}

	if out, err = run(t, url, "terminate", "cli-1", "--reason", "done here"); err != nil {
		t.Fatalf("terminate failed: %v\n%s", err, out)
	}

	deadline = time.Now().Add(5 * time.Second)
	for {
		out, err = run(t, url, "history", "cli-1")
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		if strings.Contains(out, "OrchestratorTerminated") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never showed termination:\n%s", out)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(out, "OrchestratorStarted") || !strings.Contains(out, "done here") {
		t.Fatalf("history table missing rows:\n%s", out)
	}

	out, err = run(t, url, "env")
	if err != nil || !strings.Contains(out, "service_name: durable-host") {
		t.Fatalf("env = %q, %v", out, err)
	}
}

func TestCommandErrors(t *testing.T) {
	url := startServer(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown instance", []string{"status", "missing"}, "instance_not_found"},
		{"bad input", []string{"start", sample.OrchestratorName, "--input", "{"}, "not valid JSON"},
		{"bad status filter", []string{"list", "--status", "sleeping"}, "sleeping"},
		{"bad output", []string{"statuscheck", "-o", "xml"}, "unknown output format"},
		{"missing argument", []string{"status"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, url, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestBuildQuery(t *testing.T) {
	q, err := buildQuery([]string{"running", " Pending"}, "2015-10-10T00:00:00Z", "")
	if err != nil {
		t.Fatalf("buildQuery failed: %v", err)
	}
	if len(q.Statuses) != 2 || q.Statuses[0] != durable.StatusRunning || q.Statuses[1] != durable.StatusPending {
		t.Fatalf("statuses = %v", q.Statuses)
	}
	if !q.CreatedFrom.Equal(time.Date(2015, 10, 10, 0, 0, 0, 0, time.UTC)) || !q.CreatedTo.IsZero() {
		t.Fatalf("range = %v..%v", q.CreatedFrom, q.CreatedTo)
	}
	if _, err := buildQuery(nil, "yesterday", ""); err == nil {
		t.Fatalf("expected a parse error")
	}
}
