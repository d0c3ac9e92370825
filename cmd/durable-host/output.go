package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/durable/internal/server"
	"github.com/petrijr/durable/pkg/api"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

var statusColors = map[api.RuntimeStatus]*color.Color{
	api.StatusPending:    color.New(color.FgYellow),
	api.StatusRunning:    color.New(color.FgCyan),
	api.StatusCompleted:  color.New(color.FgGreen),
	api.StatusFailed:     color.New(color.FgRed, color.Bold),
	api.StatusTerminated: color.New(color.FgMagenta),
}

func colorStatus(st api.RuntimeStatus) string {
	if c, ok := statusColors[st]; ok {
		return c.Sprint(st)
	}
	return string(st)
}

// encoded handles the json and yaml formats. It reports false for table.
func (p *printer) encoded(v any) (bool, error) {
	switch p.format {
	case outputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case outputYAML:
		// Go through JSON so field names and raw payloads match the API.
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return true, err
		}
		return true, enc.Close()
	case outputTable, "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", p.format)
	}
}

func (p *printer) table(header []string, rows [][]string) error {
	t := tablewriter.NewWriter(p.w)
	t.Header(header)
	for _, row := range rows {
		if err := t.Append(row); err != nil {
			return err
		}
	}
	return t.Render()
}

func (p *printer) checkStatus(c *server.CheckStatus) error {
	if done, err := p.encoded(c); done {
		return err
	}
	return p.table([]string{"Field", "Value"}, [][]string{
		{"id", c.ID},
		{"statusQueryGetUri", c.StatusQueryGetURI},
		{"terminatePostUri", c.TerminatePostURI},
		{"historyGetUri", c.HistoryGetURI},
	})
}

func (p *printer) instance(st *server.InstanceStatus) error {
	if done, err := p.encoded(st); done {
		return err
	}
	return p.table([]string{"Field", "Value"}, [][]string{
		{"instanceId", st.InstanceID},
		{"name", st.Name},
		{"runtimeStatus", colorStatus(st.RuntimeStatus)},
		{"createdTime", formatTime(st.CreatedTime)},
		{"lastUpdatedTime", formatTime(st.LastUpdatedTime)},
		{"input", string(st.Input)},
		{"output", string(st.Output)},
		{"error", st.Error},
	})
}

func (p *printer) instances(list []server.InstanceStatus) error {
	if done, err := p.encoded(list); done {
		return err
	}
	rows := make([][]string, 0, len(list))
	for _, st := range list {
		result := string(st.Output)
		if st.Error != "" {
			result = st.Error
		}
		rows = append(rows, []string{
			st.InstanceID,
			st.Name,
			colorStatus(st.RuntimeStatus),
			formatTime(st.CreatedTime),
			formatTime(st.LastUpdatedTime),
			truncate(result, 48),
		})
	}
	return p.table([]string{"Instance", "Name", "Status", "Created", "Updated", "Result"}, rows)
}

func (p *printer) history(events []server.Event) error {
	if done, err := p.encoded(events); done {
		return err
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		detail := ev.Detail
		switch {
		case ev.FireAt != nil:
			detail = "fires " + formatTime(*ev.FireAt)
		case detail == "":
			detail = string(ev.Payload)
		}
		rows = append(rows, []string{
			strconv.FormatInt(ev.Sequence, 10),
			string(ev.Kind),
			ev.CorrelationID,
			ev.Name,
			truncate(detail, 48),
			formatTime(ev.Timestamp),
		})
	}
	return p.table([]string{"Seq", "Kind", "Correlation", "Name", "Detail", "Time"}, rows)
}

// value prints free-form data. Tables fall back to YAML.
func (p *printer) value(v any) error {
	if done, err := p.encoded(v); done {
		return err
	}
	return newPrinter(p.w, outputYAML).value(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
