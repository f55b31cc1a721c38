// Package doctor checks that the services KafPage depends on are reachable.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Status is the outcome of one check.
type Status string

const (
	OK   Status = "OK"
	WARN Status = "WARN"
	FAIL Status = "FAIL"
	SKIP Status = "SKIP"
)

// Row is a single check result.
type Row struct {
	Component string        `json:"component"`
	Target    string        `json:"target"`
	Status    Status        `json:"status"`
	Detail    string        `json:"detail"`
	Hint      string        `json:"hint,omitempty"`
	Took      time.Duration `json:"took"`
}

// Report collects check results.
type Report struct {
	Rows       []Row     `json:"rows"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Failed     bool      `json:"failed"`
}

// Probe performs one check and returns a short detail on success.
type Probe func(ctx context.Context) (string, error)

// NewReport starts an empty report.
func NewReport() *Report {
	return &Report{StartedAt: time.Now()}
}

// Add appends a row.
func (r *Report) Add(row Row) {
	if row.Status == FAIL {
		r.Failed = true
	}
	r.Rows = append(r.Rows, row)
	slog.Debug("Doctor check", "component", row.Component, "target", row.Target, "status", row.Status, "detail", row.Detail)
}

// Skip records a check that does not apply to the current config.
func (r *Report) Skip(component, target, detail string) {
	r.Add(Row{Component: component, Target: target, Status: SKIP, Detail: detail})
}

// Run executes probe under timeout and records the result. hint is shown
// only when the probe fails.
func (r *Report) Run(ctx context.Context, component, target string, timeout time.Duration, hint string, probe Probe) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	detail, err := probe(ctx)
	row := Row{Component: component, Target: target, Status: OK, Detail: detail, Took: time.Since(start).Truncate(time.Millisecond)}
	if err != nil {
		row.Status = FAIL
		row.Detail = err.Error()
		row.Hint = hint
	}
	r.Add(row)
}

// Finish stamps the end time.
func (r *Report) Finish() {
	r.FinishedAt = time.Now()
}

// Counts returns the number of rows per status.
func (r *Report) Counts() map[Status]int {
	out := map[Status]int{}
	for _, row := range r.Rows {
		out[row.Status]++
	}
	return out
}

// Print writes a colored table.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\nKafPage Dependency Report  (%s)\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintln(w, strings.Repeat("-", 88))
	fmt.Fprintf(w, "%-5s %-10s %-30s %s\n", "", "Component", "Target", "Detail")
	fmt.Fprintln(w, strings.Repeat("-", 88))
	for _, row := range r.Rows {
		line := fmt.Sprintf("%-5s %-10s %-30s %s", row.Status, row.Component, truncate(row.Target, 30), row.Detail)
		switch row.Status {
		case OK:
			fmt.Fprintln(w, color.GreenString(line))
		case WARN:
			fmt.Fprintln(w, color.YellowString(line))
		case FAIL:
			fmt.Fprintln(w, color.RedString(line))
		default:
			fmt.Fprintln(w, line)
		}
		if row.Hint != "" && row.Status != OK {
			fmt.Fprintln(w, color.YellowString("      -> Hint: %s", row.Hint))
		}
	}
	fmt.Fprintln(w, strings.Repeat("-", 88))
	c := r.Counts()
	fmt.Fprintf(w, "OK:%d  WARN:%d  FAIL:%d  SKIP:%d\n", c[OK], c[WARN], c[FAIL], c[SKIP])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
