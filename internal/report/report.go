// Package report holds the run summary and renders or persists it.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

// ErrNoSummary is returned by Load when no summary has been written.
var ErrNoSummary = errors.New("no summary found")

// Summary is the outcome of one run.
type Summary struct {
	RunID      string        `json:"run_id"`
	Policy     string        `json:"policy"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Types      []TypeReport  `json:"types"`
}

// TypeReport is the outcome of one dataset type.
type TypeReport struct {
	Type          string        `json:"type"`
	State         string        `json:"state"`
	Table         string        `json:"table,omitempty"`
	Items         int           `json:"items"`
	Fetched       int           `json:"fetched"`
	FetchCached   int           `json:"fetch_cached"`
	Staged        int           `json:"staged"`
	StageSkipped  int           `json:"stage_skipped"`
	Failed        int           `json:"failed"`
	Failures      []ItemFailure `json:"failures,omitempty"`
	Omitted       []string      `json:"omitted,omitempty"`
	RowCount      int64         `json:"row_count"`
	JobID         string        `json:"job_id,omitempty"`
	LoadError     string        `json:"load_error,omitempty"`
	CleanupErrors []string      `json:"cleanup_errors,omitempty"`
	Transitions   []Transition  `json:"transitions,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
}

// ItemFailure records why one work item did not reach the staging store.
type ItemFailure struct {
	Item     string `json:"item"`
	Stage    string `json:"stage"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Transition is a timestamped state change.
type Transition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Succeeded reports whether every type reached DONE.
func (s *Summary) Succeeded() bool {
	if len(s.Types) == 0 {
		return false
	}
	for _, t := range s.Types {
		if t.State != "DONE" {
			return false
		}
	}
	return true
}

// FailedTypes lists the types that did not reach DONE.
func (s *Summary) FailedTypes() []string {
	var out []string
	for _, t := range s.Types {
		if t.State != "DONE" {
			out = append(out, t.Type)
		}
	}
	return out
}

// Render writes the summary as a table followed by failure details.
func Render(w io.Writer, s *Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault

	t.AppendHeader(table.Row{
		"type", "state", "items", "fetched", "cached", "staged", "skipped",
		"failed", "omitted", "rows", "duration",
	})
	for _, r := range s.Types {
		t.AppendRow(table.Row{
			r.Type, r.State, r.Items, r.Fetched, r.FetchCached, r.Staged, r.StageSkipped,
			r.Failed, len(r.Omitted), r.RowCount, r.Duration.Round(time.Millisecond),
		})
	}
	t.AppendFooter(table.Row{"total", "", "", "", "", "", "", "", "", "", s.Elapsed.Round(time.Millisecond)})
	t.Render()

	for _, r := range s.Types {
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s failed at %s after %d attempt(s): %s\n", f.Item, f.Stage, f.Attempts, f.Error)
		}
		if len(r.Omitted) > 0 {
			fmt.Fprintf(w, "  %s loaded without: %s\n", r.Type, strings.Join(r.Omitted, ", "))
		}
		if r.LoadError != "" {
			fmt.Fprintf(w, "  %s load: %s\n", r.Type, r.LoadError)
		}
		for _, c := range r.CleanupErrors {
			fmt.Fprintf(w, "  %s cleanup: %s\n", r.Type, c)
		}
	}
	if s.Cancelled {
		fmt.Fprintln(w, "  run was cancelled; fetched artifacts were kept for the next run")
	}
}

// Save writes the summary as JSON atomically.
func Save(path string, s *Summary) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create summary directory %s: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write summary temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename summary file: %w", err)
	}
	return nil
}

// Load reads a summary written by Save.
func Load(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSummary
		}
		return nil, fmt.Errorf("read summary file: %w", err)
	}

	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse summary file: %w", err)
	}
	return &s, nil
}
