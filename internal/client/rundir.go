package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"labtasker/internal/config"
)

// Per-task run artifacts live under <root>/run/run-<task_id>_<timestamp>/:
// run.log captures the job's log output, status.json records the reported
// outcome, and summary.json doubles as the finish sentinel.
const (
	runLogName   = "run.log"
	statusName   = "status.json"
	summaryName  = "summary.json"
	runDirPrefix = "run-"
)

// RunDir is the working directory allocated for one task execution.
type RunDir struct {
	Path string
}

// newRunDir allocates the artifact directory for a task execution. Each
// attempt gets its own directory: a retry that reused an earlier attempt's
// directory would inherit its summary.json and look finished before running.
func newRunDir(taskID string, now time.Time) (*RunDir, error) {
	root, err := config.Root()
	if err != nil {
		return nil, err
	}
	parent := filepath.Join(root, "run")
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	base := fmt.Sprintf("%s%s_%s", runDirPrefix, taskID, now.UTC().Format("20060102T150405"))
	for n := 1; ; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		path := filepath.Join(parent, name)
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return &RunDir{Path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
	}
}

// LogFile opens (creating if needed) the run.log capture file.
func (r *RunDir) LogFile() (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(r.Path, runLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return f, nil
}

// WriteStatus records the reported outcome for post-mortem inspection.
func (r *RunDir) WriteStatus(status string, detail map[string]any) error {
	payload := map[string]any{
		"status":      status,
		"reported_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range detail {
		payload[k] = v
	}
	return writeJSON(filepath.Join(r.Path, statusName), payload)
}

// WriteSummary persists the summary document and thereby marks the task
// finished: a later finish attempt sees the sentinel and becomes a no-op.
func (r *RunDir) WriteSummary(summary map[string]any) error {
	return writeJSON(filepath.Join(r.Path, summaryName), summary)
}

// Finished reports whether the summary sentinel exists.
func (r *RunDir) Finished() bool {
	_, err := os.Stat(filepath.Join(r.Path, summaryName))
	return err == nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
