package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/withObsrvr/tripdata-loader/internal/logging"
)

// FileBackup saves load events to local files for audit.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./notify-backup"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Path returns the file an event is backed up to:
// {type}_{table}_{run_id}.json.
func (f *FileBackup) Path(evt *LoadEvent) string {
	filename := fmt.Sprintf("%s_%s_%s.json", evt.Load.DatasetType, evt.Load.Table, evt.RunID)
	return filepath.Join(f.dir, filename)
}

// Save writes a load event to a local JSON file.
func (f *FileBackup) Save(evt *LoadEvent) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := f.Path(evt)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// FileOnlyEmitter writes events to files only.
// Used when no webhook endpoint is configured.
type FileOnlyEmitter struct {
	heads  *HeadStore
	backup *FileBackup
	logger *slog.Logger
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(backupDir string) (*FileOnlyEmitter, error) {
	heads, err := OpenHeadStore(backupDir)
	if err != nil {
		return nil, fmt.Errorf("open table heads: %w", err)
	}

	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		heads:  heads,
		backup: backup,
		logger: logging.Component("notify"),
	}, nil
}

// Emit writes a load event to a local file.
func (e *FileOnlyEmitter) Emit(_ context.Context, evt *LoadEvent) error {
	key := evt.ChainKey()
	prev, _ := e.heads.Head(key)
	stamp(evt)
	evt.Link(prev)

	if err := e.backup.Save(evt); err != nil {
		return err
	}
	e.logger.Info("load event written", "chain", key, "event_hash", evt.Chain.EventHash)

	if err := e.heads.Advance(evt); err != nil {
		e.logger.Warn("failed to update chain head", "chain", key, "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
