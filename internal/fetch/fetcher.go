// Package fetch retrieves remote dataset partitions to local disk.
//
// A fetched artifact only ever appears under its final name after it has been
// fully written, synced and validated, so the presence of the final file is a
// reliable signal that the work is done. Partial downloads live under a
// hidden ".{filename}.part-*" name and are never treated as cached.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
)

// Result describes a local artifact.
type Result struct {
	Path   string
	Size   int64
	Cached bool // true when no origin call was made
}

// Options tunes the Fetcher.
type Options struct {
	// MinSize is the smallest file accepted as a real artifact.
	MinSize int64
}

// Fetcher downloads work items into a local directory. It performs a single
// attempt per call; retry policy belongs to the caller.
type Fetcher struct {
	origin  Origin
	dir     string
	minSize int64
	logger  *slog.Logger
}

// New creates a Fetcher writing into dir, creating it if needed.
func New(origin Origin, dir string, opts Options) (*Fetcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir %s: %w", dir, err)
	}
	minSize := opts.MinSize
	if minSize < 1 {
		minSize = 1
	}
	return &Fetcher{
		origin:  origin,
		dir:     dir,
		minSize: minSize,
		logger:  logging.Component("fetch"),
	}, nil
}

// Path returns the final local path for an item.
func (f *Fetcher) Path(item catalog.WorkItem) string {
	return filepath.Join(f.dir, item.Filename())
}

// Fetch makes the item's artifact available locally.
func (f *Fetcher) Fetch(ctx context.Context, item catalog.WorkItem) (Result, error) {
	path := f.Path(item)

	if info, err := os.Stat(path); err == nil {
		cerr := checkArtifact(path, item.Format, f.minSize, false)
		if cerr == nil {
			f.logger.Debug("artifact cached", "item", item.String(), "path", path)
			return Result{Path: path, Size: info.Size(), Cached: true}, nil
		}
		f.logger.Warn("cached artifact invalid, refetching",
			"item", item.String(), "path", path, "error", cerr)
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return Result{}, newFetchError(item, fmt.Errorf("remove invalid cache: %w", rerr))
		}
	} else if !os.IsNotExist(err) {
		return Result{}, newFetchError(item, fmt.Errorf("stat %s: %w", path, err))
	}

	size, err := f.download(ctx, item, path)
	if err != nil {
		return Result{}, newFetchError(item, err)
	}

	f.logger.Info("artifact fetched", "item", item.String(), "bytes", size)
	return Result{Path: path, Size: size}, nil
}

func (f *Fetcher) download(ctx context.Context, item catalog.WorkItem, path string) (n int64, err error) {
	body, err := f.origin.Open(ctx, item)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(f.dir, "."+item.Filename()+".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err = io.Copy(tmp, body)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", f.origin.Describe(item), err)
	}
	if body.Size >= 0 && n != body.Size {
		return 0, fmt.Errorf("%w: got %d of %d bytes", ErrInvalidArtifact, n, body.Size)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	if err := checkArtifact(tmpPath, item.Format, f.minSize, true); err != nil {
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return n, nil
}

// Remove deletes the local artifact for an item. A missing file is not an error.
func (f *Fetcher) Remove(item catalog.WorkItem) error {
	if err := os.Remove(f.Path(item)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// SweepPartials removes temp files from interrupted downloads that have not
// been written for at least idle. A download still in progress keeps its temp
// file fresh, so passing the per-attempt fetch timeout leaves a concurrent
// run's transfers alone. Zero removes every temp file.
func (f *Fetcher) SweepPartials(idle time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-idle)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.Contains(name, ".part-") {
			continue
		}
		if idle > 0 {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		if err := os.Remove(filepath.Join(f.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}
