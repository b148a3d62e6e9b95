package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const headsFile = "table-heads.json"

// Head is the last load event a table's consumers accepted.
type Head struct {
	EventHash string    `json:"event_hash"`
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id,omitempty"`
	RowCount  int64     `json:"row_count"`
	LoadedAt  time.Time `json:"loaded_at"`
}

// EventDigest hashes the fields that identify one load of one table,
// together with the hash of the load it replaced.
func EventDigest(evt *LoadEvent) string {
	fields := []string{
		evt.Chain.PrevEventHash,
		evt.Chain.PrevRunID,
		evt.RunID,
		evt.EventID,
		evt.Load.DatasetType,
		evt.Load.Table,
		evt.Load.JobID,
		strconv.FormatInt(evt.Load.RowCount, 10),
		evt.Load.SourceURI,
		strconv.Itoa(evt.Load.ItemsStaged),
		strings.Join(evt.Load.Omitted, ","),
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\n")))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HeadStore keeps one Head per table in {dir}/table-heads.json.
type HeadStore struct {
	mu    sync.Mutex
	path  string
	heads map[string]Head
}

// OpenHeadStore reads the heads file in dir, creating dir if needed.
func OpenHeadStore(dir string) (*HeadStore, error) {
	if dir == "" {
		dir = "./state"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	s := &HeadStore{
		path:  filepath.Join(dir, headsFile),
		heads: make(map[string]Head),
	}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	default:
		if err := json.Unmarshal(data, &s.heads); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	return s, nil
}

// Head returns the head of a table's chain. ok is false for a table that has
// never been announced.
func (s *HeadStore) Head(key string) (Head, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.heads[key]
	return h, ok
}

// Advance makes evt the head of its table's chain.
func (s *HeadStore) Advance(evt *LoadEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heads[evt.ChainKey()] = Head{
		EventHash: evt.Chain.EventHash,
		RunID:     evt.RunID,
		JobID:     evt.Load.JobID,
		RowCount:  evt.Load.RowCount,
		LoadedAt:  evt.Timestamp,
	}

	data, err := json.MarshalIndent(s.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
