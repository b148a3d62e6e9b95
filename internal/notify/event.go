package notify

import (
	"time"
)

// LoadEvent announces that a dataset type's table was replaced.
type LoadEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	Load     LoadInfo     `json:"load"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// LoadInfo describes the completed load.
type LoadInfo struct {
	DatasetType string   `json:"dataset_type"`
	Table       string   `json:"table"`
	JobID       string   `json:"job_id"`
	RowCount    int64    `json:"row_count"`
	SourceURI   string   `json:"source_uri"`
	ItemsStaged int      `json:"items_staged"`
	Omitted     []string `json:"omitted,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChainInfo links successive loads of the same table into a tamper-evident log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	PrevRunID     string `json:"prev_run_id,omitempty"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain this event belongs to: one per destination table.
func (e *LoadEvent) ChainKey() string {
	return e.Load.DatasetType + "/" + e.Load.Table
}

// Link points the event at the load it replaces and computes its digest.
// A zero prev starts a new chain.
func (e *LoadEvent) Link(prev Head) {
	e.Chain.PrevEventHash = prev.EventHash
	e.Chain.PrevRunID = prev.RunID
	e.Chain.EventHash = EventDigest(e)
}
