// Package notify publishes a hash-chained event each time a destination table
// is replaced.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/tripdata-loader/internal/config"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
)

const (
	eventVersion = "1.0"
	eventType    = "table_loaded"
	producerName = "tripdata-loader"
)

// ProducerVersion is reported in every event. Set by the CLI from the build.
var ProducerVersion = "dev"

// Emitter publishes load events.
type Emitter interface {
	Emit(ctx context.Context, evt *LoadEvent) error
	Close() error
}

// NewEmitter creates the appropriate emitter for the config: HTTP when an
// endpoint is set, file-only when only a backup dir is set, otherwise no-op.
func NewEmitter(cfg config.NotifyConfig) (Emitter, error) {
	logger := logging.Component("notify")
	switch {
	case cfg.Endpoint != "":
		logger.Info("load events enabled", "endpoint", cfg.Endpoint, "backup_dir", cfg.BackupDir)
		return NewHTTPEmitter(cfg)
	case cfg.BackupDir != "":
		logger.Info("load events enabled (file only)", "backup_dir", cfg.BackupDir)
		return NewFileOnlyEmitter(cfg.BackupDir)
	default:
		return NoopEmitter{}, nil
	}
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, *LoadEvent) error { return nil }
func (NoopEmitter) Close() error                           { return nil }

// NewLoadEvent builds the event for one completed load.
func NewLoadEvent(runID string, load LoadInfo) *LoadEvent {
	return &LoadEvent{
		RunID: runID,
		Load:  load,
		Producer: ProducerInfo{
			Name:    producerName,
			Version: ProducerVersion,
		},
	}
}

// stamp fills the identity fields every emitter sets before hashing.
func stamp(evt *LoadEvent) {
	evt.Version = eventVersion
	evt.EventType = eventType
	evt.EventID = uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}

var (
	_ Emitter = (*HTTPEmitter)(nil)
	_ Emitter = (*FileOnlyEmitter)(nil)
	_ Emitter = NoopEmitter{}
)
