package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/tripdata-loader/internal/config"
	"github.com/withObsrvr/tripdata-loader/internal/logging"
)

const (
	postAttempts     = 3
	postInitialDelay = time.Second
)

// HTTPEmitter posts load events to a webhook endpoint. Every event is backed
// up to a local file before the POST.
type HTTPEmitter struct {
	endpoint     string
	client       *http.Client
	heads        *HeadStore
	backup       *FileBackup
	initialDelay time.Duration
	logger       *slog.Logger
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg config.NotifyConfig) (*HTTPEmitter, error) {
	heads, err := OpenHeadStore(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("open table heads: %w", err)
	}

	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		heads:        heads,
		backup:       backup,
		initialDelay: postInitialDelay,
		logger:       logging.Component("notify"),
	}, nil
}

// Emit links the event into its table's chain, backs it up and posts it.
// The chain head only advances once the endpoint has accepted the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *LoadEvent) error {
	key := evt.ChainKey()
	prev, _ := e.heads.Head(key)

	stamp(evt)
	evt.Link(prev)

	e.logger.Info("emitting load event",
		"chain", key,
		"rows", evt.Load.RowCount,
		"prev_run_id", prev.RunID,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		e.logger.Warn("event backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("notify emit failed: %w", err)
	}

	if err := e.heads.Advance(evt); err != nil {
		e.logger.Warn("failed to update chain head", "chain", key, "error", err)
	}
	return nil
}

// postWithRetry sends the event with exponential backoff. Client errors other
// than 408 and 429 are not retried.
func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *LoadEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	op := func() error {
		attempt++
		err := e.post(ctx, body)
		if err != nil && attempt < postAttempts {
			e.logger.Warn("post attempt failed", "attempt", attempt, "of", postAttempts, "error", err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, postAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("all %d attempts failed: %w", attempt, err)
	}
	return nil
}

// post sends a single POST request.
func (e *HTTPEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.logger.Debug("event accepted", "endpoint", e.endpoint, "status", resp.StatusCode)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
