package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/fetch"
	"github.com/withObsrvr/tripdata-loader/internal/load"
	"github.com/withObsrvr/tripdata-loader/internal/metadata"
	"github.com/withObsrvr/tripdata-loader/internal/stage"
)

// fakeFetcher serves every item unless scripted otherwise.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[catalog.WorkItem]int
	removed  []catalog.WorkItem
	cached   map[catalog.WorkItem]bool
	failN    map[catalog.WorkItem]int   // fail this many times, then succeed
	failWith map[catalog.WorkItem]error // error used for failN
	gates    map[catalog.WorkItem]chan struct{}
	delay    time.Duration

	inFlight    int
	maxInFlight int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:    make(map[catalog.WorkItem]int),
		cached:   make(map[catalog.WorkItem]bool),
		failN:    make(map[catalog.WorkItem]int),
		failWith: make(map[catalog.WorkItem]error),
		gates:    make(map[catalog.WorkItem]chan struct{}),
	}
}

func (f *fakeFetcher) failAlways(item catalog.WorkItem, err error) {
	f.failN[item] = 1 << 30
	f.failWith[item] = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, item catalog.WorkItem) (fetch.Result, error) {
	f.mu.Lock()
	f.calls[item]++
	call := f.calls[item]
	gate := f.gates[item]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fetch.Result{}, &fetch.FetchError{Item: item, Cause: ctx.Err()}
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return fetch.Result{}, &fetch.FetchError{Item: item, Cause: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call <= f.failN[item] {
		return fetch.Result{}, f.failWith[item]
	}
	return fetch.Result{Path: "/tmp/" + item.Filename(), Size: 100, Cached: f.cached[item]}, nil
}

func (f *fakeFetcher) Remove(item catalog.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, item)
	return nil
}

func (f *fakeFetcher) callCount(item catalog.WorkItem) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[item]
}

func (f *fakeFetcher) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

// fakeStager records every staged key.
type fakeStager struct {
	mu        sync.Mutex
	staged    map[string]bool
	existing  map[string]bool
	bucketErr error
	fail      map[catalog.WorkItem]error
}

func newFakeStager() *fakeStager {
	return &fakeStager{
		staged:   make(map[string]bool),
		existing: make(map[string]bool),
		fail:     make(map[catalog.WorkItem]error),
	}
}

func (s *fakeStager) EnsureBucket(ctx context.Context) (bool, error) {
	return false, s.bucketErr
}

func (s *fakeStager) Stage(ctx context.Context, path string, item catalog.WorkItem) (stage.StagedObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[item]; err != nil {
		return stage.StagedObject{}, err
	}
	key := item.StagingKey()
	obj := stage.StagedObject{Key: key, URI: "mem://bucket/" + key, Size: 100}
	if s.existing[key] {
		obj.Skipped = true
	} else {
		obj.SHA256 = "sha256:" + key
	}
	s.staged[key] = true
	return obj, nil
}

func (s *fakeStager) stagedCount(t catalog.DatasetType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.staged {
		if len(key) > len(t) && key[:len(t)+1] == string(t)+"/" {
			n++
		}
	}
	return n
}

// fakeLoader records how many items were staged when each load started.
type fakeLoader struct {
	mu       sync.Mutex
	stager   *fakeStager
	calls    map[catalog.DatasetType]int
	stagedAt map[catalog.DatasetType]int
	err      error
}

func newFakeLoader(s *fakeStager) *fakeLoader {
	return &fakeLoader{
		stager:   s,
		calls:    make(map[catalog.DatasetType]int),
		stagedAt: make(map[catalog.DatasetType]int),
	}
}

func (l *fakeLoader) TableName(t catalog.DatasetType) string {
	return string(t) + "_tripdata_nyc"
}

func (l *fakeLoader) Load(ctx context.Context, t catalog.DatasetType) (load.Result, error) {
	staged := l.stager.stagedCount(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[t]++
	l.stagedAt[t] = staged
	if l.err != nil {
		return load.Result{}, &load.LoadError{Type: t, Table: l.TableName(t), JobID: "job-x", Cause: l.err}
	}
	return load.Result{
		Type:     t,
		Table:    l.TableName(t),
		JobID:    "job-" + string(t),
		RowCount: int64(staged) * 1000,
	}, nil
}

func (l *fakeLoader) callCount(t catalog.DatasetType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[t]
}

var errBoom = errors.New("boom")

// fakeLedger keeps every item record.
type fakeLedger struct {
	metadata.NoopWriter
	mu    sync.Mutex
	items []metadata.ItemRecord
}

func (l *fakeLedger) RecordItem(_ context.Context, rec metadata.ItemRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, rec)
	return nil
}
