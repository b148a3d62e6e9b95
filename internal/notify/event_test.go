package notify

import (
	"strings"
	"testing"
	"time"
)

func testEvent() *LoadEvent {
	return &LoadEvent{
		Version:   eventVersion,
		EventType: eventType,
		EventID:   "evt-1",
		RunID:     "run-1",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Load: LoadInfo{
			DatasetType: "green",
			Table:       "green_tripdata_nyc",
			JobID:       "job-1",
			RowCount:    1000,
			SourceURI:   "gs://bucket/green/*.csv.gz",
			ItemsStaged: 24,
		},
		Producer: ProducerInfo{Name: producerName, Version: "test"},
	}
}

func TestEventDigest(t *testing.T) {
	evt := testEvent()
	evt.Link(Head{})

	if !strings.HasPrefix(evt.Chain.EventHash, "sha256:") {
		t.Errorf("EventHash should start with 'sha256:', got: %s", evt.Chain.EventHash)
	}
	if evt.Chain.PrevEventHash != "" || evt.Chain.PrevRunID != "" {
		t.Errorf("first event should have no predecessor, got: %+v", evt.Chain)
	}

	// The stored hash is not part of the digest.
	if got := EventDigest(evt); got != evt.Chain.EventHash {
		t.Errorf("digest not stable: %s != %s", got, evt.Chain.EventHash)
	}
}

func TestDigestChangesWithContent(t *testing.T) {
	a := testEvent()
	a.Link(Head{})

	b := testEvent()
	b.Load.RowCount = 1001
	b.Link(Head{})
	if a.Chain.EventHash == b.Chain.EventHash {
		t.Error("row count change should change the digest")
	}

	c := testEvent()
	c.RunID = "run-2"
	c.Link(Head{})
	if c.Chain.EventHash == a.Chain.EventHash {
		t.Error("run id should be covered by the digest")
	}

	d := testEvent()
	d.Link(Head{EventHash: a.Chain.EventHash, RunID: "run-0"})
	if d.Chain.EventHash == a.Chain.EventHash {
		t.Error("predecessor should be covered by the digest")
	}
	if d.Chain.PrevRunID != "run-0" {
		t.Errorf("PrevRunID = %q", d.Chain.PrevRunID)
	}
}

func TestChainKey(t *testing.T) {
	if got := testEvent().ChainKey(); got != "green/green_tripdata_nyc" {
		t.Errorf("ChainKey = %q", got)
	}
}

func TestHeadStorePersists(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenHeadStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	evt := testEvent()
	if _, ok := store.Head(evt.ChainKey()); ok {
		t.Fatal("new store should have no head")
	}
	evt.Link(Head{})
	if err := store.Advance(evt); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenHeadStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	head, ok := reopened.Head(evt.ChainKey())
	if !ok {
		t.Fatal("head lost on reopen")
	}
	if head.EventHash != evt.Chain.EventHash || head.RunID != "run-1" || head.RowCount != 1000 {
		t.Errorf("head = %+v", head)
	}
}
