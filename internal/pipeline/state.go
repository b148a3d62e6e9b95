package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/withObsrvr/tripdata-loader/internal/catalog"
	"github.com/withObsrvr/tripdata-loader/internal/metrics"
	"github.com/withObsrvr/tripdata-loader/internal/report"
)

// TypeState is the lifecycle state of one dataset type within a run.
type TypeState string

const (
	TypePending  TypeState = "PENDING"
	TypeFetching TypeState = "FETCHING"
	TypeStaging  TypeState = "STAGING"
	TypeLoading  TypeState = "LOADING"
	TypeDone     TypeState = "DONE"
	TypeFailed   TypeState = "FAILED"
)

// typeStates lists every state in lifecycle order.
var typeStates = []TypeState{TypePending, TypeFetching, TypeStaging, TypeLoading, TypeDone, TypeFailed}

func (s TypeState) rank() int {
	for i, st := range typeStates {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s TypeState) Terminal() bool {
	return s == TypeDone || s == TypeFailed
}

// ItemState is the lifecycle state of one work item.
type ItemState string

const (
	ItemPending  ItemState = "PENDING"
	ItemFetching ItemState = "FETCHING"
	ItemStaging  ItemState = "STAGING"
	ItemStaged   ItemState = "STAGED"
	ItemFailed   ItemState = "FAILED"
)

// Terminal reports whether the item has a final outcome.
func (s ItemState) Terminal() bool {
	return s == ItemStaged || s == ItemFailed
}

// ErrInvalidTransition is returned for a backwards or out-of-terminal move.
var ErrInvalidTransition = errors.New("invalid state transition")

// typeMachine tracks one dataset type's state. Transitions only move forward;
// FAILED is reachable from any non-terminal state and DONE only from LOADING.
type typeMachine struct {
	mu          sync.Mutex
	datasetType catalog.DatasetType
	state       TypeState
	transitions []report.Transition
	metrics     *metrics.Metrics
	now         func() time.Time
}

func newTypeMachine(t catalog.DatasetType, m *metrics.Metrics) *typeMachine {
	tm := &typeMachine{
		datasetType: t,
		state:       TypePending,
		metrics:     m,
		now:         time.Now,
	}
	tm.record(TypePending)
	return tm
}

func (tm *typeMachine) State() TypeState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.state
}

// Advance moves to the given state. Moving to the current state is a no-op.
func (tm *typeMachine) Advance(to TypeState) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	from := tm.state
	switch {
	case to == from:
		return nil
	case from.Terminal():
		return fmt.Errorf("%w: %s is terminal (to %s)", ErrInvalidTransition, from, to)
	case to == TypeFailed:
	case to == TypeDone && from != TypeLoading:
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	case to.rank() < from.rank():
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}

	tm.state = to
	tm.record(to)
	return nil
}

// Fail moves to FAILED unless already terminal.
func (tm *typeMachine) Fail() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.state.Terminal() {
		return
	}
	tm.state = TypeFailed
	tm.record(TypeFailed)
}

func (tm *typeMachine) Transitions() []report.Transition {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]report.Transition(nil), tm.transitions...)
}

func (tm *typeMachine) record(s TypeState) {
	tm.transitions = append(tm.transitions, report.Transition{State: string(s), At: tm.now().UTC()})

	all := make([]string, len(typeStates))
	for i, st := range typeStates {
		all[i] = string(st)
	}
	tm.metrics.SetTypeState(string(tm.datasetType), string(s), all)
}

// itemTracker counts items per state and derives the type's fetch/stage
// phase: FETCHING while any item is pending or fetching, STAGING once none
// are and at least one item got past its fetch.
type itemTracker struct {
	states map[int]ItemState
	counts map[ItemState]int
}

func newItemTracker(n int) *itemTracker {
	it := &itemTracker{
		states: make(map[int]ItemState, n),
		counts: map[ItemState]int{ItemPending: n},
	}
	for i := 0; i < n; i++ {
		it.states[i] = ItemPending
	}
	return it
}

func (it *itemTracker) set(idx int, s ItemState) {
	prev := it.states[idx]
	if prev.Terminal() || prev == s {
		return
	}
	it.counts[prev]--
	it.counts[s]++
	it.states[idx] = s
}

func (it *itemTracker) phase() TypeState {
	if it.counts[ItemPending] > 0 || it.counts[ItemFetching] > 0 {
		return TypeFetching
	}
	if it.counts[ItemStaging]+it.counts[ItemStaged] == 0 {
		return TypeFetching
	}
	return TypeStaging
}

func (it *itemTracker) done() bool {
	return it.counts[ItemStaged]+it.counts[ItemFailed] == len(it.states)
}

// unfinished returns the indexes of items without a terminal state, in order.
func (it *itemTracker) unfinished() []int {
	var out []int
	for i := 0; i < len(it.states); i++ {
		if !it.states[i].Terminal() {
			out = append(out, i)
		}
	}
	return out
}
