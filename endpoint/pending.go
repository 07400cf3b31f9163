package endpoint

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// CorrelationID ties a cmd to its eventual result.
type CorrelationID string

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// Outcome completes a pending request: either Data or Err is set.
type Outcome struct {
	Data json.RawMessage
	Err  error
}

type pendingCall struct {
	target string
	done   chan Outcome // buffered, receives exactly one Outcome
}

// PendingTable maps in-flight correlation IDs to their waiting callers.
// Every entry is completed at most once: whichever of Resolve, Cancel,
// FailTarget or FailAll removes it first wins.
type PendingTable struct {
	mu      sync.Mutex
	entries map[CorrelationID]*pendingCall
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[CorrelationID]*pendingCall)}
}

// Add registers id before the cmd is sent (so a fast result cannot race the
// registration). target is the endpoint expected to answer.
func (t *PendingTable) Add(id CorrelationID, target string) (<-chan Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return nil, ErrDuplicateID
	}
	call := &pendingCall{target: target, done: make(chan Outcome, 1)}
	t.entries[id] = call
	return call.done, nil
}

// Resolve completes id with out. It returns false if id is unknown, which is
// how duplicate and stale results are detected.
func (t *PendingTable) Resolve(id CorrelationID, out Outcome) bool {
	t.mu.Lock()
	call, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.done <- out
	return true
}

// Cancel drops id without completing it. The caller has already stopped waiting.
func (t *PendingTable) Cancel(id CorrelationID) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// FailTarget fails every entry awaiting target with err and returns how many.
func (t *PendingTable) FailTarget(target string, err error) int {
	return t.failWhere(func(c *pendingCall) bool { return c.target == target }, err)
}

// FailAll fails every entry with err and returns how many.
func (t *PendingTable) FailAll(err error) int {
	return t.failWhere(func(*pendingCall) bool { return true }, err)
}

func (t *PendingTable) failWhere(match func(*pendingCall) bool, err error) int {
	t.mu.Lock()
	var failed []*pendingCall
	for id, call := range t.entries {
		if match(call) {
			failed = append(failed, call)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, call := range failed {
		call.done <- Outcome{Err: err}
	}
	return len(failed)
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
