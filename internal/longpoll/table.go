// Package longpoll holds the capability interface a suspended HTTP
// response is exposed through, and the table that tracks one such response
// per browser tab while it waits for output.
package longpoll

import (
	"time"

	"github.com/containerd/log"
)

// Response is the only thing the core knows about an HTTP long-poll
// connection: it can be written to exactly once and then must be finished.
// Production code backs this with an http.ResponseWriter adapter; tests
// back it with a recording fake. Neither the real nor the fake needs to be
// named in this package — that's the point of the capability interface.
type Response interface {
	// Write marshals v as JSON and sends it as the response body. May be
	// called at most once per Response.
	Write(v any)
	// Finish terminates the response. Always called exactly once, after
	// at most one Write.
	Finish()
}

type entry struct {
	resp    Response
	arrival time.Time
}

// Table maps a browser tab identifier to the one long-poll response it has
// outstanding. Like every other piece of core state, it is only ever
// touched from the event-loop goroutine, so it needs no locking of its own.
type Table struct {
	entries map[string]entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]entry)}
}

// Insert parks resp under tabID, replacing (and logging a warning about) any
// response already parked there — that prior response was abandoned
// client-side the moment the browser issued this new long-poll.
func (t *Table) Insert(tabID string, resp Response, now time.Time) {
	if _, exists := t.entries[tabID]; exists {
		log.L.WithField("tab_id", tabID).Warn("longpoll: replacing unresolved subscription for tab")
	}
	t.entries[tabID] = entry{resp: resp, arrival: now}
}

// Take removes and returns the responses parked for the given tab IDs,
// silently skipping any that are absent (they may already have been
// resolved by a concurrent completion within this same loop iteration).
func (t *Table) Take(tabIDs []string) []Response {
	var out []Response
	for _, id := range tabIDs {
		if e, ok := t.entries[id]; ok {
			out = append(out, e.resp)
			delete(t.entries, id)
		}
	}
	return out
}

// TakeOne removes and returns the response parked for a single tab ID.
func (t *Table) TakeOne(tabID string) (Response, bool) {
	e, ok := t.entries[tabID]
	if !ok {
		return nil, false
	}
	delete(t.entries, tabID)
	return e.resp, true
}

// Sweep removes and returns every response that has been parked for at
// least timeout, for the periodic tick to resolve with a keep-alive.
func (t *Table) Sweep(now time.Time, timeout time.Duration) []Response {
	var out []Response
	for id, e := range t.entries {
		if now.Sub(e.arrival) >= timeout {
			out = append(out, e.resp)
			delete(t.entries, id)
		}
	}
	return out
}

// Len reports the number of currently parked responses. Exposed for tests
// and metrics, not used by the protocol logic itself.
func (t *Table) Len() int {
	return len(t.entries)
}
