// Package peertable is the relay engine's authoritative view of peer
// connection state: who is connected, who was connected and is still
// eligible for reconnection, and who is mid-handshake.
//
// The mutex-guarded map plus snapshot shape follows a familiar
// peer-table pattern, but the peer model itself is narrow: rather than
// content-sharing metadata (avatar hashes, favorites, verified flags)
// per peer, this table tracks nothing but the connection state machine
// a relay needs. Table is driven exclusively by the relay engine's
// single dispatcher goroutine; the mutex exists so a diagnostic
// Snapshot can be taken from another goroutine (e.g. a CLI status
// command) without coordinating with the dispatcher.
package peertable

import (
	"sync"
	"time"

	"github.com/signalmesh/meshrelay/internal/transport"
)

// State is the state-machine position of a single endpoint.
type State int

const (
	Discovered State = iota
	Connecting
	Connected
	Lost
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of one endpoint's tracked state.
type Entry struct {
	Endpoint transport.Endpoint
	State    State
	// Since records when the endpoint entered its current state; for
	// Lost it is the disconnect time the 120s reconnection window is
	// measured from.
	Since time.Time
}

// Table is the mutex-guarded peer state store.
type Table struct {
	mu      sync.Mutex
	entries map[transport.Endpoint]Entry
}

// New creates an empty Table.
func New() *Table {
	return &Table{entries: make(map[transport.Endpoint]Entry)}
}

// Set records ep as being in state st as of now. It overwrites any
// existing entry unconditionally; callers are responsible for enforcing
// the state-machine transition rules (the engine, not the table, owns
// that logic).
func (t *Table) Set(ep transport.Endpoint, st State, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ep] = Entry{Endpoint: ep, State: st, Since: now}
}

// Get returns the current entry for ep, if any.
func (t *Table) Get(ep transport.Endpoint) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ep]
	return e, ok
}

// Remove drops ep from the table entirely.
func (t *Table) Remove(ep transport.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, ep)
}

// Clear empties the table, used on engine shutdown.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[transport.Endpoint]Entry)
}

// Connected returns the endpoints currently in the Connected state.
func (t *Table) Connected() []transport.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Endpoint, 0, len(t.entries))
	for ep, e := range t.entries {
		if e.State == Connected {
			out = append(out, ep)
		}
	}
	return out
}

// ConnectedCount reports how many endpoints are currently Connected.
func (t *Table) ConnectedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.State == Connected {
			n++
		}
	}
	return n
}

// HasLost reports whether at least one endpoint is currently Lost.
func (t *Table) HasLost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.State == Lost {
			return true
		}
	}
	return false
}

// ExpiredLost returns the endpoints that have been Lost for longer than
// window, as of now. The engine evicts these on the discovery
// maintenance tick.
func (t *Table) ExpiredLost(now time.Time, window time.Duration) []transport.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []transport.Endpoint
	for ep, e := range t.entries {
		if e.State == Lost && now.Sub(e.Since) > window {
			out = append(out, ep)
		}
	}
	return out
}

// IsConnected reports whether ep is currently in the Connected state.
// This is the check the engine must make immediately before issuing
// send_payload, so no payload is ever sent to an endpoint the table does
// not currently consider connected.
func (t *Table) IsConnected(ep transport.Endpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ep]
	return ok && e.State == Connected
}

// Snapshot returns a copy of every tracked entry, for diagnostics.
func (t *Table) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}
