// Package transport abstracts the underlying local-radio connections API:
// advertising, discovery, and point-to-point connections between nearby
// devices. It is deliberately shaped after a short-range wireless
// discovery/connection API (the kind an OS exposes for offline peer
// discovery) rather than a generic network socket, so the relay engine
// never has to know whether a concrete Adapter is backed by real radio
// hardware or an in-memory test double.
package transport

import (
	"context"
	"fmt"
)

// Endpoint is an opaque, transport-assigned identifier for a discovered
// peer. It is compared only for equality; callers must not parse it.
type Endpoint string

// Reason classifies why a transport operation failed, so the engine can
// branch between retry, state resync, and fatal shutdown.
type Reason int

const (
	// ReasonUnknown covers ordinary transient failures: retry with a
	// fixed delay.
	ReasonUnknown Reason = iota
	// ReasonAlreadyInProgress is returned when the transport reports that
	// the requested operation is already active (e.g. "already
	// discovering"). The engine treats this as a state resync, not a
	// retry.
	ReasonAlreadyInProgress
	// ReasonUnsupported is returned when the underlying radio feature is
	// unavailable or permission was denied permanently. The engine
	// treats this as fatal: it emits a terminal status and stops.
	ReasonUnsupported
)

// Error wraps a transport failure with the Reason the engine needs to
// decide how to respond. Adapters should prefer returning *Error over a
// bare error so the engine doesn't have to guess transience from string
// matching.
type Error struct {
	Op     string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// Callbacks is the set of asynchronous notifications an Adapter delivers
// to the engine. Every field may be called concurrently, from whatever
// goroutine the adapter uses internally (a radio stack's own callback
// thread, a libp2p stream handler, a test harness goroutine) — the engine
// marshals them onto its own single dispatcher loop, so adapters do not
// need to serialize calls to Callbacks themselves.
//
// For a single Endpoint, callbacks are expected to arrive in the order
// EndpointFound -> ConnectionInitiated -> ConnectionResult ->
// (PayloadReceived)* -> Disconnected. Across different endpoints no
// ordering is assumed or required.
type Callbacks struct {
	EndpointFound       func(ep Endpoint, name, serviceID string)
	EndpointLost        func(ep Endpoint)
	ConnectionInitiated func(ep Endpoint, info string)
	ConnectionResult    func(ep Endpoint, success bool, err error)
	Disconnected        func(ep Endpoint)
	PayloadReceived     func(ep Endpoint, data []byte)
}

// Adapter is the local-radio connections API the relay engine drives. The
// engine's dispatcher issues each start/request/accept/send call from a
// goroutine of its own and posts the returned error back onto the
// dispatcher, so calls are not serialized: several may be in flight at
// once (a broadcast issues one SendPayload per recipient concurrently).
// Methods must not block for long; an implementation backed by real I/O
// should kick off work in its own goroutine and report the outcome
// through Callbacks where the interface doesn't already return it
// synchronously.
type Adapter interface {
	// SetCallbacks installs the callback set the adapter delivers events
	// through. Called once, before any other method.
	SetCallbacks(cb Callbacks)

	StartAdvertising(ctx context.Context, serviceID, localName string) error
	StopAdvertising(ctx context.Context) error

	StartDiscovery(ctx context.Context, serviceID string) error
	StopDiscovery(ctx context.Context) error

	RequestConnection(ctx context.Context, localName string, ep Endpoint) error
	AcceptConnection(ctx context.Context, ep Endpoint) error

	// SendPayload is fire-and-forget: it should return quickly after
	// local validation (e.g. "not connected"); the actual transmission
	// happens asynchronously inside the adapter. There is no separate
	// delivery-confirmation callback — per-recipient failures are
	// reported to the caller only through this method's return value.
	SendPayload(ctx context.Context, ep Endpoint, data []byte) error

	StopAllEndpoints(ctx context.Context) error
}
