package engine

import "github.com/signalmesh/meshrelay/internal/transport"

// The relay engine is a single-consumer event queue: every transport
// callback, timer fire, and host API call is wrapped in one of these
// tagged messages and pushed onto the dispatcher's channel. Exactly one
// message is processed at a time, so PeerTable, SeenSet, and the engine
// flags only ever mutate from the dispatcher goroutine.

type msgEndpointFound struct {
	ep        transport.Endpoint
	name      string
	serviceID string
}

type msgEndpointLost struct {
	ep transport.Endpoint
}

type msgConnectionInitiated struct {
	ep   transport.Endpoint
	info string
}

type msgConnectionResult struct {
	ep      transport.Endpoint
	success bool
	err     error
}

type msgDisconnected struct {
	ep transport.Endpoint
}

type msgPayloadReceived struct {
	ep   transport.Endpoint
	data []byte
}

// msgRequestConnectionResult carries the outcome of an asynchronous
// request_connection call back onto the dispatcher.
type msgRequestConnectionResult struct {
	ep  transport.Endpoint
	err error
}

// msgRetryRequestConnection fires 3s after a failed request_connection,
// per the Discovered -> request_connection-fail retry rule.
type msgRetryRequestConnection struct {
	ep transport.Endpoint
}

// msgAcceptConnectionResult carries the outcome of an asynchronous
// accept_connection call. A failure here is logged but does not drive
// any state transition of its own; ConnectionResult is authoritative.
type msgAcceptConnectionResult struct {
	ep  transport.Endpoint
	err error
}

// msgStartAdvertising kicks off (or re-attempts) advertising.
type msgStartAdvertising struct{}

// msgAdvertiseResult carries the outcome of an asynchronous
// start_advertising call.
type msgAdvertiseResult struct {
	err error
}

// msgKickDiscovery requests that the discovery-start protocol run. It is
// posted both at startup (2s after advertising) and whenever the engine
// decides discovery ought to be (re)started.
type msgKickDiscovery struct{}

// msgDiscoveryStartResult carries the outcome of an asynchronous
// start_discovery call.
type msgDiscoveryStartResult struct {
	err error
}

// msgStopDiscovery requests that the discovery-stop protocol run.
type msgStopDiscovery struct{}

// msgDiscoveryStopResult carries the outcome of an asynchronous
// stop_discovery call.
type msgDiscoveryStopResult struct {
	err error
}

// msgSettleDiscoveryStart fires 1s after a discovery stop completes with
// pending_discovery_start set.
type msgSettleDiscoveryStart struct{}

// msgDiscoveryMaintenanceTick fires every 30s.
type msgDiscoveryMaintenanceTick struct{}

// msgStatusCheckTick fires every 10s.
type msgStatusCheckTick struct{}

// msgReconnectProbe fires 5s after a Disconnected event for ep.
type msgReconnectProbe struct {
	ep transport.Endpoint
}

// msgSendFailed carries a per-recipient send_payload failure during a
// broadcast fan-out; it never aborts the broadcast, only surfaces the
// failure on the status channel.
type msgSendFailed struct {
	ep  transport.Endpoint
	err error
}

// msgSendAlert is the dispatcher-side half of the host-facing
// SendAlert(text) API.
type msgSendAlert struct {
	text     string
	resultCh chan error
}

// msgShutdown is the dispatcher-side half of the host-facing Shutdown()
// API. Processing it is the last thing the dispatcher does before its
// goroutine returns.
type msgShutdown struct {
	resultCh chan struct{}
}
