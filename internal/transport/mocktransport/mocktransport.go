// Package mocktransport is a deterministic, in-memory transport.Adapter
// used by the relay engine's own test suite (and suitable as a
// desktop-pair-testing backend). Multiple Adapters sharing a Hub behave
// like real nearby radios: advertising makes a node discoverable,
// discovery reports advertisers as EndpointFound, and a
// request/accept handshake brings both sides to a connected state.
//
// It plays the role the libp2p-backed adapter plays in production, but
// without a network stack, so relay-engine tests can exercise every
// callback and operation the production adapter exercises — including
// the failure paths — with no flakiness from real I/O.
package mocktransport

import (
	"context"
	"errors"
	"sync"

	"github.com/signalmesh/meshrelay/internal/transport"
)

// Hub is the shared medium a set of Adapters discover and connect
// through. A Hub with zero Adapters registered is valid and simply
// never produces any discovery events.
type Hub struct {
	mu      sync.Mutex
	members map[transport.Endpoint]*member
}

type member struct {
	adapter     *Adapter
	serviceID   string
	localName   string
	advertising bool
	discovering bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{members: make(map[transport.Endpoint]*member)}
}

func (h *Hub) register(a *Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[a.id] = &member{adapter: a}
}

// Adapter is one node's view of a Hub. ID is the stable, opaque
// endpoint identity other Adapters will see for this node; callers
// choose it (e.g. a short human-readable name is fine in tests).
type Adapter struct {
	id  transport.Endpoint
	hub *Hub
	cb  transport.Callbacks

	mu        sync.Mutex
	connected map[transport.Endpoint]bool

	// Fault injection. While a toggle is set, every call to the
	// corresponding method returns an error; tests flip these directly.
	FailAdvertise         bool
	FailDiscovery         bool
	FailRequestConnection bool
	FailSendPayload       bool
	AlreadyDiscovering    bool
	Unsupported           bool
}

// New creates an Adapter identified by id, registered on hub.
func New(hub *Hub, id transport.Endpoint) *Adapter {
	a := &Adapter{id: id, hub: hub, connected: make(map[transport.Endpoint]bool)}
	hub.register(a)
	return a
}

// ID returns this adapter's own endpoint identity.
func (a *Adapter) ID() transport.Endpoint { return a.id }

func (a *Adapter) SetCallbacks(cb transport.Callbacks) { a.cb = cb }

func injected(op string) error {
	return &transport.Error{Op: op, Reason: transport.ReasonUnknown, Err: errors.New("mocktransport: injected failure")}
}

func unsupported(op string) error {
	return &transport.Error{Op: op, Reason: transport.ReasonUnsupported, Err: errors.New("mocktransport: feature unsupported")}
}

func (a *Adapter) StartAdvertising(_ context.Context, serviceID, localName string) error {
	if a.Unsupported {
		return unsupported("start_advertising")
	}
	if a.FailAdvertise {
		return injected("start_advertising")
	}
	a.hub.advertise(a, serviceID, localName)
	return nil
}

func (a *Adapter) StopAdvertising(context.Context) error {
	a.hub.unadvertise(a)
	return nil
}

func (a *Adapter) StartDiscovery(_ context.Context, serviceID string) error {
	if a.Unsupported {
		return unsupported("start_discovery")
	}
	if a.AlreadyDiscovering {
		return &transport.Error{Op: "start_discovery", Reason: transport.ReasonAlreadyInProgress}
	}
	if a.FailDiscovery {
		return injected("start_discovery")
	}
	a.hub.discover(a, serviceID)
	return nil
}

func (a *Adapter) StopDiscovery(context.Context) error {
	a.hub.stopDiscover(a)
	return nil
}

func (a *Adapter) RequestConnection(_ context.Context, localName string, ep transport.Endpoint) error {
	if a.FailRequestConnection {
		return injected("request_connection")
	}
	a.hub.requestConnection(a, ep, localName)
	return nil
}

func (a *Adapter) AcceptConnection(_ context.Context, ep transport.Endpoint) error {
	a.hub.acceptConnection(a, ep)
	return nil
}

func (a *Adapter) SendPayload(_ context.Context, ep transport.Endpoint, data []byte) error {
	if a.FailSendPayload {
		return injected("send_payload")
	}
	return a.hub.sendPayload(a, ep, data)
}

func (a *Adapter) StopAllEndpoints(context.Context) error {
	a.mu.Lock()
	a.connected = make(map[transport.Endpoint]bool)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) markConnected(ep transport.Endpoint) {
	a.mu.Lock()
	a.connected[ep] = true
	a.mu.Unlock()
}

func (a *Adapter) isConnected(ep transport.Endpoint) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected[ep]
}

// --- Hub-side behavior ---

func (h *Hub) advertise(a *Adapter, serviceID, localName string) {
	h.mu.Lock()
	m := h.members[a.id]
	m.serviceID = serviceID
	m.localName = localName
	m.advertising = true
	var notify []*member
	for ep, other := range h.members {
		if ep == a.id {
			continue
		}
		if other.discovering && other.serviceID == serviceID {
			notify = append(notify, other)
		}
	}
	h.mu.Unlock()
	for _, other := range notify {
		if other.adapter.cb.EndpointFound != nil {
			other.adapter.cb.EndpointFound(a.id, localName, serviceID)
		}
	}
}

func (h *Hub) unadvertise(a *Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[a.id]; ok {
		m.advertising = false
	}
}

func (h *Hub) discover(a *Adapter, serviceID string) {
	h.mu.Lock()
	m := h.members[a.id]
	m.serviceID = serviceID
	m.discovering = true
	var found []*member
	for ep, other := range h.members {
		if ep == a.id {
			continue
		}
		if other.advertising && other.serviceID == serviceID {
			found = append(found, other)
		}
	}
	h.mu.Unlock()
	for _, other := range found {
		if a.cb.EndpointFound != nil {
			a.cb.EndpointFound(other.adapter.id, other.localName, serviceID)
		}
	}
}

func (h *Hub) stopDiscover(a *Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[a.id]; ok {
		m.discovering = false
	}
}

func (h *Hub) requestConnection(a *Adapter, target transport.Endpoint, localName string) {
	h.mu.Lock()
	m, ok := h.members[target]
	h.mu.Unlock()
	if !ok || m.adapter.cb.ConnectionInitiated == nil {
		return
	}
	m.adapter.cb.ConnectionInitiated(a.id, localName)
}

func (h *Hub) acceptConnection(a *Adapter, target transport.Endpoint) {
	h.mu.Lock()
	m, ok := h.members[target]
	h.mu.Unlock()

	a.markConnected(target)
	if a.cb.ConnectionResult != nil {
		a.cb.ConnectionResult(target, true, nil)
	}
	if ok {
		m.adapter.markConnected(a.id)
		if m.adapter.cb.ConnectionResult != nil {
			m.adapter.cb.ConnectionResult(a.id, true, nil)
		}
	}
}

func (h *Hub) sendPayload(a *Adapter, target transport.Endpoint, data []byte) error {
	h.mu.Lock()
	m, ok := h.members[target]
	h.mu.Unlock()
	if !ok {
		return &transport.Error{Op: "send_payload", Reason: transport.ReasonUnknown, Err: errors.New("mocktransport: unknown endpoint")}
	}
	if !a.isConnected(target) {
		return &transport.Error{Op: "send_payload", Reason: transport.ReasonUnknown, Err: errors.New("mocktransport: not connected")}
	}
	cp := append([]byte(nil), data...)
	if m.adapter.cb.PayloadReceived != nil {
		m.adapter.cb.PayloadReceived(a.id, cp)
	}
	return nil
}

// SimulateDisconnect tears down the connection from a's point of view
// and fires Disconnected(target) on a, without the target being
// notified — modeling an asymmetric radio link loss for reconnection
// tests.
func (a *Adapter) SimulateDisconnect(target transport.Endpoint) {
	a.mu.Lock()
	delete(a.connected, target)
	a.mu.Unlock()
	if a.cb.Disconnected != nil {
		a.cb.Disconnected(target)
	}
}

// SimulateEndpointLost fires EndpointLost(target) on a directly, for
// tests of the discovery-level (pre-connection) loss path.
func (a *Adapter) SimulateEndpointLost(target transport.Endpoint) {
	if a.cb.EndpointLost != nil {
		a.cb.EndpointLost(target)
	}
}
