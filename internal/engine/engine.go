// Package engine is the relay engine: the central coordinator that
// consumes transport callbacks and timer ticks, owns PeerTable, SeenSet,
// and the advertising/discovery lifecycle flags, and emits alert/status
// events upward through an event bus.
//
// The scheduling model generalizes a "single-writer state plus
// timer-driven retries" shape to a whole table of peers and two
// independent lifecycles (advertising, discovery). There is exactly one
// dispatcher goroutine: every mutation serializes through a single
// channel, which is the guarantee this domain's state-machine
// invariants need.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalmesh/meshrelay/internal/alert"
	"github.com/signalmesh/meshrelay/internal/eventbus"
	"github.com/signalmesh/meshrelay/internal/peertable"
	"github.com/signalmesh/meshrelay/internal/seenset"
	"github.com/signalmesh/meshrelay/internal/transport"
)

// ErrEmptyText is returned by SendAlert when text is empty.
var ErrEmptyText = errors.New("engine: alert text is empty")

// ErrEngineStopped is returned by SendAlert when the engine has been
// shut down, or has entered the fatal state after an unsupported
// transport feature was reported.
var ErrEngineStopped = errors.New("engine: stopped")

// Config tunes the relay engine's identity and timers. Callers normally
// start from DefaultConfig and override only what they need.
type Config struct {
	ServiceID  string
	LocalName  string
	InitialTTL int

	SeenSetCapacity int

	AdvertisingRetryDelay       time.Duration
	DiscoveryStartDelay         time.Duration
	DiscoveryRetryDelay         time.Duration
	RequestConnectionRetryDelay time.Duration
	ReconnectProbeDelay         time.Duration
	DiscoveryStopSettleDelay    time.Duration
	DiscoveryMaintenanceEvery   time.Duration
	StatusCheckEvery            time.Duration

	// LostWindow is how long a Lost peer remains eligible for
	// reconnection before a discovery-maintenance tick evicts it.
	LostWindow time.Duration
}

// DefaultConfig returns the timer values named in the engine's design:
// 8-hop initial TTL, a 4096-entry SeenSet, 2s discovery delay after
// advertising starts, 5s retry delays for advertising/discovery, 3s
// retry for request_connection, 5s post-disconnect reconnect probe, 1s
// discovery-stop settle delay, 30s discovery maintenance, 10s status
// checks.
func DefaultConfig() Config {
	return Config{
		ServiceID:                   "mesh.relay",
		LocalName:                   "node",
		InitialTTL:                  8,
		SeenSetCapacity:             4096,
		AdvertisingRetryDelay:       5 * time.Second,
		DiscoveryStartDelay:         2 * time.Second,
		DiscoveryRetryDelay:         5 * time.Second,
		RequestConnectionRetryDelay: 3 * time.Second,
		ReconnectProbeDelay:         5 * time.Second,
		DiscoveryStopSettleDelay:    1 * time.Second,
		DiscoveryMaintenanceEvery:   30 * time.Second,
		StatusCheckEvery:            10 * time.Second,
		LostWindow:                  120 * time.Second,
	}
}

// engineFlags encodes the transport's single-instance constraint on
// advertising and discovery as booleans, touched only from the
// dispatcher goroutine.
type engineFlags struct {
	isAdvertising         bool
	isDiscovering         bool
	isStoppingDiscovery   bool
	pendingDiscoveryStart bool
}

// Engine is the mesh relay engine described in the package doc.
type Engine struct {
	cfg     Config
	adapter transport.Adapter
	bus     *eventbus.Bus

	peers *peertable.Table
	seen  *seenset.Set
	flags engineFlags
	fatal bool

	in chan any

	ctx          context.Context
	cancel       context.CancelFunc
	timersCtx    context.Context
	timersCancel context.CancelFunc

	stopped atomic.Bool

	startOnce    sync.Once
	started      atomic.Bool
	shutdownOnce sync.Once
	stoppedCh    chan struct{}

	wg sync.WaitGroup
}

// New constructs an Engine. adapter.SetCallbacks is called immediately,
// wiring every transport callback onto the dispatcher; no other adapter
// method is called until Start.
func New(cfg Config, adapter transport.Adapter, bus *eventbus.Bus) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	timersCtx, timersCancel := context.WithCancel(ctx)
	e := &Engine{
		cfg:          cfg,
		adapter:      adapter,
		bus:          bus,
		peers:        peertable.New(),
		seen:         seenset.New(cfg.SeenSetCapacity),
		in:           make(chan any, 256),
		ctx:          ctx,
		cancel:       cancel,
		timersCtx:    timersCtx,
		timersCancel: timersCancel,
		stoppedCh:    make(chan struct{}),
	}
	adapter.SetCallbacks(transport.Callbacks{
		EndpointFound: func(ep transport.Endpoint, name, serviceID string) {
			e.post(&msgEndpointFound{ep: ep, name: name, serviceID: serviceID})
		},
		EndpointLost: func(ep transport.Endpoint) {
			e.post(&msgEndpointLost{ep: ep})
		},
		ConnectionInitiated: func(ep transport.Endpoint, info string) {
			e.post(&msgConnectionInitiated{ep: ep, info: info})
		},
		ConnectionResult: func(ep transport.Endpoint, success bool, err error) {
			e.post(&msgConnectionResult{ep: ep, success: success, err: err})
		},
		Disconnected: func(ep transport.Endpoint) {
			e.post(&msgDisconnected{ep: ep})
		},
		PayloadReceived: func(ep transport.Endpoint, data []byte) {
			cp := append([]byte(nil), data...)
			e.post(&msgPayloadReceived{ep: ep, data: cp})
		},
	})
	return e
}

// post enqueues a message for the dispatcher. Once the engine has
// stopped, posts are silently dropped — this is how "after shutdown,
// further transport callbacks are ignored" (per the concurrency model)
// is enforced without every caller needing to check engine state.
func (e *Engine) post(m any) {
	if e.stopped.Load() {
		return
	}
	select {
	case e.in <- m:
	case <-e.ctx.Done():
	}
}

// Start begins advertising and schedules discovery plus the periodic
// maintenance timers. It is idempotent: a second call is a no-op. Start
// resolves once the engine has accepted the request, not once any peer
// is connected.
func (e *Engine) Start() error {
	e.startOnce.Do(func() {
		e.started.Store(true)
		e.wg.Add(1)
		go e.run()

		e.wg.Add(2)
		go e.tickerLoop(e.cfg.DiscoveryMaintenanceEvery, func() any { return &msgDiscoveryMaintenanceTick{} })
		go e.tickerLoop(e.cfg.StatusCheckEvery, func() any { return &msgStatusCheckTick{} })

		e.post(&msgStartAdvertising{})
		time.AfterFunc(e.cfg.DiscoveryStartDelay, func() { e.post(&msgKickDiscovery{}) })
	})
	return nil
}

func (e *Engine) tickerLoop(interval time.Duration, build func() any) {
	defer e.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.post(build())
		case <-e.timersCtx.Done():
			return
		}
	}
}

// SendAlert originates a new alert and broadcasts it to every currently
// connected peer. It returns ErrEmptyText if text is empty and
// ErrEngineStopped if the engine has shut down or entered the fatal
// state; per-recipient send failures surface asynchronously as Status
// events on the event bus.
func (e *Engine) SendAlert(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	resultCh := make(chan error, 1)
	e.post(&msgSendAlert{text: text, resultCh: resultCh})
	select {
	case err := <-resultCh:
		return err
	case <-e.ctx.Done():
		return ErrEngineStopped
	}
}

// Shutdown cancels all timers, tears down the transport, clears
// PeerTable/SeenSet/flags, and waits for the dispatcher and periodic
// timer goroutines to exit. Goroutines already running an adapter call
// are not waited for; their results are dropped once the engine stops.
// It is idempotent and safe to call even if Start was never called.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		if !e.started.Load() {
			e.stopped.Store(true)
			e.cancel()
			close(e.stoppedCh)
			return
		}
		resultCh := make(chan struct{})
		e.post(&msgShutdown{resultCh: resultCh})
		<-resultCh
		e.wg.Wait()
		close(e.stoppedCh)
	})
	<-e.stoppedCh
	return nil
}

// Snapshot returns the current PeerTable contents, for diagnostics and
// tests. PeerTable is internally mutex-guarded, so this does not need to
// round-trip through the dispatcher.
func (e *Engine) Snapshot() []peertable.Entry {
	return e.peers.Snapshot()
}

func (e *Engine) run() {
	defer e.wg.Done()
	for m := range e.in {
		if sm, ok := m.(*msgShutdown); ok {
			e.doShutdown()
			e.stopped.Store(true)
			e.cancel()
			close(sm.resultCh)
			return
		}
		e.dispatch(m)
	}
}

func (e *Engine) dispatch(m any) {
	switch msg := m.(type) {
	case *msgStartAdvertising:
		e.handleStartAdvertising()
	case *msgAdvertiseResult:
		e.handleAdvertiseResult(msg.err)
	case *msgKickDiscovery:
		e.startDiscovery()
	case *msgDiscoveryStartResult:
		e.handleDiscoveryStartResult(msg.err)
	case *msgStopDiscovery:
		e.stopDiscovery()
	case *msgDiscoveryStopResult:
		e.handleDiscoveryStopResult(msg.err)
	case *msgSettleDiscoveryStart:
		e.flags.pendingDiscoveryStart = false
		e.startDiscovery()
	case *msgDiscoveryMaintenanceTick:
		e.handleDiscoveryMaintenanceTick()
	case *msgStatusCheckTick:
		e.handleStatusCheckTick()
	case *msgReconnectProbe:
		e.handleReconnectProbe(msg.ep)
	case *msgEndpointFound:
		e.handleEndpointFound(msg.ep, msg.name, msg.serviceID)
	case *msgEndpointLost:
		e.handleEndpointLost(msg.ep)
	case *msgRequestConnectionResult:
		e.handleRequestConnectionResult(msg.ep, msg.err)
	case *msgRetryRequestConnection:
		e.retryRequestConnection(msg.ep)
	case *msgConnectionInitiated:
		e.handleConnectionInitiated(msg.ep, msg.info)
	case *msgAcceptConnectionResult:
		if msg.err != nil {
			e.publishStatus(fmt.Sprintf("accept_connection failed for %s: %v", msg.ep, msg.err))
		}
	case *msgConnectionResult:
		e.handleConnectionResult(msg.ep, msg.success, msg.err)
	case *msgDisconnected:
		e.handleDisconnected(msg.ep)
	case *msgPayloadReceived:
		e.handlePayloadReceived(msg.ep, msg.data)
	case *msgSendFailed:
		e.publishStatus(fmt.Sprintf("send failed to %s: %v", msg.ep, msg.err))
	case *msgSendAlert:
		e.handleSendAlert(msg.text, msg.resultCh)
	default:
		log.Printf("engine: dropped unrecognized message %T", m)
	}
}

// --- advertising ---

func (e *Engine) handleStartAdvertising() {
	if e.fatal || e.flags.isAdvertising {
		return
	}
	ctx, serviceID, localName := e.ctx, e.cfg.ServiceID, e.cfg.LocalName
	go func() {
		err := e.adapter.StartAdvertising(ctx, serviceID, localName)
		e.post(&msgAdvertiseResult{err: err})
	}()
}

func (e *Engine) handleAdvertiseResult(err error) {
	if err == nil {
		e.flags.isAdvertising = true
		return
	}
	if e.becomeFatalIfUnsupported("start_advertising", err) {
		return
	}
	log.Printf("engine: start_advertising failed, retrying in %s: %v", e.cfg.AdvertisingRetryDelay, err)
	e.publishStatus(fmt.Sprintf("advertising failed: %v", err))
	time.AfterFunc(e.cfg.AdvertisingRetryDelay, func() { e.post(&msgStartAdvertising{}) })
}

// --- discovery ---

func (e *Engine) startDiscovery() {
	if e.fatal || e.flags.isDiscovering {
		return
	}
	if e.flags.isStoppingDiscovery {
		e.flags.pendingDiscoveryStart = true
		return
	}
	ctx, serviceID := e.ctx, e.cfg.ServiceID
	go func() {
		err := e.adapter.StartDiscovery(ctx, serviceID)
		e.post(&msgDiscoveryStartResult{err: err})
	}()
}

func (e *Engine) handleDiscoveryStartResult(err error) {
	if err == nil {
		e.flags.isDiscovering = true
		e.flags.pendingDiscoveryStart = false
		return
	}
	var terr *transport.Error
	if errors.As(err, &terr) && terr.Reason == transport.ReasonAlreadyInProgress {
		e.flags.isDiscovering = true
		e.flags.pendingDiscoveryStart = false
		return
	}
	if e.becomeFatalIfUnsupported("start_discovery", err) {
		return
	}
	log.Printf("engine: start_discovery failed, retrying in %s: %v", e.cfg.DiscoveryRetryDelay, err)
	time.AfterFunc(e.cfg.DiscoveryRetryDelay, func() { e.post(&msgKickDiscovery{}) })
}

func (e *Engine) stopDiscovery() {
	if !e.flags.isDiscovering {
		return
	}
	e.flags.isDiscovering = false
	e.flags.isStoppingDiscovery = true
	ctx := e.ctx
	go func() {
		err := e.adapter.StopDiscovery(ctx)
		e.post(&msgDiscoveryStopResult{err: err})
	}()
}

func (e *Engine) handleDiscoveryStopResult(err error) {
	if err != nil {
		log.Printf("engine: stop_discovery reported an error, completing the transition anyway: %v", err)
	}
	e.flags.isDiscovering = false
	e.flags.isStoppingDiscovery = false
	if e.flags.pendingDiscoveryStart {
		time.AfterFunc(e.cfg.DiscoveryStopSettleDelay, func() { e.post(&msgSettleDiscoveryStart{}) })
	}
}

func (e *Engine) handleDiscoveryMaintenanceTick() {
	now := time.Now()
	for _, ep := range e.peers.ExpiredLost(now, e.cfg.LostWindow) {
		e.peers.Remove(ep)
	}
	if e.shouldRunDiscovery() {
		e.startDiscovery()
	}
}

func (e *Engine) handleStatusCheckTick() {
	if !e.flags.isAdvertising {
		e.handleStartAdvertising()
	}
	if e.shouldRunDiscovery() {
		e.startDiscovery()
	}
	e.publishStatus(e.connectedStatusMessage())
}

func (e *Engine) shouldRunDiscovery() bool {
	if e.flags.isDiscovering || e.flags.isStoppingDiscovery {
		return false
	}
	return e.peers.HasLost() || e.peers.ConnectedCount() == 0
}

func (e *Engine) handleReconnectProbe(ep transport.Endpoint) {
	entry, ok := e.peers.Get(ep)
	if !ok || entry.State != peertable.Lost {
		return
	}
	if !e.flags.isDiscovering && !e.flags.isStoppingDiscovery {
		e.startDiscovery()
	}
}

// --- peer lifecycle ---

func (e *Engine) handleEndpointFound(ep transport.Endpoint, name, serviceID string) {
	now := time.Now()
	entry, ok := e.peers.Get(ep)
	if ok && entry.State == peertable.Connected {
		// Tie-break: already connected, ignore. No residual Lost entry
		// can exist simultaneously (connected and lost are disjoint).
		return
	}
	wasLost := ok && entry.State == peertable.Lost
	e.peers.Set(ep, peertable.Discovered, now)
	if wasLost {
		e.publishStatus(fmt.Sprintf("reconnecting to %s", ep))
	}
	ctx, localName := e.ctx, e.cfg.LocalName
	go func() {
		err := e.adapter.RequestConnection(ctx, localName, ep)
		e.post(&msgRequestConnectionResult{ep: ep, err: err})
	}()
}

func (e *Engine) handleRequestConnectionResult(ep transport.Endpoint, err error) {
	if err == nil {
		e.peers.Set(ep, peertable.Connecting, time.Now())
		return
	}
	e.peers.Set(ep, peertable.Lost, time.Now())
	delay := e.cfg.RequestConnectionRetryDelay
	time.AfterFunc(delay, func() { e.post(&msgRetryRequestConnection{ep: ep}) })
}

func (e *Engine) retryRequestConnection(ep transport.Endpoint) {
	entry, ok := e.peers.Get(ep)
	if !ok || entry.State == peertable.Connected || entry.State == peertable.Connecting {
		return
	}
	ctx, localName := e.ctx, e.cfg.LocalName
	go func() {
		err := e.adapter.RequestConnection(ctx, localName, ep)
		e.post(&msgRequestConnectionResult{ep: ep, err: err})
	}()
}

func (e *Engine) handleConnectionInitiated(ep transport.Endpoint, info string) {
	e.peers.Set(ep, peertable.Connecting, time.Now())
	ctx := e.ctx
	go func() {
		err := e.adapter.AcceptConnection(ctx, ep)
		e.post(&msgAcceptConnectionResult{ep: ep, err: err})
	}()
}

func (e *Engine) handleConnectionResult(ep transport.Endpoint, success bool, err error) {
	if success {
		e.peers.Set(ep, peertable.Connected, time.Now())
		e.publishStatus(e.connectedStatusMessage())
		return
	}
	if entry, ok := e.peers.Get(ep); ok && entry.State == peertable.Connected {
		// A stale failure arrived after a newer success; don't downgrade.
		return
	}
	e.peers.Set(ep, peertable.Lost, time.Now())
	if err != nil {
		log.Printf("engine: connection_result failure for %s: %v", ep, err)
	}
}

func (e *Engine) handleDisconnected(ep transport.Endpoint) {
	e.peers.Set(ep, peertable.Lost, time.Now())
	if !e.flags.isDiscovering && !e.flags.isStoppingDiscovery {
		e.startDiscovery()
	}
	delay := e.cfg.ReconnectProbeDelay
	time.AfterFunc(delay, func() { e.post(&msgReconnectProbe{ep: ep}) })
}

func (e *Engine) handleEndpointLost(ep transport.Endpoint) {
	entry, ok := e.peers.Get(ep)
	if !ok {
		return
	}
	if entry.State == peertable.Connected {
		e.handleDisconnected(ep)
		return
	}
	e.peers.Remove(ep)
}

// --- payload handling ---

func (e *Engine) handlePayloadReceived(ep transport.Endpoint, data []byte) {
	a, err := alert.Decode(data)
	if err != nil {
		log.Printf("engine: dropping malformed payload from %s: %v", ep, err)
		return
	}
	if alreadySeen := e.seen.Insert(a.ID); alreadySeen {
		return
	}
	e.bus.PublishAlert(eventbus.AlertReceived{ID: a.ID, Text: a.Text, Timestamp: a.Timestamp, TTL: a.TTL})
	if a.TTL > 1 {
		forwarded := alert.Alert{ID: a.ID, Text: a.Text, Timestamp: a.Timestamp, TTL: a.TTL - 1}
		excl := ep
		e.broadcast(alert.Encode(forwarded), &excl)
	}
}

func (e *Engine) handleSendAlert(text string, resultCh chan error) {
	if e.fatal {
		resultCh <- ErrEngineStopped
		return
	}
	a := alert.Alert{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		TTL:       e.cfg.InitialTTL,
	}
	e.broadcast(alert.Encode(a), nil)
	resultCh <- nil
}

// broadcast sends data to every currently connected endpoint except
// exclude (if non-nil). Per-recipient failures are reported via status
// but never abort the fan-out; the connected-count status is emitted
// once, after the fan-out is dispatched, regardless of recipient count.
func (e *Engine) broadcast(data []byte, exclude *transport.Endpoint) {
	recipients := e.peers.Connected()
	ctx := e.ctx
	for _, r := range recipients {
		if exclude != nil && r == *exclude {
			continue
		}
		if !e.peers.IsConnected(r) {
			continue
		}
		r := r
		go func() {
			if err := e.adapter.SendPayload(ctx, r, data); err != nil {
				e.post(&msgSendFailed{ep: r, err: err})
			}
		}()
	}
	e.publishStatus(e.connectedStatusMessage())
}

// --- status helpers ---

func (e *Engine) connectedStatusMessage() string {
	return fmt.Sprintf("Status: %d peers connected", e.peers.ConnectedCount())
}

func (e *Engine) publishStatus(message string) {
	e.bus.PublishStatus(eventbus.Status{Message: message})
}

// becomeFatalIfUnsupported checks whether err reports that the
// underlying radio feature is unsupported; if so it marks the engine
// fatal, stops the periodic timers, and emits a terminal status.
func (e *Engine) becomeFatalIfUnsupported(op string, err error) bool {
	var terr *transport.Error
	if !errors.As(err, &terr) || terr.Reason != transport.ReasonUnsupported {
		return false
	}
	if e.fatal {
		return true
	}
	e.fatal = true
	e.timersCancel()
	e.publishStatus(fmt.Sprintf("fatal: %s unsupported by transport: %v", op, err))
	log.Printf("engine: entering fatal state, %s unsupported: %v", op, err)
	return true
}

// --- shutdown ---

func (e *Engine) doShutdown() {
	e.timersCancel()
	ctx := context.Background()
	if err := e.adapter.StopAdvertising(ctx); err != nil {
		log.Printf("engine: stop_advertising during shutdown: %v", err)
	}
	if err := e.adapter.StopDiscovery(ctx); err != nil {
		log.Printf("engine: stop_discovery during shutdown: %v", err)
	}
	if err := e.adapter.StopAllEndpoints(ctx); err != nil {
		log.Printf("engine: stop_all_endpoints during shutdown: %v", err)
	}
	e.peers.Clear()
	e.seen.Reset()
	e.flags = engineFlags{}
	e.bus.PublishStatus(eventbus.Status{Message: "Status: 0 peers connected"})
}
