// Package libp2pradio is the production transport.Adapter: local peer
// discovery over mDNS and point-to-point streams over go-libp2p, in
// place of a real short-range radio stack. Identity key persistence,
// host construction, and the mDNS notifee pattern follow the same
// shape a libp2p-backed LAN presence service always takes; the
// presence/pubsub/relay machinery a WAN site-sharing host would need
// is replaced here with the narrower advertise/discover/connect
// surface transport.Adapter asks for.
package libp2pradio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sirupsen/logrus"

	"github.com/signalmesh/meshrelay/internal/proto"
	"github.com/signalmesh/meshrelay/internal/transport"
	"github.com/signalmesh/meshrelay/internal/util"
)

var log = logrus.WithField("component", "libp2pradio")

// loadOrCreateKey loads a persistent identity key from disk, or
// generates and saves a new Ed25519 key on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// Adapter is a transport.Adapter backed by a libp2p host. One Adapter
// owns one libp2p host; EndpointFound/Disconnected etc. use the
// stringified peer.ID as the transport.Endpoint.
type Adapter struct {
	host host.Host

	cbMu sync.Mutex
	cb   transport.Callbacks

	advertising bool
	discovering bool
	serviceID   string
	localName   string

	mdnsMu      sync.Mutex
	mdnsService mdns.Service

	connMu    sync.Mutex
	connected map[peer.ID]bool

	pendingMu sync.Mutex
	pending   map[peer.ID]network.Stream

	diag *util.RingBuffer[string]
}

// New constructs an Adapter listening on listenPort, using (or
// creating) the identity key at keyFile.
func New(listenPort int, keyFile string) (*Adapter, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}
	if isNew {
		log.Infof("generated new identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		host:      h,
		connected: make(map[peer.ID]bool),
		pending:   make(map[peer.ID]network.Stream),
		diag:      util.NewRingBuffer[string](200),
	}

	h.SetStreamHandler(protocol.ID(proto.HelloProtoID), a.handleHello)
	h.SetStreamHandler(protocol.ID(proto.ConnectProtoID), a.handleConnect)
	h.SetStreamHandler(protocol.ID(proto.PayloadProtoID), a.handlePayload)

	h.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			a.onDisconnected(c.RemotePeer())
		},
	})

	return a, nil
}

func (a *Adapter) endpoint(pid peer.ID) transport.Endpoint {
	return transport.Endpoint(pid.String())
}

// lanAddrs returns the host's multiaddresses filtered to the ones
// reachable on the local network: loopback and link-local addresses are
// dropped since mDNS-only discovery never needs a relay/NAT-traversal
// path the way a WAN-facing host would.
func lanAddrs(h host.Host) []string {
	var out []string
	for _, a := range h.Addrs() {
		if circuitAddr(a) {
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// circuitAddr reports whether a carries a /p2p-circuit component. This
// adapter has no relay-reservation flow, so the only use is excluding
// such addresses from the LAN diagnostic list, not acting on them.
func circuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// diagf logs at debug level and records the message in a small rolling
// buffer, so a running node can report recent transport-level events
// (dial failures, stream errors) without turning on full debug logging.
func (a *Adapter) diagf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Debug(msg)
	a.diag.Push(msg)
}

// DiagSnapshot returns recent transport diagnostic messages, oldest
// first.
func (a *Adapter) DiagSnapshot() []string {
	return a.diag.Snapshot()
}

func (a *Adapter) SetCallbacks(cb transport.Callbacks) {
	a.cbMu.Lock()
	a.cb = cb
	a.cbMu.Unlock()
}

func (a *Adapter) callbacks() transport.Callbacks {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	return a.cb
}

// ensureMdns lazily starts the shared mDNS service the first time
// either advertising or discovery is requested.
func (a *Adapter) ensureMdns() error {
	a.mdnsMu.Lock()
	defer a.mdnsMu.Unlock()
	if a.mdnsService != nil {
		return nil
	}
	svc := mdns.NewMdnsService(a.host, proto.MdnsTag, &notifee{a: a})
	if err := svc.Start(); err != nil {
		return err
	}
	a.mdnsService = svc
	return nil
}

func (a *Adapter) StartAdvertising(ctx context.Context, serviceID, localName string) error {
	a.serviceID = serviceID
	a.localName = localName
	a.advertising = true
	if err := a.ensureMdns(); err != nil {
		return &transport.Error{Op: "StartAdvertising", Reason: transport.ReasonUnknown, Err: err}
	}
	a.diagf("advertising on %s", strings.Join(lanAddrs(a.host), ", "))
	return nil
}

func (a *Adapter) StopAdvertising(ctx context.Context) error {
	a.advertising = false
	return nil
}

func (a *Adapter) StartDiscovery(ctx context.Context, serviceID string) error {
	if a.discovering {
		return &transport.Error{Op: "StartDiscovery", Reason: transport.ReasonAlreadyInProgress}
	}
	a.serviceID = serviceID
	a.discovering = true
	if err := a.ensureMdns(); err != nil {
		a.discovering = false
		return &transport.Error{Op: "StartDiscovery", Reason: transport.ReasonUnknown, Err: err}
	}
	return nil
}

func (a *Adapter) StopDiscovery(ctx context.Context) error {
	a.discovering = false
	return nil
}

// notifee answers mDNS peer discovery by probing the peer over
// HelloProtoID to learn its advertised service ID and name before ever
// surfacing it to the engine. It never auto-connects; RequestConnection
// is always a deliberate, engine-driven action.
type notifee struct{ a *Adapter }

func (n *notifee) HandlePeerFound(pi peer.AddrInfo) {
	a := n.a
	if !a.discovering || pi.ID == a.host.ID() {
		return
	}
	a.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, 10*time.Minute)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := a.host.NewStream(ctx, pi.ID, protocol.ID(proto.HelloProtoID))
		if err != nil {
			return
		}
		defer s.Close()

		fmt.Fprintf(s, "%s\t%s\n", a.serviceID, a.localName)
		rd := bufio.NewReader(s)
		line, _ := rd.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		parts := strings.SplitN(line, "\t", 2)
		remoteServiceID := parts[0]
		remoteName := ""
		if len(parts) > 1 {
			remoteName = parts[1]
		}
		if remoteServiceID != a.serviceID {
			return
		}
		if cb := a.callbacks(); cb.EndpointFound != nil {
			cb.EndpointFound(a.endpoint(pi.ID), remoteName, remoteServiceID)
		}
	}()
}

func (a *Adapter) handleHello(s network.Stream) {
	defer s.Close()
	rd := bufio.NewReader(s)
	line, _ := rd.ReadString('\n')
	_ = strings.TrimSpace(line)
	if !a.advertising {
		return
	}
	fmt.Fprintf(s, "%s\t%s\n", a.serviceID, a.localName)
}

func (a *Adapter) RequestConnection(ctx context.Context, localName string, ep transport.Endpoint) error {
	pid, err := peer.Decode(string(ep))
	if err != nil {
		return &transport.Error{Op: "RequestConnection", Reason: transport.ReasonUnknown, Err: err}
	}

	go func() {
		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := a.host.NewStream(dialCtx, pid, protocol.ID(proto.ConnectProtoID))
		if err != nil {
			a.reportConnectionResult(ep, false, err)
			return
		}
		defer s.Close()

		fmt.Fprintf(s, "%s\n", localName)
		rd := bufio.NewReader(s)
		reply, err := rd.ReadString('\n')
		if err != nil {
			a.reportConnectionResult(ep, false, err)
			return
		}
		success := strings.TrimSpace(reply) == "ok"
		if success {
			a.connMu.Lock()
			a.connected[pid] = true
			a.connMu.Unlock()
		}
		a.reportConnectionResult(ep, success, nil)
	}()
	return nil
}

func (a *Adapter) reportConnectionResult(ep transport.Endpoint, success bool, err error) {
	if cb := a.callbacks(); cb.ConnectionResult != nil {
		cb.ConnectionResult(ep, success, err)
	}
}

// handleConnect answers an inbound connection request by parking the
// stream until AcceptConnection replies on it.
func (a *Adapter) handleConnect(s network.Stream) {
	pid := s.Conn().RemotePeer()
	rd := bufio.NewReader(s)
	line, err := rd.ReadString('\n')
	if err != nil {
		s.Close()
		return
	}
	remoteName := strings.TrimSpace(line)

	a.pendingMu.Lock()
	a.pending[pid] = s
	a.pendingMu.Unlock()

	if cb := a.callbacks(); cb.ConnectionInitiated != nil {
		cb.ConnectionInitiated(a.endpoint(pid), remoteName)
	}
}

func (a *Adapter) AcceptConnection(ctx context.Context, ep transport.Endpoint) error {
	pid, err := peer.Decode(string(ep))
	if err != nil {
		return &transport.Error{Op: "AcceptConnection", Reason: transport.ReasonUnknown, Err: err}
	}

	a.pendingMu.Lock()
	s, ok := a.pending[pid]
	delete(a.pending, pid)
	a.pendingMu.Unlock()
	if !ok {
		return &transport.Error{Op: "AcceptConnection", Reason: transport.ReasonUnknown, Err: fmt.Errorf("no pending connection from %s", ep)}
	}

	_, werr := fmt.Fprintf(s, "ok\n")
	s.Close()
	if werr != nil {
		a.reportConnectionResult(ep, false, werr)
		return &transport.Error{Op: "AcceptConnection", Reason: transport.ReasonUnknown, Err: werr}
	}

	a.connMu.Lock()
	a.connected[pid] = true
	a.connMu.Unlock()
	a.reportConnectionResult(ep, true, nil)
	return nil
}

func (a *Adapter) handlePayload(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	pid := s.Conn().RemotePeer()
	if cb := a.callbacks(); cb.PayloadReceived != nil {
		cb.PayloadReceived(a.endpoint(pid), data)
	}
}

func (a *Adapter) SendPayload(ctx context.Context, ep transport.Endpoint, data []byte) error {
	pid, err := peer.Decode(string(ep))
	if err != nil {
		return &transport.Error{Op: "SendPayload", Reason: transport.ReasonUnknown, Err: err}
	}
	a.connMu.Lock()
	ok := a.connected[pid]
	a.connMu.Unlock()
	if !ok {
		return &transport.Error{Op: "SendPayload", Reason: transport.ReasonUnknown, Err: fmt.Errorf("not connected to %s", ep)}
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := a.host.NewStream(sendCtx, pid, protocol.ID(proto.PayloadProtoID))
		if err != nil {
			a.diagf("send payload to %s: %v", ep, err)
			return
		}
		defer s.Close()
		if _, err := s.Write(data); err != nil {
			a.diagf("write payload to %s: %v", ep, err)
		}
	}()
	return nil
}

func (a *Adapter) onDisconnected(pid peer.ID) {
	a.connMu.Lock()
	wasConnected := a.connected[pid]
	delete(a.connected, pid)
	a.connMu.Unlock()
	if !wasConnected {
		return
	}
	if cb := a.callbacks(); cb.Disconnected != nil {
		cb.Disconnected(a.endpoint(pid))
	}
}

func (a *Adapter) StopAllEndpoints(ctx context.Context) error {
	a.connMu.Lock()
	peers := make([]peer.ID, 0, len(a.connected))
	for pid := range a.connected {
		peers = append(peers, pid)
	}
	a.connected = make(map[peer.ID]bool)
	a.connMu.Unlock()

	for _, pid := range peers {
		for _, c := range a.host.Network().ConnsToPeer(pid) {
			_ = c.Close()
		}
	}
	return nil
}

// Close releases the underlying libp2p host and mDNS service. Not part
// of transport.Adapter; called directly by the CLI's shutdown path.
func (a *Adapter) Close() error {
	a.mdnsMu.Lock()
	svc := a.mdnsService
	a.mdnsMu.Unlock()
	if svc != nil {
		_ = svc.Close()
	}
	return a.host.Close()
}

// ID returns the adapter's own peer ID as a string, for logging.
func (a *Adapter) ID() string {
	return a.host.ID().String()
}
