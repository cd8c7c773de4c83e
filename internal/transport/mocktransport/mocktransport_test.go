package mocktransport

import (
	"context"
	"testing"

	"github.com/signalmesh/meshrelay/internal/transport"
)

func TestDiscoveryFindsExistingAdvertiser(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")
	b := New(hub, "b")

	var found transport.Endpoint
	b.SetCallbacks(transport.Callbacks{
		EndpointFound: func(ep transport.Endpoint, name, serviceID string) { found = ep },
	})

	ctx := context.Background()
	if err := a.StartAdvertising(ctx, "svc", "alice"); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}
	if err := b.StartDiscovery(ctx, "svc"); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if found != "a" {
		t.Fatalf("found = %q, want %q", found, "a")
	}
}

func TestDiscoveryFindsLaterAdvertiser(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")
	b := New(hub, "b")

	var found transport.Endpoint
	b.SetCallbacks(transport.Callbacks{
		EndpointFound: func(ep transport.Endpoint, name, serviceID string) { found = ep },
	})

	ctx := context.Background()
	if err := b.StartDiscovery(ctx, "svc"); err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if err := a.StartAdvertising(ctx, "svc", "alice"); err != nil {
		t.Fatalf("StartAdvertising: %v", err)
	}
	if found != "a" {
		t.Fatalf("found = %q, want %q", found, "a")
	}
}

func TestRequestAcceptHandshakeConnectsBothSides(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")
	b := New(hub, "b")

	var aResult, bResult bool
	var bInitiated transport.Endpoint
	a.SetCallbacks(transport.Callbacks{
		ConnectionResult: func(ep transport.Endpoint, success bool, err error) { aResult = success },
	})
	b.SetCallbacks(transport.Callbacks{
		ConnectionInitiated: func(ep transport.Endpoint, info string) { bInitiated = ep },
		ConnectionResult:    func(ep transport.Endpoint, success bool, err error) { bResult = success },
	})

	ctx := context.Background()
	if err := a.RequestConnection(ctx, "alice", "b"); err != nil {
		t.Fatalf("RequestConnection: %v", err)
	}
	if bInitiated != "a" {
		t.Fatalf("bInitiated = %q, want %q", bInitiated, "a")
	}
	if err := b.AcceptConnection(ctx, "a"); err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}
	if !aResult || !bResult {
		t.Fatalf("expected both sides connected, got a=%v b=%v", aResult, bResult)
	}

	payload := []byte("hello")
	var received []byte
	b.SetCallbacks(transport.Callbacks{
		ConnectionInitiated: func(ep transport.Endpoint, info string) {},
		ConnectionResult:    func(ep transport.Endpoint, success bool, err error) {},
		PayloadReceived:     func(ep transport.Endpoint, data []byte) { received = data },
	})
	if err := a.SendPayload(ctx, "b", payload); err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	if string(received) != "hello" {
		t.Fatalf("received = %q, want hello", received)
	}
}

func TestSendPayloadToUnconnectedEndpointFails(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")
	_ = New(hub, "b")

	err := a.SendPayload(context.Background(), "b", []byte("x"))
	if err == nil {
		t.Fatalf("expected error sending to unconnected endpoint")
	}
}

func TestFaultInjection(t *testing.T) {
	hub := NewHub()
	a := New(hub, "a")
	a.FailAdvertise = true
	if err := a.StartAdvertising(context.Background(), "svc", "alice"); err == nil {
		t.Fatalf("expected injected advertise failure")
	}

	b := New(hub, "b")
	b.Unsupported = true
	err := b.StartDiscovery(context.Background(), "svc")
	var terr *transport.Error
	if err == nil {
		t.Fatalf("expected unsupported error")
	} else if !asTransportError(err, &terr) || terr.Reason != transport.ReasonUnsupported {
		t.Fatalf("expected ReasonUnsupported, got %v", err)
	}
}

func asTransportError(err error, target **transport.Error) bool {
	te, ok := err.(*transport.Error)
	if !ok {
		return false
	}
	*target = te
	return true
}
