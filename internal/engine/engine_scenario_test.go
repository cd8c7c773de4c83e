package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/signalmesh/meshrelay/internal/eventbus"
	"github.com/signalmesh/meshrelay/internal/peertable"
	"github.com/signalmesh/meshrelay/internal/transport/mocktransport"
)

// fastConfig returns a Config suitable for driving a real Start() inside
// a test: retry and start delays are shortened to 5ms and the periodic
// ticks, reconnect probe, and lost window to tens or hundreds of
// milliseconds, so the advertise -> discover -> connect handshake
// converges almost immediately, instead of waiting out the multi-second
// production schedule.
func fastConfig(serviceID, localName string) Config {
	cfg := DefaultConfig()
	cfg.ServiceID = serviceID
	cfg.LocalName = localName
	cfg.DiscoveryStartDelay = 5 * time.Millisecond
	cfg.AdvertisingRetryDelay = 5 * time.Millisecond
	cfg.DiscoveryRetryDelay = 5 * time.Millisecond
	cfg.RequestConnectionRetryDelay = 5 * time.Millisecond
	cfg.ReconnectProbeDelay = 20 * time.Millisecond
	cfg.DiscoveryStopSettleDelay = 5 * time.Millisecond
	cfg.DiscoveryMaintenanceEvery = 50 * time.Millisecond
	cfg.StatusCheckEvery = 30 * time.Millisecond
	cfg.LostWindow = 200 * time.Millisecond
	return cfg
}

func waitForConnected(t *testing.T, e *Engine, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n := 0
		for _, entry := range e.Snapshot() {
			if entry.State.String() == "connected" {
				n++
			}
		}
		if n >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connected peers", want)
}

// drainOneAlert returns the next AlertReceived on ch, skipping the Status
// events the engine emits alongside it (connection results, broadcasts,
// status-check ticks).
func drainOneAlert(t *testing.T, ch chan eventbus.Event, timeout time.Duration) eventbus.AlertReceived {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-ch:
			switch e := evt.(type) {
			case eventbus.AlertReceived:
				return e
			case eventbus.Status:
				continue
			default:
				t.Fatalf("expected AlertReceived, got %#v", evt)
			}
		case <-deadline:
			t.Fatal("timed out waiting for AlertReceived")
			return eventbus.AlertReceived{}
		}
	}
}

func expectNoAlert(t *testing.T, ch chan eventbus.Event, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case evt := <-ch:
			if a, ok := evt.(eventbus.AlertReceived); ok {
				t.Fatalf("expected no AlertReceived, got %#v", a)
			}
		case <-deadline:
			return
		}
	}
}

// TestScenarioTwoNodeOrigination is the two-node origination scenario:
// once A and B are connected, A originates an alert and B receives it
// exactly once with the original text and TTL, while A itself never
// sees its own alert echoed back.
func TestScenarioTwoNodeOrigination(t *testing.T) {
	hub := mocktransport.NewHub()
	adapterA := mocktransport.New(hub, "A")
	adapterB := mocktransport.New(hub, "B")

	busA, busB := eventbus.New(), eventbus.New()
	defer busA.Close()
	defer busB.Close()
	subA := busA.Subscribe()
	subB := busB.Subscribe()

	engineA := New(fastConfig("svc", "alice"), adapterA, busA)
	engineB := New(fastConfig("svc", "bob"), adapterB, busB)
	engineA.Start()
	engineB.Start()
	defer engineA.Shutdown()
	defer engineB.Shutdown()

	waitForConnected(t, engineA, 1, 2*time.Second)
	waitForConnected(t, engineB, 1, 2*time.Second)

	const text = "Emergency alert! Move to higher ground."
	if err := engineA.SendAlert(text); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}

	a := drainOneAlert(t, subB, 2*time.Second)
	if a.Text != text {
		t.Fatalf("text = %q, want %q", a.Text, text)
	}
	if a.TTL != 8 {
		t.Fatalf("ttl = %d, want 8", a.TTL)
	}

	expectNoAlert(t, subA, 200*time.Millisecond)
}

// TestScenarioThreeNodeDedup is the duplicate-suppression scenario: with
// A, B, and C mutually connected, an alert originated by A must be
// delivered to B and C exactly once each, regardless of which path it
// arrives by.
func TestScenarioThreeNodeDedup(t *testing.T) {
	hub := mocktransport.NewHub()
	adapterA := mocktransport.New(hub, "A")
	adapterB := mocktransport.New(hub, "B")
	adapterC := mocktransport.New(hub, "C")

	busA, busB, busC := eventbus.New(), eventbus.New(), eventbus.New()
	defer busA.Close()
	defer busB.Close()
	defer busC.Close()
	subB := busB.Subscribe()
	subC := busC.Subscribe()

	engineA := New(fastConfig("svc", "a"), adapterA, busA)
	engineB := New(fastConfig("svc", "b"), adapterB, busB)
	engineC := New(fastConfig("svc", "c"), adapterC, busC)
	engineA.Start()
	engineB.Start()
	engineC.Start()
	defer engineA.Shutdown()
	defer engineB.Shutdown()
	defer engineC.Shutdown()

	waitForConnected(t, engineA, 2, 3*time.Second)
	waitForConnected(t, engineB, 2, 3*time.Second)
	waitForConnected(t, engineC, 2, 3*time.Second)

	if err := engineA.SendAlert("X"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}

	ab := drainOneAlert(t, subB, 2*time.Second)
	ac := drainOneAlert(t, subC, 2*time.Second)
	if ab.Text != "X" || ac.Text != "X" {
		t.Fatalf("unexpected alert text: b=%q c=%q", ab.Text, ac.Text)
	}

	expectNoAlert(t, subB, 300*time.Millisecond)
	expectNoAlert(t, subC, 300*time.Millisecond)
}

func waitForPeerState(t *testing.T, e *Engine, st peertable.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, entry := range e.Snapshot() {
			if entry.State == st {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a peer in state %v", st)
}

func drainAll(ch chan eventbus.Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// TestScenarioReconnectionWindow is the reconnection scenario: a peer
// that drops from Connected to Lost and reappears within the window is
// reconnected, with a "reconnecting" status emitted along the way.
func TestScenarioReconnectionWindow(t *testing.T) {
	hub := mocktransport.NewHub()
	adapterA := mocktransport.New(hub, "A")
	adapterB := mocktransport.New(hub, "B")

	busA, busB := eventbus.New(), eventbus.New()
	defer busA.Close()
	defer busB.Close()
	subA := busA.Subscribe()

	engineA := New(fastConfig("svc", "alice"), adapterA, busA)
	engineB := New(fastConfig("svc", "bob"), adapterB, busB)
	engineA.Start()
	engineB.Start()
	defer engineA.Shutdown()
	defer engineB.Shutdown()

	waitForConnected(t, engineA, 1, 2*time.Second)
	waitForConnected(t, engineB, 1, 2*time.Second)

	adapterA.SimulateDisconnect("B")
	waitForPeerState(t, engineA, peertable.Lost, 2*time.Second)

	// B announcing itself again is how the shared medium re-surfaces an
	// EndpointFound for a peer A still remembers as Lost.
	drainAll(subA)
	if err := adapterB.StartAdvertising(context.Background(), "svc", "bob"); err != nil {
		t.Fatalf("re-advertise: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-subA:
			if s, ok := evt.(eventbus.Status); ok && strings.Contains(s.Message, "reconnecting") {
				goto reconnected
			}
		case <-deadline:
			t.Fatal("timed out waiting for reconnecting status")
		}
	}
reconnected:
	waitForConnected(t, engineA, 1, 2*time.Second)
}

// TestScenarioLostPeerEvictedAfterWindow: a Lost peer that never
// reappears is dropped from the table by the discovery-maintenance tick
// once the reconnection window has passed.
func TestScenarioLostPeerEvictedAfterWindow(t *testing.T) {
	hub := mocktransport.NewHub()
	adapterA := mocktransport.New(hub, "A")
	adapterB := mocktransport.New(hub, "B")

	busA, busB := eventbus.New(), eventbus.New()
	defer busA.Close()
	defer busB.Close()

	engineA := New(fastConfig("svc", "alice"), adapterA, busA)
	engineB := New(fastConfig("svc", "bob"), adapterB, busB)
	engineA.Start()
	engineB.Start()
	defer engineA.Shutdown()
	defer engineB.Shutdown()

	waitForConnected(t, engineA, 1, 2*time.Second)

	adapterA.SimulateDisconnect("B")
	waitForPeerState(t, engineA, peertable.Lost, 2*time.Second)

	// LostWindow is 200ms and maintenance runs every 50ms in fastConfig;
	// B must be gone from A's table well within two seconds.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, entry := range engineA.Snapshot() {
			if entry.Endpoint == "B" {
				found = true
			}
		}
		if !found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("lost peer was not evicted after the reconnection window")
}
