package eventbus

import (
	"testing"
	"time"
)

func TestPublishAlertDeliversToSubscriber(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()

	b.PublishAlert(AlertReceived{ID: "1", Text: "hi", Timestamp: 1, TTL: 8})

	select {
	case evt := <-ch:
		a, ok := evt.(AlertReceived)
		if !ok {
			t.Fatalf("expected AlertReceived, got %T", evt)
		}
		if a.ID != "1" {
			t.Fatalf("id = %q, want 1", a.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert event")
	}
}

func TestPublishStatusNonBlockingForSlowSubscriber(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < 64; i++ {
		b.PublishStatus(Status{Message: "Status: 0 peers connected"})
	}

	done := make(chan struct{})
	go func() {
		b.PublishStatus(Status{Message: "Status: 0 peers connected"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishStatus blocked on a slow subscriber")
	}
	_ = ch
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMultipleSubscribersEachReceiveAlert(t *testing.T) {
	b := New()
	defer b.Close()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	b.PublishAlert(AlertReceived{ID: "x"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive alert")
		}
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed after bus Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close after bus Close")
	}
}
