package stream

import (
	"testing"
	"time"
)

func TestBrokerWake(t *testing.T) {
	b := NewBroker()

	ch := b.Subscribe("dev-1")
	if got := b.Connected("dev-1"); got != 1 {
		t.Fatalf("connected = %d, want 1", got)
	}

	b.Wake("dev-1")
	select {
	case <-ch:
	default:
		t.Fatal("expected a wakeup")
	}

	// Wakeups coalesce: two signals, one pending.
	b.Wake("dev-1")
	b.Wake("dev-1")
	<-ch
	select {
	case <-ch:
		t.Fatal("wakeups should coalesce into one pending signal")
	default:
	}
}

func TestBrokerWakeWrongDevice(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("dev-1")

	b.Wake("dev-other")
	select {
	case <-ch:
		t.Fatal("wakeup leaked across devices")
	default:
	}
}

func TestBrokerUnsubscribeCloses(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("dev-1")
	b.Unsubscribe("dev-1", ch)

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if got := b.Connected("dev-1"); got != 0 {
		t.Errorf("connected = %d, want 0", got)
	}

	// Waking with no subscribers must not panic.
	b.Wake("dev-1")
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	a := b.Subscribe("dev-1")
	c := b.Subscribe("dev-1")

	b.Wake("dev-1")
	select {
	case <-a:
	default:
		t.Error("first subscriber missed wakeup")
	}
	select {
	case <-c:
	default:
		t.Error("second subscriber missed wakeup")
	}
}

func TestBrokerStalledSubscriberDoesNotStarveOthers(t *testing.T) {
	b := NewBroker()
	stalled := b.Subscribe("dev-1")
	live := b.Subscribe("dev-1")

	// First wakeup fills both buffers; only the live one drains.
	b.Wake("dev-1")
	<-live

	// Second wakeup: stalled's buffer is still full, so its signal is
	// dropped rather than blocking the broker, and live still hears it.
	done := make(chan struct{})
	go func() {
		b.Wake("dev-1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake blocked on a stalled subscriber")
	}

	select {
	case <-live:
	default:
		t.Error("live subscriber missed the second wakeup")
	}
	select {
	case <-stalled:
	default:
		t.Fatal("stalled subscriber lost its original pending wakeup")
	}
}
