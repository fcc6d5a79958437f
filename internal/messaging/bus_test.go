package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type payload struct {
	Text string `json:"text"`
}

func TestNewEventAndDecode(t *testing.T) {
	ev, err := NewEvent("c1", EventNewMessage, payload{Text: "hi"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.Channel != "c1" || ev.Name != EventNewMessage {
		t.Fatalf("unexpected event: %+v", ev)
	}

	var p payload
	if err := ev.Decode(&p); err != nil || p.Text != "hi" {
		t.Fatalf("Decode = %+v, %v", p, err)
	}
}

func TestUserChannel(t *testing.T) {
	if got := UserChannel("abc"); got != "private-user-abc" {
		t.Fatalf("UserChannel = %q", got)
	}
}

func TestLocalBus_DeliversToChannelSubscribersOnly(t *testing.T) {
	b := NewLocalBus()
	ctx := context.Background()

	var got []Event
	var other int
	b.Subscribe("room", func(ev Event) { got = append(got, ev) })
	b.Subscribe("elsewhere", func(Event) { other++ })

	ev, _ := NewEvent("room", EventDisconnect, map[string]string{"reason": "x"})
	if err := b.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(got) != 1 || got[0].Name != EventDisconnect {
		t.Fatalf("expected one disconnect event, got %+v", got)
	}
	if other != 0 {
		t.Fatal("event leaked to another channel")
	}
}

func TestLocalBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewLocalBus()
	ev, _ := NewEvent("nobody", EventMatchFound, nil)
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publishing to an empty channel should succeed: %v", err)
	}
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	b := NewLocalBus()

	calls := 0
	sub, _ := b.Subscribe("c", func(Event) { calls++ })
	if b.Subscribers("c") != 1 {
		t.Fatal("expected one subscriber")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	ev, _ := NewEvent("c", EventNewMessage, nil)
	b.Publish(context.Background(), ev)
	if calls != 0 {
		t.Fatal("handler called after unsubscribe")
	}
	if b.Subscribers("c") != 0 {
		t.Fatal("subscriber count should drop to zero")
	}
}

func TestLocalBus_Closed(t *testing.T) {
	b := NewLocalBus()
	b.Close()

	ev, _ := NewEvent("c", EventNewMessage, nil)
	if err := b.Publish(context.Background(), ev); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, err := b.Subscribe("c", func(Event) {}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestLocalBus_CancelledContext(t *testing.T) {
	b := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev, _ := NewEvent("c", EventNewMessage, nil)
	if err := b.Publish(ctx, ev); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLocalBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewLocalBus()
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	b.Subscribe("c", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ev, _ := NewEvent("c", EventNewMessage, nil)
			b.Publish(ctx, ev)
		}()
		go func() {
			defer wg.Done()
			sub, _ := b.Subscribe("c", func(Event) {})
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 50 {
		t.Fatalf("expected 50 deliveries, got %d", count)
	}
}

// NATS round trip; skipped when no server is running locally.
func TestNATSBus_RoundTrip(t *testing.T) {
	b, err := NewNATSBus(DefaultNATSConfig(), nil)
	if err != nil {
		t.Skipf("skipping: NATS not available: %v", err)
	}
	defer b.Close()

	got := make(chan Event, 1)
	sub, err := b.Subscribe("private-user-test", func(ev Event) { got <- ev })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ev, _ := NewEvent("private-user-test", EventMatchFound, payload{Text: "x"})
	if err := b.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case e := <-got:
		if e.Name != EventMatchFound || e.Channel != "private-user-test" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}
