package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Publish(b, ReminderFired, "t1")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != ReminderFired || e.Data != "t1" {
				t.Fatalf("unexpected event: %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatal("expected event time to be set")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TaskCreated})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("queued = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: TaskDeleted})
	Publish(nil, TaskDeleted, nil)
}
