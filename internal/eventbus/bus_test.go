package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	txns, unsubTxn := b.Subscribe(4, "txn.")
	defer unsubTxn()

	b.Publish(Event{Type: "txn.failed", Data: 1})
	b.Publish(Event{Type: "dispatch.finished"})

	if got := (<-all).Type; got != "txn.failed" {
		t.Fatalf("first = %s, want txn.failed", got)
	}
	if got := (<-all).Type; got != "dispatch.finished" {
		t.Fatalf("second = %s, want dispatch.finished", got)
	}
	ev := <-txns
	if ev.Type != "txn.failed" || ev.Time.IsZero() {
		t.Fatalf("filtered event = %+v", ev)
	}
	select {
	case ev := <-txns:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "x"})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		_, unsub := b.Subscribe(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			unsub()
			unsub()
		}()
	}
	for i := 0; i < 200; i++ {
		b.Publish(Event{Type: "x"})
	}
	wg.Wait()
}
