package eventbus

import "testing"

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Name: "job.status"})

	for i, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Name != "job.status" {
				t.Fatalf("subscriber %d got %q, want job.status", i, ev.Name)
			}
			if ev.Seq == 0 {
				t.Fatalf("published event must carry a sequence number")
			}
			if ev.Time.IsZero() {
				t.Fatalf("publish must stamp a time")
			}
		default:
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}

func TestSequenceStrictlyIncreases(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(8)
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Name: "job.progress"})
	}
	var last uint64
	for i := 0; i < 3; i++ {
		ev := <-ch
		if ev.Seq <= last {
			t.Fatalf("seq %d after %d, want strictly increasing", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()
	fast, unsubFast := b.Subscribe(8)
	defer unsubFast()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Name: "job.progress"})
	}
	if got := len(slow); got != 1 {
		t.Fatalf("slow subscriber buffered %d events, want 1 (overflow drops)", got)
	}
	if got := len(fast); got != 3 {
		t.Fatalf("fast subscriber buffered %d events, want 3", got)
	}
	// The surviving event exposes the gap through its sequence number.
	first := <-slow
	if first.Seq != 1 {
		t.Fatalf("slow subscriber kept seq %d, want the first published event", first.Seq)
	}
}

func TestPublishAfterUnsubscribeIsSafe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Name: "job.status"}) // must not panic
	if _, ok := <-ch; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
}
