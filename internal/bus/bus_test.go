package bus

import (
	"testing"
	"time"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish("task.ready", "payload")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "task.ready" || ev.Payload != "payload" {
			t.Fatalf("event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	allSub := b.Subscribe("")
	otherSub := b.Subscribe("config.")
	defer b.Unsubscribe(taskSub)
	defer b.Unsubscribe(allSub)
	defer b.Unsubscribe(otherSub)

	b.Publish("task.committed", 1)

	if len(taskSub.ch) != 1 {
		t.Fatal("prefix subscriber missed the event")
	}
	if len(allSub.ch) != 1 {
		t.Fatal("empty prefix must match everything")
	}
	if len(otherSub.ch) != 0 {
		t.Fatal("non-matching prefix received the event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count %d", b.SubscriberCount())
	}

	// Double unsubscribe and nil are both harmless.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish("flood", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(sub.ch) != defaultBufferSize {
		t.Fatalf("buffered %d events, want %d", len(sub.ch), defaultBufferSize)
	}
}
