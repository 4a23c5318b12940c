package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("cache")
	defer b.Unsubscribe(sub)

	b.Publish(TopicCacheMutated, CacheMutatedEvent{TaskID: "1", Op: "merge"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicCacheMutated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicCacheMutated)
		}
		payload, ok := event.Payload.(CacheMutatedEvent)
		if !ok || payload.TaskID != "1" {
			t.Fatalf("payload = %v, want CacheMutatedEvent for task 1", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	mutationSub := b.Subscribe("mutation.")
	defer b.Unsubscribe(mutationSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicMutationSettled, MutationSettledEvent{TaskID: "1", Op: "toggle", Success: true})
	b.Publish(TopicQueueEnqueued, QueueEnqueuedEvent{TaskID: "2"})

	// mutationSub should receive the settled event but not the queue event.
	select {
	case event := <-mutationSub.Ch():
		if event.Topic != TopicMutationSettled {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicMutationSettled)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mutation event")
	}

	select {
	case event := <-mutationSub.Ch():
		t.Fatalf("unexpected event on mutationSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("cache")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicCacheMutated, i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("cache")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicCacheMutated, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
