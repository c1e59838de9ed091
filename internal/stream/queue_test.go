package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueDropsNew(t *testing.T) {
	const k = 5
	q := NewQueue[int](k)
	for i := range k + 1 {
		accepted := q.Add(i, 1, false)
		if want := i < k; accepted != want {
			t.Errorf("Add(%d) = %v, want %v", i, accepted, want)
		}
	}
	if q.Len() != k {
		t.Fatalf("Len() = %d, want %d", q.Len(), k)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}

	ctx := context.Background()
	for want := uint64(1); want <= k; want++ {
		e, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if e.Packet != want || e.Payload != int(want-1) {
			t.Errorf("entry = %+v, want packet %d", e, want)
		}
	}
}

func TestQueueForce(t *testing.T) {
	q := NewQueue[string](1)
	q.Add("a", 1, false)
	if !q.Add("b", 1, true) {
		t.Fatal("forced Add should always enqueue")
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestQueueWeight(t *testing.T) {
	q := NewQueue[string](3)
	if !q.Add("heavy", 3, false) {
		t.Fatal("item at capacity should be accepted")
	}
	if q.Add("light", 1, false) {
		t.Fatal("item over capacity should be rejected")
	}
	_, _ = q.Next(context.Background())
	if !q.Add("light", 1, false) {
		t.Fatal("capacity should be released after consumption")
	}
	e, _ := q.Next(context.Background())
	if e.Packet != 3 {
		t.Errorf("packet after a drop = %d, want 3", e.Packet)
	}
}

func TestQueueWakesConsumer(t *testing.T) {
	q := NewQueue[int](4)
	got := make(chan Entry[int], 1)
	go func() {
		e, _ := q.Next(context.Background())
		got <- e
	}()

	time.Sleep(10 * time.Millisecond)
	q.Add(42, 1, false)

	select {
	case e := <-got:
		if e.Payload != 42 {
			t.Errorf("Payload = %d", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestQueueCloseAndCancel(t *testing.T) {
	q := NewQueue[int](4)
	q.Add(1, 1, false)
	q.Close()

	if q.Add(2, 1, false) {
		t.Error("Add after Close should be rejected")
	}
	if e, err := q.Next(context.Background()); err != nil || e.Payload != 1 {
		t.Errorf("queued entry should survive Close: %+v, %v", e, err)
	}
	if _, err := q.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() on drained closed queue error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewQueue[int](1).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() with canceled ctx error = %v", err)
	}
}

func TestQueueAll(t *testing.T) {
	q := NewQueue[int](10)
	for i := range 3 {
		q.Add(i, 1, false)
	}
	q.Close()

	var packets []uint64
	for e := range q.All(context.Background()) {
		packets = append(packets, e.Packet)
	}
	if len(packets) != 3 || packets[0] != 1 || packets[2] != 3 {
		t.Errorf("packets = %v", packets)
	}
}
