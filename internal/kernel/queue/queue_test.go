package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type countingWaker struct {
	n atomic.Int32
}

func (w *countingWaker) Wake() { w.n.Add(1) }

func TestBoundedFIFO(t *testing.T) {
	q := NewBounded[uint8](100)
	for i := 0; i < 100; i++ {
		if err := q.Push(uint8(i)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if q.Len() != 100 {
		t.Fatalf("len = %d, want 100", q.Len())
	}
	for i := 0; i < 100; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if v != uint8(i) {
			t.Fatalf("pop %d = %d", i, v)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("pop from drained queue succeeded")
	}
}

func TestBoundedFullKeepsContents(t *testing.T) {
	for _, capacity := range []int{1, 2, 3, 8} {
		q := NewBounded[int](capacity)
		// Two laps, so the tickets left by the first drain are exercised.
		for lap := 0; lap < 2; lap++ {
			base := lap * 100
			for i := 0; i < capacity; i++ {
				if err := q.Push(base + i); err != nil {
					t.Fatalf("cap %d lap %d: push %d: %v", capacity, lap, i, err)
				}
			}
			if err := q.Push(base + capacity); !errors.Is(err, ErrFull) {
				t.Fatalf("cap %d lap %d: push into full queue = %v, want ErrFull", capacity, lap, err)
			}
			if q.Len() != capacity {
				t.Fatalf("cap %d lap %d: len = %d", capacity, lap, q.Len())
			}
			for i := 0; i < capacity; i++ {
				v, ok := q.Pop()
				if !ok || v != base+i {
					t.Fatalf("cap %d lap %d: pop = %d,%v want %d", capacity, lap, v, ok, base+i)
				}
			}
			if v, ok := q.Pop(); ok {
				t.Fatalf("cap %d lap %d: pop from drained queue = %d", capacity, lap, v)
			}
		}
	}
}

func TestBoundedWrapsAround(t *testing.T) {
	q := NewBounded[int](4)
	next := 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			if err := q.Push(round*3 + i); err != nil {
				t.Fatalf("round %d push: %v", round, err)
			}
		}
		for i := 0; i < 3; i++ {
			v, ok := q.Pop()
			if !ok || v != next {
				t.Fatalf("round %d pop = %d,%v want %d", round, v, ok, next)
			}
			next++
		}
	}
}

func TestBoundedConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 2000

	q := NewBounded[[2]int](64)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; {
				if q.Push([2]int{p, i}) == nil {
					i++
				}
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	got := 0
	for got < producers*perProducer {
		v, ok := q.Pop()
		if !ok {
			continue
		}
		if v[1] != last[v[0]]+1 {
			t.Fatalf("producer %d: got item %d after %d", v[0], v[1], last[v[0]])
		}
		last[v[0]] = v[1]
		got++
	}
	wg.Wait()
}

func TestWakerSlotOverwriteAndIdempotentWake(t *testing.T) {
	var slot WakerSlot
	first := &countingWaker{}
	second := &countingWaker{}

	slot.Register(first)
	slot.Register(second)
	slot.Wake()
	slot.Wake()

	if first.n.Load() != 0 {
		t.Fatalf("overwritten waker fired %d times", first.n.Load())
	}
	if second.n.Load() != 1 {
		t.Fatalf("registered waker fired %d times, want 1", second.n.Load())
	}
	if slot.Registered() {
		t.Fatalf("slot still holds a waker after Wake")
	}
}

func TestWakerSlotTake(t *testing.T) {
	var slot WakerSlot
	w := &countingWaker{}
	slot.Register(w)
	if got := slot.Take(); got != Waker(w) {
		t.Fatalf("Take returned %v", got)
	}
	slot.Wake()
	if w.n.Load() != 0 {
		t.Fatalf("taken waker fired")
	}
}

func TestEventsOverflowDropsWithoutWake(t *testing.T) {
	ev := NewEvents[uint8](2)
	w := &countingWaker{}

	ev.Register(w)
	if err := ev.Send(1); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev.Register(w)
	if err := ev.Send(2); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev.Register(w)
	if err := ev.Send(3); !errors.Is(err, ErrFull) {
		t.Fatalf("send into full queue = %v", err)
	}

	if w.n.Load() != 2 {
		t.Fatalf("waker fired %d times, want 2", w.n.Load())
	}
	if ev.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", ev.Dropped())
	}
	for _, want := range []uint8{1, 2} {
		if v, ok := ev.TryRecv(); !ok || v != want {
			t.Fatalf("recv = %d,%v want %d", v, ok, want)
		}
	}
}
