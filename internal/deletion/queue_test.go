package deletion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		if !q.Push(Request{ResourceID: id}) {
			t.Fatalf("Push(%s) rejected", id)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if got.ResourceID != want {
			t.Errorf("Pop() = %s, want %s", got.ResourceID, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan Request, 1)
	go func() {
		req, err := q.Pop(context.Background())
		if err == nil {
			got <- req
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(Request{ResourceID: "late"})
	select {
	case req := <-got:
		if req.ResourceID != "late" {
			t.Errorf("Pop() = %s", req.ResourceID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestQueue_PopHonorsContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop() error = %v, want deadline exceeded", err)
	}
}

func TestQueue_CloseDrainsPending(t *testing.T) {
	q := NewQueue()
	q.Push(Request{ResourceID: "a"})
	q.Close()

	if q.Push(Request{ResourceID: "b"}) {
		t.Error("Push after Close accepted")
	}
	if req, err := q.Pop(context.Background()); err != nil || req.ResourceID != "a" {
		t.Fatalf("Pop() = %v, %v", req, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Pop() error = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue()
	const producers, each = 8, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Push(Request{ResourceID: "r"})
			}
		}()
	}

	received := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for received < producers*each {
			if _, err := q.Pop(context.Background()); err != nil {
				return
			}
			received++
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d of %d", received, producers*each)
	}
}
