package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whisper/duochat/internal/user"
)

func handle(id string) user.Handle {
	return user.Handle{ID: id, JoinedAt: time.Now()}
}

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		if err := q.Enqueue(ctx, handle(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	for _, want := range []string{"u1", "u2", "u3"} {
		got, err := q.DequeueNext(ctx, "")
		if err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		if got == nil || got.User.ID != want {
			t.Fatalf("expected %s, got %+v", want, got)
		}
	}

	if got, _ := q.DequeueNext(ctx, ""); got != nil {
		t.Fatalf("expected empty queue, got %+v", got)
	}
}

func TestMemoryQueue_AlreadyWaiting(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, handle("u1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, handle("u1")); !errors.Is(err, ErrAlreadyWaiting) {
		t.Fatalf("expected ErrAlreadyWaiting, got %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("expected 1 ticket, got %d", n)
	}
}

func TestMemoryQueue_InvalidHandle(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.Enqueue(context.Background(), user.Handle{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestMemoryQueue_DequeueSkipsExcluded(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, handle("self"))
	if got, _ := q.DequeueNext(ctx, "self"); got != nil {
		t.Fatalf("must not dequeue the excluded user, got %+v", got)
	}

	q.Enqueue(ctx, handle("other"))
	got, _ := q.DequeueNext(ctx, "self")
	if got == nil || got.User.ID != "other" {
		t.Fatalf("expected other, got %+v", got)
	}

	if ok, _ := q.Contains(ctx, "self"); !ok {
		t.Fatal("excluded user's ticket must stay queued")
	}
}

func TestMemoryQueue_RemoveIdempotent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, handle("u1"))
	q.Enqueue(ctx, handle("u2"))

	if err := q.Remove(ctx, "u1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := q.Remove(ctx, "u1"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if err := q.Remove(ctx, "never-queued"); err != nil {
		t.Fatalf("Remove(absent): %v", err)
	}

	if ok, _ := q.Contains(ctx, "u1"); ok {
		t.Error("u1 should be gone")
	}
	got, _ := q.DequeueNext(ctx, "")
	if got == nil || got.User.ID != "u2" {
		t.Fatalf("expected u2, got %+v", got)
	}
}

func TestMemoryQueue_Snapshot(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, handle("a"))
	q.Enqueue(ctx, handle("b"))

	snap, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 2 || snap[0].User.ID != "a" || snap[1].User.ID != "b" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap[0].EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt should be set")
	}
}

func TestMemoryQueue_ConcurrentEnqueueDistinct(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			// Every user enqueues twice; exactly one must succeed.
			id := fmt.Sprintf("u%d", i%(n/2))
			_ = q.Enqueue(ctx, handle(id))
		}(i)
	}
	wg.Wait()

	if got, _ := q.Len(ctx); got != n/2 {
		t.Fatalf("expected %d tickets, got %d", n/2, got)
	}
}
