package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

// setupRedisQueue creates a RedisQueue connected to a test Redis instance.
// Requires Redis running on localhost:6379. Tests are skipped if unavailable.
func setupRedisQueue(t *testing.T) (*RedisQueue, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewRedisQueue(rdb), ctx
}

func TestRedisQueue_FIFOAndExclusion(t *testing.T) {
	q, ctx := setupRedisQueue(t)

	for _, id := range []string{"u1", "u2", "u3"} {
		if err := q.Enqueue(ctx, handle(id)); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	got, err := q.DequeueNext(ctx, "u1")
	if err != nil {
		t.Fatalf("DequeueNext: %v", err)
	}
	if got == nil || got.User.ID != "u2" {
		t.Fatalf("expected u2 when excluding u1, got %+v", got)
	}
	if got.EnqueuedAt.IsZero() || got.User.JoinedAt.IsZero() {
		t.Errorf("timestamps should round-trip: %+v", got)
	}

	got, _ = q.DequeueNext(ctx, "")
	if got == nil || got.User.ID != "u1" {
		t.Fatalf("expected u1, got %+v", got)
	}
}

func TestRedisQueue_AlreadyWaitingAndRemove(t *testing.T) {
	q, ctx := setupRedisQueue(t)

	if err := q.Enqueue(ctx, handle("u1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, handle("u1")); !errors.Is(err, ErrAlreadyWaiting) {
		t.Fatalf("expected ErrAlreadyWaiting, got %v", err)
	}

	if ok, _ := q.Contains(ctx, "u1"); !ok {
		t.Fatal("u1 should be queued")
	}
	if err := q.Remove(ctx, "u1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := q.Remove(ctx, "u1"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if ok, _ := q.Contains(ctx, "u1"); ok {
		t.Fatal("u1 should be gone")
	}
	if got, _ := q.DequeueNext(ctx, ""); got != nil {
		t.Fatalf("expected empty queue, got %+v", got)
	}
}

func TestRedisQueue_Snapshot(t *testing.T) {
	q, ctx := setupRedisQueue(t)

	q.Enqueue(ctx, handle("a"))
	q.Enqueue(ctx, handle("b"))

	snap, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap) != 2 || snap[0].User.ID != "a" || snap[1].User.ID != "b" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if n, _ := q.Len(ctx); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
}
