package matching

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/whisper/duochat/internal/user"
)

// MemoryQueue is an in-process Queue. A linked list keeps arrival order and
// an index by user id gives O(1) membership and removal.
type MemoryQueue struct {
	mu    sync.Mutex
	order *list.List               // of *WaitTicket, oldest at front
	index map[string]*list.Element // user id -> element in order
	now   func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, u user.Handle) error {
	if !u.Valid() {
		return ErrInvalidRequest
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[u.ID]; ok {
		return ErrAlreadyWaiting
	}
	q.index[u.ID] = q.order.PushBack(&WaitTicket{User: u, EnqueuedAt: q.now()})
	return nil
}

// DequeueNext implements Queue.
func (q *MemoryQueue) DequeueNext(_ context.Context, excludingID string) (*WaitTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.order.Front(); e != nil; e = e.Next() {
		t := e.Value.(*WaitTicket)
		if t.User.ID == excludingID {
			continue
		}
		q.order.Remove(e)
		delete(q.index, t.User.ID)
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

// Remove implements Queue.
func (q *MemoryQueue) Remove(_ context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.index[userID]; ok {
		q.order.Remove(e)
		delete(q.index, userID)
	}
	return nil
}

// Contains implements Queue.
func (q *MemoryQueue) Contains(_ context.Context, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.index[userID]
	return ok, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len(), nil
}

// Snapshot implements Queue.
func (q *MemoryQueue) Snapshot(_ context.Context) ([]WaitTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]WaitTicket, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*WaitTicket))
	}
	return out, nil
}
