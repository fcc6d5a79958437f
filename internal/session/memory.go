package session

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/duochat/internal/user"
)

// MemoryRegistry is an in-process Registry guarded by a single mutex.
type MemoryRegistry struct {
	mu           sync.Mutex
	byID         map[string]*Session
	activeByUser map[string]string // user id -> active session id
	now          func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:         make(map[string]*Session),
		activeByUser: make(map[string]string),
		now:          time.Now,
	}
}

// Create implements Registry.
func (r *MemoryRegistry) Create(_ context.Context, a, b user.Handle) (*Session, error) {
	if err := validatePair(a, b); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.activeByUser[a.ID]; ok {
		return nil, ErrAlreadyInSession
	}
	if _, ok := r.activeByUser[b.ID]; ok {
		return nil, ErrAlreadyInSession
	}

	id := DeriveID(a.ID, b.ID)
	if _, exists := r.byID[id]; exists {
		return nil, ErrSessionClosed
	}

	s := &Session{
		ID:        id,
		A:         a,
		B:         b,
		State:     StateActive,
		CreatedAt: r.now(),
	}
	r.byID[id] = s
	r.activeByUser[a.ID] = id
	r.activeByUser[b.ID] = id

	cp := *s
	return &cp, nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// ActiveFor implements Registry.
func (r *MemoryRegistry) ActiveFor(_ context.Context, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.activeByUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *r.byID[id]
	return &cp, nil
}

// PartnerOf implements Registry.
func (r *MemoryRegistry) PartnerOf(ctx context.Context, userID string) (*user.Handle, error) {
	s, err := r.ActiveFor(ctx, userID)
	if err != nil || s == nil {
		return nil, err
	}
	p, _ := s.Partner(userID)
	return &p, nil
}

// Close implements Registry.
func (r *MemoryRegistry) Close(_ context.Context, sessionID string, reason CloseReason) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return nil, false, nil
	}
	if s.State == StateClosed {
		cp := *s
		return &cp, false, nil
	}

	now := r.now()
	s.State = StateClosed
	s.ClosedAt = &now
	s.ClosedReason = reason
	delete(r.activeByUser, s.A.ID)
	delete(r.activeByUser, s.B.ID)

	cp := *s
	return &cp, true, nil
}

// CountActive implements Registry.
func (r *MemoryRegistry) CountActive(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activeByUser) / 2, nil
}

// Purge drops closed sessions that closed before the cutoff and returns how
// many were removed.
func (r *MemoryRegistry) Purge(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.byID {
		if s.State == StateClosed && s.ClosedAt != nil && s.ClosedAt.Before(before) {
			delete(r.byID, id)
			removed++
		}
	}
	return removed
}
