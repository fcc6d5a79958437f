package lifecycle

import (
	"context"
	"time"
)

// DefaultReapInterval is how often Forget runs from StartReaper.
const DefaultReapInterval = time.Minute

// purger is implemented by registries that keep closed sessions in memory.
type purger interface {
	Purge(before time.Time) int
}

// Forget drops the state of Disconnected handles that went away before the
// cutoff and returns how many were removed. Their ids are kept so a stale
// client cannot register them again.
func (m *Manager) Forget(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.users {
		if e.state == StateDisconnected && e.goneAt.Before(before) {
			delete(m.users, id)
			m.forgotten[id] = struct{}{}
			removed++
		}
	}
	return removed
}

// StartReaper periodically forgets old Disconnected handles and, when the
// registry supports it, purges closed sessions older than retention. It
// blocks until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug().Msg("reaper stopped")
			return
		case <-ticker.C:
			cutoff := m.now().Add(-retention)
			handles := m.Forget(cutoff)
			sessions := 0
			if p, ok := m.registry.(purger); ok {
				sessions = p.Purge(cutoff)
			}
			if handles > 0 || sessions > 0 {
				m.log.Info().Int("handles", handles).Int("sessions", sessions).Msg("reaped")
			}
		}
	}
}
