package matching

import (
	"context"
	"time"

	"github.com/whisper/duochat/internal/metrics"
)

// DefaultCleanupInterval is how often stale tickets are swept.
const DefaultCleanupInterval = 5 * time.Second

// StartCleanup runs a loop that evicts tickets whose user isGone reports as
// departed, catching tickets that slipped into the queue after the departure
// was handled. Users isGone does not know about are left alone: with a shared
// queue they belong to another instance. It blocks until ctx is cancelled.
func (m *Matchmaker) StartCleanup(ctx context.Context, interval time.Duration, isGone func(userID string) bool) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debug().Msg("cleanup loop stopped")
			return
		case <-ticker.C:
			m.cleanStaleTickets(ctx, isGone)
		}
	}
}

// cleanStaleTickets removes every ticket whose user isGone reports and
// returns how many were removed.
func (m *Matchmaker) cleanStaleTickets(ctx context.Context, isGone func(string) bool) int {
	tickets, err := m.queue.Snapshot(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("cleanup: failed to read queue")
		return 0
	}

	removed := 0
	for _, t := range tickets {
		if !isGone(t.User.ID) {
			continue
		}
		ok, err := m.Cancel(ctx, t.User.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("user", t.User.ID).Msg("cleanup: failed to evict ticket")
			continue
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		metrics.TicketsEvicted.Add(float64(removed))
		m.log.Info().Int("removed", removed).Msg("cleanup: evicted stale tickets")
	}
	return removed
}
