package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/duochat/loadtest/client"
	"github.com/whisper/duochat/loadtest/stats"
)

type pairConfig struct {
	clients      int
	messages     int
	msgInterval  time.Duration
	matchTimeout time.Duration
	linger       time.Duration
}

func newPairCmd(opts *options) *cobra.Command {
	cfg := pairConfig{}
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Connect clients, pair them, exchange messages and leave",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.clients < 2 || cfg.clients%2 != 0 {
				return errors.New("--clients must be an even number of at least 2")
			}
			return runPair(cmd.Context(), opts, cfg)
		},
	}
	cmd.Flags().IntVar(&cfg.clients, "clients", 1000, "Number of clients (pairs = clients/2)")
	cmd.Flags().IntVar(&cfg.messages, "messages", 5, "Messages each client sends once paired")
	cmd.Flags().DurationVar(&cfg.msgInterval, "msg-interval", 500*time.Millisecond, "Delay between messages")
	cmd.Flags().DurationVar(&cfg.matchTimeout, "match-timeout", 30*time.Second, "Timeout waiting for a partner")
	cmd.Flags().DurationVar(&cfg.linger, "linger", 2*time.Second, "Time to wait for the partner's messages before leaving")
	return cmd
}

// pairCounters are shared by every client goroutine.
type pairCounters struct {
	matched   atomic.Int64
	delivered atomic.Int64
	notified  atomic.Int64 // disconnect events seen by the member who stayed
	timeouts  atomic.Int64
}

// runPair is the full lifecycle scenario: every client subscribes to its
// private channel, requests a match, subscribes to the session channel,
// sends messages to its partner and finally the initiator leaves.
func runPair(parent context.Context, opts *options, cfg pairConfig) error {
	fmt.Printf("Pair test: %d clients to %s (messages=%d, interval=%s, match-timeout=%s)\n",
		cfg.clients, opts.url, cfg.messages, cfg.msgInterval, cfg.matchTimeout)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(opts.metricsURL, opts.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect ---")
	clients, interrupted := connectAll(ctx, opts, cfg.clients, collector)
	if interrupted {
		closeAll(clients)
		scraper.Stop()
		collector.Report()
		return nil
	}

	fmt.Println("\n--- Phase 2: Match and chat ---")
	var counters pairCounters
	var wg sync.WaitGroup
	start := time.Now()

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [pair] matched: %d/%d  delivered: %d  errors: %d\n",
					counters.matched.Load(), len(clients), counters.delivered.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			if err := runPairClient(ctx, c, cfg, collector, &counters); err != nil {
				collector.AddError()
			}
		}(c)
	}
	wg.Wait()
	close(progressStop)
	elapsed := time.Since(start)

	fmt.Printf("\n--- Pair Results ---\n")
	fmt.Printf("Clients matched:     %d / %d\n", counters.matched.Load(), len(clients))
	fmt.Printf("Match timeouts:      %d\n", counters.timeouts.Load())
	fmt.Printf("Messages delivered:  %d / %d\n", counters.delivered.Load(), int64(len(clients)*cfg.messages))
	fmt.Printf("Disconnect notices:  %d / %d\n", counters.notified.Load(), len(clients)/2)
	fmt.Printf("Phase duration:      %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Pair throughput:     %.1f pairs/s\n", float64(counters.matched.Load())/2/elapsed.Seconds())
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report()
	return nil
}

// subWaiter lets a client block until the gateway confirms a subscription.
type subWaiter struct {
	mu      sync.Mutex
	pending map[string]chan error
}

func newSubWaiter(c *client.Client) *subWaiter {
	w := &subWaiter{pending: make(map[string]chan error)}
	done := func(raw json.RawMessage, err error) {
		var msg struct {
			Channel string `json:"channel"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		w.mu.Lock()
		ch, ok := w.pending[msg.Channel]
		delete(w.pending, msg.Channel)
		w.mu.Unlock()
		if ok {
			if err != nil && msg.Message != "" {
				err = fmt.Errorf("%w: %s", err, msg.Message)
			}
			ch <- err
		}
	}
	c.On(client.TypeSubscriptionSucceeded, func(raw json.RawMessage) { done(raw, nil) })
	c.On(client.TypeSubscriptionError, func(raw json.RawMessage) { done(raw, errSubscription) })
	return w
}

var errSubscription = errors.New("subscription refused")

func (w *subWaiter) subscribe(ctx context.Context, c *client.Client, channel string) error {
	ch := make(chan error, 1)
	w.mu.Lock()
	w.pending[channel] = ch
	w.mu.Unlock()

	if err := c.Subscribe(channel); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("subscribe %s: timed out", channel)
	}
}

func runPairClient(ctx context.Context, c *client.Client, cfg pairConfig, collector *stats.Collector, counters *pairCounters) error {
	self := c.SocketID()
	subs := newSubWaiter(c)

	found := make(chan client.MatchFound, 2)
	partnerGone := make(chan struct{})
	var goneOnce sync.Once

	c.OnEvent(func(ev client.Event) {
		switch ev.Event {
		case client.EventMatchFound:
			var mf client.MatchFound
			if json.Unmarshal(ev.Data, &mf) == nil {
				found <- mf
			}
		case client.EventNewMessage:
			var nm client.NewMessage
			if json.Unmarshal(ev.Data, &nm) == nil && nm.SenderID != self {
				counters.delivered.Add(1)
				collector.AddMsgLatency(time.Since(time.UnixMilli(nm.SentAt)))
			}
		case client.EventDisconnect:
			goneOnce.Do(func() { close(partnerGone) })
		}
	})
	c.On(client.TypeMatchResult, func(raw json.RawMessage) {
		var res struct {
			Matched   bool   `json:"matched"`
			SessionID string `json:"session_id"`
			Role      string `json:"role"`
			Channel   string `json:"channel"`
		}
		if json.Unmarshal(raw, &res) == nil && res.Matched {
			found <- client.MatchFound{SessionID: res.SessionID, Role: res.Role, Channel: res.Channel}
		}
	})

	if err := subs.subscribe(ctx, c, client.UserChannel(self)); err != nil {
		return err
	}

	requested := time.Now()
	if err := c.Send(map[string]string{"type": client.TypeFindMatch}); err != nil {
		return err
	}

	var match client.MatchFound
	select {
	case match = <-found:
	case <-time.After(cfg.matchTimeout):
		counters.timeouts.Add(1)
		_ = c.Send(map[string]string{"type": client.TypeCancelMatch})
		return errors.New("match timed out")
	case <-ctx.Done():
		return nil
	}
	counters.matched.Add(1)
	collector.AddMatch(time.Since(requested))

	if err := subs.subscribe(ctx, c, match.Channel); err != nil {
		return err
	}

	for i := 0; i < cfg.messages; i++ {
		err := c.Send(map[string]string{
			"type":       client.TypeMessage,
			"session_id": match.SessionID,
			"text":       fmt.Sprintf("load message %d from %s", i, self),
		})
		if err != nil {
			return err
		}
		select {
		case <-time.After(cfg.msgInterval):
		case <-ctx.Done():
			return nil
		case <-partnerGone:
			return nil
		}
	}

	// The initiator ends the session; the responder waits to be told.
	if match.Role == "initiator" {
		select {
		case <-time.After(cfg.linger):
		case <-ctx.Done():
			return nil
		}
		return c.Send(map[string]string{"type": client.TypeLeave, "session_id": match.SessionID})
	}

	select {
	case <-partnerGone:
		counters.notified.Add(1)
		return nil
	case <-time.After(cfg.linger + cfg.matchTimeout):
		return errors.New("no disconnect notice")
	case <-ctx.Done():
		return nil
	}
}
