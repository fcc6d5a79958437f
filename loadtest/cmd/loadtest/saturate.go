package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/duochat/loadtest/stats"
)

func newSaturateCmd(opts *options) *cobra.Command {
	var (
		connections int
		hold        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N idle connections and hold them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSaturate(cmd.Context(), opts, connections, hold)
		},
	}
	cmd.Flags().IntVar(&connections, "connections", 1000, "Number of connections to open")
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "Hold duration after all connections are open")
	return cmd
}

// runSaturate opens connections over the ramp, then holds them while the
// server pings them, reporting how many drop. It finds the connection
// capacity before the server starts rejecting or dropping sockets.
func runSaturate(parent context.Context, opts *options, connections int, hold time.Duration) error {
	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		connections, opts.url, opts.ramp, hold, opts.concurrency)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(opts.metricsURL, opts.scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := connectAll(ctx, opts, connections, collector)

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), hold)

		holdTimer := time.NewTimer(hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					if c.GetMetrics().Errors == 0 {
						alive++
					}
				}
				dropped = len(clients) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	closeAll(clients)
	scraper.Stop()
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
	return nil
}
