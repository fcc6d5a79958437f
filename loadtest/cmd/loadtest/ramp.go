package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/duochat/loadtest/client"
	"github.com/whisper/duochat/loadtest/stats"
)

// connectAll opens n connections spread over opts.ramp with at most
// opts.concurrency dials in flight. It returns the clients that completed the
// handshake and whether ctx was cancelled before all were launched.
func connectAll(ctx context.Context, opts *options, n int, collector *stats.Collector) ([]*client.Client, bool) {
	var mu sync.Mutex
	clients := make([]*client.Client, 0, n)

	interval := opts.ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, opts.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, n, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	interrupted := false

launch:
	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := client.New(connCtx, opts.url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSocket(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		len(clients), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

// closeAll closes every client connection.
func closeAll(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
