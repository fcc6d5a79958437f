// Command loadtest drives a running duochat server through its push gateway.
//
//   - saturate: open N idle connections and hold them
//   - pair:     connect N clients, pair them, exchange messages, leave
//
// Run the server with DUOCHAT_RATE_LIMIT=false, otherwise the per-IP connect
// limit throttles the ramp-up.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// options are shared by every scenario.
type options struct {
	url            string
	metricsURL     string
	scrapeInterval time.Duration
	ramp           time.Duration
	concurrency    int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load test scenarios for the duochat push gateway",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	flags.StringVar(&opts.metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	flags.DurationVar(&opts.scrapeInterval, "scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	flags.DurationVar(&opts.ramp, "ramp", 10*time.Second, "Ramp-up duration for connection creation")
	flags.IntVar(&opts.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")

	root.AddCommand(newSaturateCmd(opts), newPairCmd(opts))
	return root
}
