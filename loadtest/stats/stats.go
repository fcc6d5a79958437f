// Package stats collects client-side timings from load test scenarios and
// server-side samples from the /metrics endpoint.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Summary describes one latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes nearest-rank percentiles over d. It sorts d in place.
func Summarize(d []time.Duration) Summary {
	if len(d) == 0 {
		return Summary{}
	}
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })

	rank := func(p float64) time.Duration {
		i := int(float64(len(d))*p+0.999999) - 1
		if i < 0 {
			i = 0
		}
		return d[i]
	}
	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return Summary{
		N:   len(d),
		Avg: sum / time.Duration(len(d)),
		P50: rank(0.50),
		P95: rank(0.95),
		P99: rank(0.99),
		Max: d[len(d)-1],
	}
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg %v  p50 %v  p95 %v  p99 %v  max %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.N)
}

// Collector is shared by every client goroutine of a scenario.
type Collector struct {
	mu       sync.Mutex
	start    time.Time
	connect  []time.Duration
	match    []time.Duration
	delivery []time.Duration
	errors   int
	scraper  *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{start: time.Now()}
}

// SetScraper makes Report include server metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records one established connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, d)
	c.mu.Unlock()
}

// AddMatch records the wait between find_match and learning the session.
func (c *Collector) AddMatch(d time.Duration) {
	c.mu.Lock()
	c.match = append(c.match, d)
	c.mu.Unlock()
}

// AddMsgLatency records the delay from a message's sentAt to its delivery.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.delivery = append(c.delivery, d)
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connect)
}

func (c *Collector) MatchedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.match)
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	fmt.Println("\n=== duochat load test ===")
	fmt.Printf("duration     %s\n", time.Since(c.start).Round(time.Second))
	fmt.Printf("connections  %d\n", len(c.connect))
	fmt.Printf("matched      %d\n", len(c.match))
	fmt.Printf("errors       %d\n", c.errors)

	for _, series := range []struct {
		label string
		d     []time.Duration
	}{
		{"connect", c.connect},
		{"match", c.match},
		{"delivery", c.delivery},
	} {
		if len(series.d) > 0 {
			fmt.Printf("%-12s %s\n", series.label, Summarize(series.d))
		}
	}
	scraper := c.scraper
	c.mu.Unlock()

	if scraper != nil {
		scraper.Report()
	}
	fmt.Println()
}
