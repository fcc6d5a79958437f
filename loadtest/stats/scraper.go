package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// sample is one scrape: series key to value. Histograms contribute their
// _sum and _count series.
type sample struct {
	at     time.Time
	series map[string]float64
}

// Scraper polls the server's /metrics endpoint while a scenario runs.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	samples []sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once immediately, then every interval until Stop or ctx is
// cancelled.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape()
				return
			case <-ticker.C:
				s.scrape()
			}
		}
	}()
}

// Stop ends scraping and waits for the final sample.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrape() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	series, err := parseSeries(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample{at: time.Now(), series: series})
	s.mu.Unlock()
}

// parseSeries reads the Prometheus text format and flattens every duochat_*
// family into series keyed by seriesKey.
func parseSeries(r io.Reader) (map[string]float64, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	out := make(map[string]float64)
	for name, mf := range families {
		if !strings.HasPrefix(name, "duochat_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[seriesKey(name, m.GetLabel())] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[seriesKey(name, m.GetLabel())] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				out[seriesKey(name+"_sum", m.GetLabel())] = h.GetSampleSum()
				out[seriesKey(name+"_count", m.GetLabel())] = float64(h.GetSampleCount())
			case dto.MetricType_UNTYPED:
				out[seriesKey(name, m.GetLabel())] = m.GetUntyped().GetValue()
			}
		}
	}
	return out, nil
}

// seriesKey renders name{k="v",...} with labels sorted by name.
func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// sumFamily adds up every series of family name, across label values.
func sumFamily(series map[string]float64, name string) float64 {
	total := 0.0
	for k, v := range series {
		if k == name || strings.HasPrefix(k, name+"{") {
			total += v
		}
	}
	return total
}

// Report prints what the server saw during the run: gauges as final and
// peak, counters as the change between the first and last sample.
func (s *Scraper) Report() {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Println("\n--- Server Metrics ---")
	fmt.Printf("  %d samples over %s\n", len(samples), last.at.Sub(first.at).Round(time.Second))

	for _, g := range []struct{ label, key string }{
		{"connections", "duochat_connections_total"},
		{"queue size", "duochat_match_queue_size"},
		{"active sessions", "duochat_active_sessions"},
	} {
		peak := 0.0
		for _, smp := range samples {
			if v := smp.series[g.key]; v > peak {
				peak = v
			}
		}
		fmt.Printf("  %-18s final %8.0f  peak %8.0f\n", g.label, last.series[g.key], peak)
	}

	delta := func(key string) float64 { return last.series[key] - first.series[key] }
	fmt.Printf("  %-18s %8.0f\n", "matched", delta(`duochat_match_requests_total{outcome="matched"}`))
	fmt.Printf("  %-18s %8.0f\n", "waiting", delta(`duochat_match_requests_total{outcome="waiting"}`))
	fmt.Printf("  %-18s %8.0f\n", "sessions closed", sumFamily(last.series, "duochat_sessions_closed_total")-sumFamily(first.series, "duochat_sessions_closed_total"))
	fmt.Printf("  %-18s %8.0f\n", "tickets evicted", delta("duochat_tickets_evicted_total"))

	failed := 0.0
	for k := range last.series {
		if strings.HasPrefix(k, "duochat_events_published_total{") && strings.Contains(k, `result="failed"`) {
			failed += delta(k)
		}
	}
	fmt.Printf("  %-18s %8.0f\n", "publish failures", failed)

	if n := delta("duochat_match_wait_seconds_count"); n > 0 {
		fmt.Printf("  %-18s %8.4fs (%d observations)\n", "avg match wait", delta("duochat_match_wait_seconds_sum")/n, int(n))
	}
}
