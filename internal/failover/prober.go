package failover

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/poolgate/poolgate/internal/site"
)

// Prober checks whether a site answers API traffic normally.
type Prober interface {
	Probe(ctx context.Context, st site.Site) error
}

// ProberConfig controls probe requests.
type ProberConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// CollyProber issues a lightweight GET against the site's probe path. An
// HTML response means the anti-bot layer intercepted the request, which
// counts as a failure just like a 5xx. Auth-level rejections (401/403) mean
// the API surface answered and count as healthy.
type CollyProber struct {
	cfg           ProberConfig
	baseCollector *colly.Collector
}

// NewCollyProber builds a prober.
func NewCollyProber(cfg ProberConfig) *CollyProber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.SetRequestTimeout(cfg.Timeout)
	return &CollyProber{cfg: cfg, baseCollector: c}
}

// Probe returns nil when the site responded with a non-HTML sub-500 status.
func (p *CollyProber) Probe(ctx context.Context, st site.Site) error {
	collector := p.baseCollector.Clone()

	var (
		status      int
		contentType string
		probeErr    error
	)

	collector.OnRequest(func(r *colly.Request) {
		if p.cfg.UserAgent != "" {
			r.Headers.Set("User-Agent", p.cfg.UserAgent)
		}
		r.Headers.Set("Accept", "application/json")
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		contentType = r.Headers.Get("Content-Type")
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
			contentType = r.Headers.Get("Content-Type")
		}
		probeErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(st.ProbeURL())
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("probe %s canceled: %w", st.Name, ctx.Err())
	case err := <-done:
		// Visit reports non-2xx statuses as errors; only treat it as a
		// transport failure when no status was captured at all.
		if err != nil && status == 0 {
			return fmt.Errorf("probe %s: %w", st.Name, err)
		}
	}

	if probeErr != nil && status == 0 {
		return fmt.Errorf("probe %s: %w", st.Name, probeErr)
	}
	return evaluateProbe(st, status, contentType)
}

// evaluateProbe applies the health rules to a probe response.
func evaluateProbe(st site.Site, status int, contentType string) error {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return fmt.Errorf("probe %s: challenge page returned", st.Name)
	}
	if status == 0 || status >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", st.Name, status)
	}
	return nil
}

var _ Prober = (*CollyProber)(nil)
