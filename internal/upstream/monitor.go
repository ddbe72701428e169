package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/registry"
)

// Prober checks the upstream once. Implementations must honor the
// context deadline.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes an HTTP health endpoint. Any 2xx response counts as
// healthy. The caller bounds each probe through the context.
type HTTPProber struct {
	url    string
	client *http.Client
}

func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{url: url, client: &http.Client{}}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Monitor drives the shared upstream-health flag. It probes once on
// start and then on a fixed interval; each probe is bounded by its own
// timeout. A failed probe marks the upstream unhealthy and keeps the
// loop alive.
type Monitor struct {
	state    *registry.State
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	// lastHealthy tracks the previous probe outcome so transitions log
	// once instead of every tick. Starts false, matching the state flag.
	lastHealthy bool
}

func NewMonitor(state *registry.State, prober Prober, interval, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Monitor {
	return &Monitor{
		state:    state,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run blocks until ctx is canceled and always returns nil: probe
// failures are a state change, not a reason to stop watching.
func (m *Monitor) Run(ctx context.Context) error {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	healthy := err == nil

	m.state.SetUpstreamHealthy(healthy)
	m.metrics.SetUpstreamHealthy(healthy)

	if healthy != m.lastHealthy {
		if healthy {
			m.logger.Info("upstream is healthy")
		} else {
			m.logger.Warn("upstream is unhealthy", "error", err)
		}
	} else if !healthy {
		m.logger.Debug("upstream still unhealthy", "error", err)
	}
	m.lastHealthy = healthy
}
