package checker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Checker verifies that proxies are reachable and not blocked by the
// configured probe domains.
type Checker struct {
	config    config.HealthConfig
	metrics   *metrics.Collector
	transport transport.Transport
	registry  *pool.Registry

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Result is the verdict of one health check. Working is the boolean the rest
// of the system acts on; Blacklisted is set when the proxy was reachable but
// the probe domain refused it.
type Result struct {
	ID          uint64 `json:"-"`
	Proxy       string `json:"proxy"`
	Working     bool   `json:"working"`
	Blacklisted bool   `json:"blacklisted"`
	Domain      string `json:"domain,omitempty"`
	LatencyMs   int64  `json:"latency_ms"`
	Error       string `json:"error,omitempty"`
}

func NewChecker(cfg config.HealthConfig, t transport.Transport, registry *pool.Registry, metricsCollector *metrics.Collector) *Checker {
	return &Checker{
		config:    cfg,
		metrics:   metricsCollector,
		transport: t,
		registry:  registry,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Test probes one descriptor without touching the registry. Transport
// failures of any kind are folded into a not-working result.
func (c *Checker) Test(ctx context.Context, d pool.Descriptor) Result {
	startTime := time.Now()
	result := Result{ID: d.ID, Proxy: d.URL}
	ep := d.Endpoint()
	logger := log.WithField("proxy", d.URL)

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout())
	defer cancel()

	// Phase 1: reachability
	if err := c.probe(reqCtx, c.reachabilityURL(ep), ep); err != nil {
		result.Error = fmt.Sprintf("reachability: %v", err)
		logger.Warnf("Proxy is not working: %v", err)
		c.record(result, startTime)
		return result
	}

	// Phase 2: blacklist probe against one random domain
	result.Domain = c.pickDomain()
	if err := c.probe(reqCtx, "http://"+result.Domain, ep); err != nil {
		result.Blacklisted = true
		result.Error = fmt.Sprintf("probe %s: %v", result.Domain, err)
		logger.WithField("domain", result.Domain).Warnf("Proxy is blacklisted: %v", err)
		c.record(result, startTime)
		return result
	}

	result.Working = true
	result.LatencyMs = time.Since(startTime).Milliseconds()
	c.record(result, startTime)
	return result
}

func (c *Checker) probe(ctx context.Context, rawURL string, ep pool.Endpoint) error {
	resp, err := transport.Get(ctx, c.transport, rawURL, ep)
	if err != nil {
		return err
	}
	return transport.Check(resp)
}

func (c *Checker) reachabilityURL(ep pool.Endpoint) string {
	if c.config.ReachabilityURL != "" {
		return c.config.ReachabilityURL
	}
	return "http://" + ep.Address() + "/"
}

func (c *Checker) pickDomain() string {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.config.ProbeDomains[c.rng.Intn(len(c.config.ProbeDomains))]
}

func (c *Checker) record(result Result, startTime time.Time) {
	switch {
	case result.Working:
		c.metrics.RecordCheckSuccess()
		c.metrics.RecordCheckDuration(time.Since(startTime).Seconds())
	case result.Blacklisted:
		c.metrics.RecordCheckFailure("blacklisted")
	default:
		c.metrics.RecordCheckFailure("unreachable")
	}
}

// apply writes a verdict back to the registry. Results for descriptors that
// were removed while the check was running are dropped.
func (c *Checker) apply(result Result) {
	if !c.registry.SetHealth(result.ID, result.Working, result.Blacklisted) {
		log.WithField("proxy", result.Proxy).Debug("Dropping health result for removed proxy")
	}
}

// CheckProxyHealth tests the descriptor at index and stores the verdict.
func (c *Checker) CheckProxyHealth(ctx context.Context, index int) (bool, error) {
	d, err := c.registry.Get(index)
	if err != nil {
		return false, err
	}
	result := c.Test(ctx, d)
	c.apply(result)
	c.updatePoolStats()
	return result.Working, nil
}

// TestAll re-evaluates every descriptor with bounded concurrency.
func (c *Checker) TestAll(ctx context.Context) []Result {
	descriptors := c.registry.All()
	total := len(descriptors)
	if total == 0 {
		return nil
	}

	concurrency := c.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	log.Infof("Starting proxy check: %d proxies, concurrency=%d", total, concurrency)
	startTime := time.Now()

	results := make([]Result, 0, total)
	if c.config.EnableFastFilter {
		var unreachable []Result
		descriptors, unreachable = FastConnectFilter(ctx, descriptors,
			time.Duration(c.config.FastFilterTimeoutMs)*time.Millisecond, concurrency)
		for _, r := range unreachable {
			c.apply(r)
			c.metrics.RecordCheckFailure("unreachable")
		}
		results = append(results, unreachable...)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)

	for _, d := range descriptors {
		sem <- struct{}{}
		wg.Add(1)

		go func(d pool.Descriptor) {
			defer wg.Done()
			defer func() { <-sem }()

			result := c.Test(ctx, d)
			c.apply(result)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	working := 0
	for _, r := range results {
		if r.Working {
			working++
		}
	}
	log.Infof("Check complete: %d/%d working in %v", working, total, time.Since(startTime))

	c.updatePoolStats()
	return results
}

func (c *Checker) updatePoolStats() {
	st := c.registry.State()
	c.metrics.SetPoolStats(st.Total, st.Working, st.Blacklisted)
}

// Run sweeps the pool every interval until ctx is cancelled. onSweep, if
// set, receives each sweep's results.
func (c *Checker) Run(ctx context.Context, interval time.Duration, onSweep func([]Result)) {
	sweep := func() {
		results := c.TestAll(ctx)
		if onSweep != nil {
			onSweep(results)
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Health check loop stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
