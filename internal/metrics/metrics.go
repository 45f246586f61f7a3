package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Request path metrics
	requestsTotal *prometheus.CounterVec
	rotations     *prometheus.CounterVec

	// Health check metrics
	checksTotal   *prometheus.CounterVec
	checksSuccess prometheus.Counter
	checksFailure prometheus.Counter
	checkDuration prometheus.Histogram

	// Pool stats
	totalProxies       prometheus.Gauge
	workingProxies     prometheus.Gauge
	blacklistedProxies prometheus.Gauge

	// Source ingestion metrics
	proxiesScraped *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers the collector's metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of proxied requests by outcome",
			},
			[]string{"mode", "result"},
		),
		rotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rotations_total",
				Help:      "Total number of pool rotations by kind",
			},
			[]string{"kind"},
		),
		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of proxy health checks",
			},
			[]string{"result"},
		),
		checksSuccess: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_success_total",
				Help:      "Total number of successful proxy health checks",
			},
		),
		checksFailure: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_failure_total",
				Help:      "Total number of failed proxy health checks",
			},
		),
		checkDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Proxy health check duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		totalProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_proxies",
				Help:      "Current number of proxies in the pool",
			},
		),
		workingProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "working_proxies",
				Help:      "Current number of working, non-blacklisted proxies",
			},
		),
		blacklistedProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blacklisted_proxies",
				Help:      "Current number of blacklisted proxies",
			},
		),
		proxiesScraped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxies_scraped_total",
				Help:      "Total number of proxies read from sources",
			},
			[]string{"source"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// RecordRequest counts one proxied request. mode is "sequential" or "random",
// result is "success", "failure" or "exhausted".
func (c *Collector) RecordRequest(mode, result string) {
	c.requestsTotal.WithLabelValues(mode, result).Inc()
}

func (c *Collector) RecordRotation(kind string) {
	c.rotations.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordCheckSuccess() {
	c.checksTotal.WithLabelValues("success").Inc()
	c.checksSuccess.Inc()
}

func (c *Collector) RecordCheckFailure(reason string) {
	c.checksTotal.WithLabelValues(reason).Inc()
	c.checksFailure.Inc()
}

func (c *Collector) RecordCheckDuration(seconds float64) {
	c.checkDuration.Observe(seconds)
}

func (c *Collector) SetPoolStats(total, working, blacklisted int) {
	c.totalProxies.Set(float64(total))
	c.workingProxies.Set(float64(working))
	c.blacklistedProxies.Set(float64(blacklisted))
}

func (c *Collector) RecordProxiesScraped(source string, count int) {
	c.proxiesScraped.WithLabelValues(source).Add(float64(count))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
