package aggregator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	log "github.com/sirupsen/logrus"
)

const defaultRowSelector = "table tbody tr"

var (
	// IP:PORT with an optional scheme prefix: socks5://1.2.3.4:1080
	proxyRegex = regexp.MustCompile(`(?:(socks5|socks4|https?)://)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)
)

// Aggregator pulls candidate proxies from public lists and appends the new
// ones to the registry.
type Aggregator struct {
	config   config.SourcesConfig
	metrics  *metrics.Collector
	registry *pool.Registry
	client   *http.Client
}

type SourceStats struct {
	URL          string `json:"url"`
	ProxiesFound int    `json:"proxies_found"`
	Error        string `json:"error,omitempty"`
}

// Candidate is one proxy address read from a source. Scheme is empty unless
// the source spelled it out.
type Candidate struct {
	Address string
	Port    int
	Scheme  pool.Scheme
}

func (c Candidate) key() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func NewAggregator(cfg config.SourcesConfig, registry *pool.Registry, metricsCollector *metrics.Collector) *Aggregator {
	return &Aggregator{
		config:   cfg,
		metrics:  metricsCollector,
		registry: registry,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Aggregate fetches every enabled source concurrently and returns the
// deduplicated candidates.
func (a *Aggregator) Aggregate(ctx context.Context) ([]Candidate, map[string]SourceStats, error) {
	enabled := make([]config.Source, 0, len(a.config.Sources))
	for _, source := range a.config.Sources {
		if source.Enabled {
			enabled = append(enabled, source)
		}
	}
	if len(enabled) == 0 {
		return nil, nil, fmt.Errorf("no enabled sources")
	}

	log.Infof("Fetching from %d sources", len(enabled))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		all   []Candidate
		stats = make(map[string]SourceStats, len(enabled))
	)

	for _, source := range enabled {
		wg.Add(1)
		go func(src config.Source) {
			defer wg.Done()

			startTime := time.Now()
			found, err := a.fetchSource(ctx, src)
			duration := time.Since(startTime)

			stat := SourceStats{URL: src.URL, ProxiesFound: len(found)}
			if err != nil {
				stat.Error = err.Error()
				log.Warnf("Source %s failed: %v (took %v)", src.URL, err, duration)
			} else {
				log.Infof("Source %s returned %d proxies (took %v)", src.URL, len(found), duration)
			}
			a.metrics.RecordProxiesScraped(src.URL, len(found))

			mu.Lock()
			all = append(all, found...)
			stats[src.URL] = stat
			mu.Unlock()
		}(source)
	}
	wg.Wait()

	unique := deduplicate(all)
	log.Infof("Deduplicated: %d -> %d unique proxies", len(all), len(unique))
	return unique, stats, nil
}

// Ingest aggregates the sources and appends candidates that match the pool
// scheme and are not already present. It returns how many were added.
func (a *Aggregator) Ingest(ctx context.Context) (int, error) {
	candidates, _, err := a.Aggregate(ctx)
	if err != nil {
		return 0, err
	}

	known := make(map[string]struct{})
	for _, d := range a.registry.All() {
		known[Candidate{Address: d.Address, Port: d.Port}.key()] = struct{}{}
	}

	scheme := a.registry.Scheme()
	added := 0
	for _, c := range candidates {
		if c.Scheme != "" && !compatible(c.Scheme, scheme) {
			continue
		}
		if _, ok := known[c.key()]; ok {
			continue
		}
		known[c.key()] = struct{}{}
		a.registry.AddProxy(c.Address, c.Port)
		added++
	}

	log.WithField("added", added).Info("Source ingestion finished")
	return added, nil
}

// Run ingests immediately and then every interval until ctx is cancelled.
// after, if set, is called after each ingestion that added proxies.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, after func(added int)) {
	ingest := func() {
		added, err := a.Ingest(ctx)
		if err != nil {
			log.Warnf("Source ingestion failed: %v", err)
			return
		}
		if added > 0 && after != nil {
			after(added)
		}
	}

	ingest()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Source ingestion loop stopped")
			return
		case <-ticker.C:
			ingest()
		}
	}
}

// http and https lists are interchangeable; socks lists are not.
func compatible(found, poolScheme pool.Scheme) bool {
	if found == poolScheme {
		return true
	}
	isHTTP := func(s pool.Scheme) bool { return s == pool.SchemeHTTP || s == pool.SchemeHTTPS }
	return isHTTP(found) && isHTTP(poolScheme)
}

func (a *Aggregator) fetchSource(ctx context.Context, source config.Source) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, 10*1024*1024)

	switch source.Type {
	case "html":
		return parseHTML(body, source.Selector)
	default:
		return parseText(body)
	}
}

func parseText(r io.Reader) ([]Candidate, error) {
	found := make([]Candidate, 0)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		for _, m := range proxyRegex.FindAllStringSubmatch(line, -1) {
			port, err := strconv.Atoi(m[3])
			if err != nil || port < 1 || port > 65535 {
				continue
			}
			c := Candidate{Address: m[2], Port: port}
			if m[1] != "" {
				c.Scheme = pool.Scheme(m[1])
			}
			found = append(found, c)
		}
	}

	if err := scanner.Err(); err != nil {
		return found, fmt.Errorf("scan: %w", err)
	}
	return found, nil
}

// parseHTML reads table rows whose first two cells hold the address and port.
func parseHTML(r io.Reader, selector string) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if selector == "" {
		selector = defaultRowSelector
	}

	found := make([]Candidate, 0)
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		cells := sel.Find("td")
		ip := strings.TrimSpace(cells.Eq(0).Text())
		portStr := strings.TrimSpace(cells.Eq(1).Text())

		if net.ParseIP(ip) == nil {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return
		}
		found = append(found, Candidate{Address: ip, Port: port})
	})
	return found, nil
}

func deduplicate(candidates []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	unique := make([]Candidate, 0, len(candidates))

	for _, c := range candidates {
		k := c.key()
		if _, exists := seen[k]; !exists {
			seen[k] = struct{}{}
			unique = append(unique, c)
		}
	}
	return unique
}
