// Package executor performs requests through the proxy pool, applying the
// rotation policy before each call and retiring proxies that fail.
package executor

import (
	"context"
	"errors"
	"net/http"

	"github.com/proxy-rotator/internal/checker"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/transport"
	log "github.com/sirupsen/logrus"
)

type Executor struct {
	registry  *pool.Registry
	transport transport.Transport
	checker   *checker.Checker
	metrics   *metrics.Collector

	recheckOnRebuild bool
	verbose          bool
	header           http.Header
}

type Option func(*Executor)

// RecheckOnRebuild runs a full health sweep right after a time-triggered
// rebuild so the request that triggered it can still find a proxy.
func RecheckOnRebuild() Option {
	return func(e *Executor) { e.recheckOnRebuild = true }
}

func Verbose() Option {
	return func(e *Executor) { e.verbose = true }
}

// WithHeader sets headers sent with every request.
func WithHeader(h http.Header) Option {
	return func(e *Executor) { e.header = h }
}

func New(registry *pool.Registry, t transport.Transport, chk *checker.Checker, metricsCollector *metrics.Collector, opts ...Option) *Executor {
	e := &Executor{
		registry:  registry,
		transport: t,
		checker:   chk,
		metrics:   metricsCollector,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Registry() *pool.Registry {
	return e.registry
}

func (e *Executor) rotate(ctx context.Context) {
	rot := e.registry.Evaluate()
	if rot == pool.RotationNone {
		return
	}
	if e.verbose {
		log.WithField("rotation", rot.String()).Info("Rotating proxies")
	}
	if rot == pool.RotationRebuild && e.recheckOnRebuild && e.checker != nil {
		e.checker.TestAll(ctx)
	}
}

// MakeRequest fetches rawURL through the active proxy. A nil body with a nil
// error means the proxy failed and was retired; the caller should retry. The
// only errors returned are pool exhaustion and configuration errors.
func (e *Executor) MakeRequest(ctx context.Context, rawURL string) ([]byte, error) {
	e.rotate(ctx)

	d, err := e.registry.SelectSequential()
	if err != nil {
		e.metrics.RecordRequest("sequential", "exhausted")
		return nil, err
	}

	body, err := e.fetch(ctx, rawURL, d)
	if err != nil {
		if fatal := fatalError(ctx, err); fatal != nil {
			return nil, fatal
		}
		log.WithField("proxy", d.URL).Warnf("Request failed: %v", err)
		e.registry.RecordFailure(d.ID)
		e.metrics.RecordRequest("sequential", "failure")
		return nil, nil
	}

	e.registry.RecordSuccess()
	e.metrics.RecordRequest("sequential", "success")
	return body, nil
}

// GetProxy applies the rotation triggers and returns the next working,
// non-blacklisted proxy, counting it as one request.
func (e *Executor) GetProxy(ctx context.Context) (pool.Descriptor, error) {
	e.rotate(ctx)
	return e.registry.Next()
}

// GetRequestWithRandomProxy fetches rawURL through a uniformly chosen working
// proxy. It returns nil, nil when no proxy is available or the request failed.
func (e *Executor) GetRequestWithRandomProxy(ctx context.Context, rawURL string) ([]byte, error) {
	d, ok := e.registry.Random()
	if !ok {
		log.Warn("No working proxy available for random request")
		e.metrics.RecordRequest("random", "exhausted")
		return nil, nil
	}

	body, err := e.fetch(ctx, rawURL, d)
	if err != nil {
		if fatal := fatalError(ctx, err); fatal != nil {
			return nil, fatal
		}
		log.WithField("proxy", d.URL).Errorf("Random proxy request failed: %v", err)
		e.registry.SetHealth(d.ID, false, d.Blacklisted)
		e.metrics.RecordRequest("random", "failure")
		return nil, nil
	}

	if e.verbose {
		log.WithField("proxy", d.URL).Infof("Request successful, %d bytes", len(body))
	}
	e.metrics.RecordRequest("random", "success")
	return body, nil
}

func (e *Executor) fetch(ctx context.Context, rawURL string, d pool.Descriptor) ([]byte, error) {
	resp, err := e.transport.Do(ctx, transport.Request{
		Method:   http.MethodGet,
		URL:      rawURL,
		Endpoint: d.Endpoint(),
		Header:   e.header,
	})
	if err != nil {
		return nil, err
	}
	if err := transport.Check(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// fatalError picks out the failures that are not the proxy's fault: bad
// configuration and cancellation by the caller.
func fatalError(ctx context.Context, err error) error {
	var cfgErr *pool.ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	return ctx.Err()
}
