package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/pool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// DefaultTorBridge is the usual loopback address of a local Tor SOCKS port.
const DefaultTorBridge = "127.0.0.1:9050"

const maxBodyBytes = 10 * 1024 * 1024

type Options struct {
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	Retries            int
	BackoffFactor      float64
	RetryStatuses      []int
	FollowRedirects    bool
	InsecureSkipVerify bool
	UserAgent          string
}

func OptionsFromConfig(cfg config.TransportConfig) Options {
	return Options{
		ConnectTimeout:     time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		ReadTimeout:        time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		Retries:            cfg.Retries,
		BackoffFactor:      cfg.BackoffFactor,
		RetryStatuses:      cfg.RetryStatuses,
		FollowRedirects:    cfg.FollowRedirects,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		UserAgent:          cfg.UserAgent,
	}
}

// HTTP is the default Transport. It keeps one *http.Client per endpoint.
type HTTP struct {
	opts       Options
	bridgeAddr string
	clients    sync.Map // endpoint key -> *http.Client
	sleep      func(context.Context, time.Duration) error
}

type Option func(*HTTP)

// WithBridge sends every proxy connection made by this transport through a
// local SOCKS5 bridge such as Tor. Only this transport is affected.
func WithBridge(addr string) Option {
	return func(h *HTTP) { h.bridgeAddr = addr }
}

func New(opts Options, extra ...Option) *HTTP {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	h := &HTTP{opts: opts, sleep: sleepCtx}
	for _, o := range extra {
		o(h)
	}
	if h.bridgeAddr != "" {
		log.Infof("Transport egress bridged through SOCKS5 %s", h.bridgeAddr)
	}
	return h
}

// Do performs req, retrying transport errors and retryable statuses with
// exponential backoff. The last response or error is returned.
func (h *HTTP) Do(ctx context.Context, req Request) (*Response, error) {
	client, err := h.clientFor(req.Endpoint)
	if err != nil {
		return nil, err
	}

	var (
		resp    *Response
		lastErr error
	)
	for attempt := 0; attempt <= h.opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(h.opts.BackoffFactor * math.Pow(2, float64(attempt-1)) * float64(time.Second))
			if err := h.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		resp, lastErr = h.doOnce(ctx, client, req)
		if lastErr == nil && !h.retryable(resp.StatusCode) {
			return resp, nil
		}
		if lastErr != nil {
			log.WithFields(log.Fields{
				"proxy":   req.Endpoint.Address(),
				"attempt": attempt + 1,
			}).Debugf("Request failed: %v", lastErr)
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return resp, nil
}

func (h *HTTP) doOnce(ctx context.Context, client *http.Client, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if h.opts.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", h.opts.UserAgent)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request via %s: %w", req.Endpoint.Address(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (h *HTTP) retryable(status int) bool {
	for _, s := range h.opts.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func endpointKey(ep pool.Endpoint) string {
	return string(ep.Scheme) + "|" + ep.Address() + "|" + ep.Credentials.Username + ":" + ep.Credentials.Password
}

func (h *HTTP) clientFor(ep pool.Endpoint) (*http.Client, error) {
	key := endpointKey(ep)
	if c, ok := h.clients.Load(key); ok {
		return c.(*http.Client), nil
	}

	rt, err := h.newTransport(ep)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: rt,
		Timeout:   h.opts.ConnectTimeout + h.opts.ReadTimeout,
	}
	if !h.opts.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	actual, _ := h.clients.LoadOrStore(key, client)
	return actual.(*http.Client), nil
}

func (h *HTTP) newTransport(ep pool.Endpoint) (*http.Transport, error) {
	base := &net.Dialer{
		Timeout:   h.opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	var forward proxy.Dialer = base
	if h.bridgeAddr != "" {
		bridge, err := proxy.SOCKS5("tcp", h.bridgeAddr, nil, base)
		if err != nil {
			return nil, fmt.Errorf("bridge dialer: %w", err)
		}
		forward = bridge
	}

	t := &http.Transport{
		DialContext:           contextDial(forward),
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   h.opts.ConnectTimeout,
		ResponseHeaderTimeout: h.opts.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: h.opts.InsecureSkipVerify,
		},
	}

	switch ep.Scheme {
	case pool.SchemeHTTP, pool.SchemeHTTPS:
		proxyURL := &url.URL{Scheme: string(ep.Scheme), Host: ep.Address()}
		if ep.Credentials.Username != "" && ep.Credentials.Password != "" {
			proxyURL.User = url.UserPassword(ep.Credentials.Username, ep.Credentials.Password)
		}
		t.Proxy = http.ProxyURL(proxyURL)

	case pool.SchemeSOCKS5:
		var auth *proxy.Auth
		if !ep.Credentials.Empty() {
			auth = &proxy.Auth{User: ep.Credentials.Username, Password: ep.Credentials.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", ep.Address(), auth, forward)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dialer error: %w", err)
		}
		t.DialContext = contextDial(dialer)

	case pool.SchemeSOCKS4:
		if h.bridgeAddr != "" {
			return nil, &pool.ConfigError{Field: "bridge for scheme", Value: string(ep.Scheme)}
		}
		proxyURI := &url.URL{
			Scheme:   "socks4",
			Host:     ep.Address(),
			RawQuery: url.Values{"timeout": {h.opts.ConnectTimeout.String()}}.Encode(),
		}
		if ep.Credentials.Username != "" {
			proxyURI.User = url.User(ep.Credentials.Username)
		}
		dial := socks.Dial(proxyURI.String())
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dial(network, addr)
		}

	default:
		return nil, &pool.ConfigError{Field: "scheme", Value: string(ep.Scheme)}
	}

	return t, nil
}

func contextDial(d proxy.Dialer) func(context.Context, string, string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
