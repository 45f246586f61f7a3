package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxy-rotator/internal/pool"
)

func endpointFor(t *testing.T, srv *httptest.Server, creds pool.Credentials) pool.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return pool.Endpoint{Scheme: pool.SchemeHTTP, Host: host, Port: port, Credentials: creds}
}

func TestHTTPProxyForwardsRequest(t *testing.T) {
	var gotHost, gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.URL.Host
		gotAuth = r.Header.Get("Proxy-Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("proxied"))
	}))
	defer srv.Close()

	tr := New(Options{UserAgent: "rotator-test"})
	ep := endpointFor(t, srv, pool.Credentials{Username: "alice", Password: "pw"})

	resp, err := Get(context.Background(), tr, "http://example.test/ip", ep)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "proxied" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	if gotHost != "example.test" {
		t.Errorf("proxy saw host %q, want example.test", gotHost)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pw"))
	if gotAuth != wantAuth {
		t.Errorf("Proxy-Authorization = %q, want %q", gotAuth, wantAuth)
	}
	if gotUA != "rotator-test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := New(Options{Retries: 3, RetryStatuses: []int{503}})
	resp, err := Get(context.Background(), tr, "http://example.test/", endpointFor(t, srv, pool.Credentials{}))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestNonRetryableStatusReturnedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	tr := New(Options{Retries: 3, RetryStatuses: []int{503}})
	resp, err := Get(context.Background(), tr, "http://example.test/", endpointFor(t, srv, pool.Credentials{}))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var statusErr *StatusError
	if !errors.As(Check(resp), &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Errorf("Check() = %v, want StatusError 403", Check(resp))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestUnreachableProxyReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	ep := endpointFor(t, srv, pool.Credentials{})
	srv.Close()

	tr := New(Options{ConnectTimeout: time.Second})
	if _, err := Get(context.Background(), tr, "http://example.test/", ep); err == nil {
		t.Fatal("Get() through a closed proxy returned no error")
	}
}

func TestUnknownSchemeIsConfigError(t *testing.T) {
	tr := New(Options{})
	_, err := Get(context.Background(), tr, "http://example.test/", pool.Endpoint{Scheme: "ftp", Host: "10.0.0.1", Port: 21})
	var cfgErr *pool.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *pool.ConfigError", err)
	}
}

func TestSOCKS4RejectsBridge(t *testing.T) {
	tr := New(Options{}, WithBridge(DefaultTorBridge))
	_, err := Get(context.Background(), tr, "http://example.test/", pool.Endpoint{Scheme: pool.SchemeSOCKS4, Host: "10.0.0.1", Port: 1080})
	var cfgErr *pool.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *pool.ConfigError", err)
	}
}

func TestClientsAreCachedPerEndpoint(t *testing.T) {
	tr := New(Options{})
	ep := pool.Endpoint{Scheme: pool.SchemeSOCKS5, Host: "10.0.0.1", Port: 1080}

	a, err := tr.clientFor(ep)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := tr.clientFor(ep)
	if a != b {
		t.Error("clientFor() built a second client for the same endpoint")
	}

	ep.Port = 1081
	c, _ := tr.clientFor(ep)
	if c == a {
		t.Error("clientFor() reused a client for a different endpoint")
	}
}

func TestBackoffHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := New(Options{Retries: 2, BackoffFactor: 10, RetryStatuses: []int{502}})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Get(ctx, tr, "http://example.test/", endpointFor(t, srv, pool.Credentials{}))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff ignored context cancellation")
	}
}
