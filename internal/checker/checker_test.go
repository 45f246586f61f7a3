package checker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/transport"
)

// fakeTransport answers by proxy address and target URL.
type fakeTransport struct {
	mu    sync.Mutex
	calls []transport.Request
	reply func(req transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.reply(req)
}

func status(code int) (*transport.Response, error) {
	return &transport.Response{StatusCode: code}, nil
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		ReachabilityURL: "http://reach.test/",
		ProbeDomains:    []string{"probe.test"},
		TimeoutMs:       1000,
		Concurrency:     4,
	}
}

func newTestChecker(t *testing.T, cfg config.HealthConfig, ft *fakeTransport, targets ...pool.Target) (*Checker, *pool.Registry) {
	t.Helper()
	reg, err := pool.New(targets, pool.SchemeHTTP, pool.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	return NewChecker(cfg, ft, reg, m), reg
}

func TestTestVerdicts(t *testing.T) {
	tests := []struct {
		name            string
		reach           func() (*transport.Response, error)
		probe           func() (*transport.Response, error)
		wantWorking     bool
		wantBlacklisted bool
	}{
		{
			name:        "working",
			reach:       func() (*transport.Response, error) { return status(200) },
			probe:       func() (*transport.Response, error) { return status(200) },
			wantWorking: true,
		},
		{
			name:  "reachability transport error",
			reach: func() (*transport.Response, error) { return nil, errors.New("connection refused") },
		},
		{
			name:  "reachability non-200",
			reach: func() (*transport.Response, error) { return status(502) },
		},
		{
			name:            "probe domain refuses",
			reach:           func() (*transport.Response, error) { return status(200) },
			probe:           func() (*transport.Response, error) { return status(403) },
			wantBlacklisted: true,
		},
		{
			name:            "probe domain times out",
			reach:           func() (*transport.Response, error) { return status(200) },
			probe:           func() (*transport.Response, error) { return nil, context.DeadlineExceeded },
			wantBlacklisted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{reply: func(req transport.Request) (*transport.Response, error) {
				if req.URL == "http://probe.test" {
					return tt.probe()
				}
				return tt.reach()
			}}
			c, reg := newTestChecker(t, testHealthConfig(), ft, pool.Target{Address: "10.0.0.1", Port: 8080})

			got := c.Test(context.Background(), reg.All()[0])
			if got.Working != tt.wantWorking || got.Blacklisted != tt.wantBlacklisted {
				t.Errorf("Test() = (working %v, blacklisted %v), want (%v, %v)",
					got.Working, got.Blacklisted, tt.wantWorking, tt.wantBlacklisted)
			}
			if !tt.wantWorking && got.Error == "" {
				t.Error("Test() failed without an error description")
			}
		})
	}
}

func TestTestDefaultsToSelfProbe(t *testing.T) {
	cfg := testHealthConfig()
	cfg.ReachabilityURL = ""
	ft := &fakeTransport{reply: func(req transport.Request) (*transport.Response, error) { return status(200) }}
	c, reg := newTestChecker(t, cfg, ft, pool.Target{Address: "10.0.0.7", Port: 3128})

	c.Test(context.Background(), reg.All()[0])
	if len(ft.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(ft.calls))
	}
	if ft.calls[0].URL != "http://10.0.0.7:3128/" {
		t.Errorf("reachability URL = %q", ft.calls[0].URL)
	}
	if ft.calls[0].Endpoint.Address() != "10.0.0.7:3128" {
		t.Errorf("endpoint = %q", ft.calls[0].Endpoint.Address())
	}
}

func TestTestAllUpdatesRegistry(t *testing.T) {
	ft := &fakeTransport{reply: func(req transport.Request) (*transport.Response, error) {
		switch req.Endpoint.Host {
		case "10.0.0.1":
			return status(200)
		case "10.0.0.2":
			return nil, errors.New("timeout")
		default:
			if req.URL == "http://probe.test" {
				return status(451)
			}
			return status(200)
		}
	}}
	c, reg := newTestChecker(t, testHealthConfig(), ft,
		pool.Target{Address: "10.0.0.1", Port: 1},
		pool.Target{Address: "10.0.0.2", Port: 2},
		pool.Target{Address: "10.0.0.3", Port: 3},
	)

	results := c.TestAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("TestAll() returned %d results, want 3", len(results))
	}

	all := reg.All()
	want := [][2]bool{{true, false}, {false, false}, {false, true}}
	for i, d := range all {
		if d.Working != want[i][0] || d.Blacklisted != want[i][1] {
			t.Errorf("descriptor %d flags = (%v, %v), want %v", i, d.Working, d.Blacklisted, want[i])
		}
		if d.LastChecked.IsZero() {
			t.Errorf("descriptor %d LastChecked not set", i)
		}
	}
	if working := reg.WorkingProxies(); len(working) != 1 || working[0].Address != "10.0.0.1" {
		t.Errorf("WorkingProxies() = %+v", working)
	}
}

func TestCheckProxyHealth(t *testing.T) {
	ft := &fakeTransport{reply: func(req transport.Request) (*transport.Response, error) { return status(200) }}
	c, reg := newTestChecker(t, testHealthConfig(), ft, pool.Target{Address: "10.0.0.1", Port: 1})

	ok, err := c.CheckProxyHealth(context.Background(), 0)
	if err != nil || !ok {
		t.Fatalf("CheckProxyHealth(0) = (%v, %v), want (true, nil)", ok, err)
	}
	if d, _ := reg.Get(0); !d.Working {
		t.Error("descriptor not marked working")
	}

	ok, err = c.CheckProxyHealth(context.Background(), 3)
	if ok || !errors.Is(err, pool.ErrIndexOutOfRange) {
		t.Errorf("CheckProxyHealth(3) = (%v, %v), want (false, ErrIndexOutOfRange)", ok, err)
	}
}

func TestResultForRemovedProxyIsDropped(t *testing.T) {
	var reg *pool.Registry
	ft := &fakeTransport{reply: func(req transport.Request) (*transport.Response, error) {
		reg.ClearProxies()
		return status(200)
	}}
	c, r := newTestChecker(t, testHealthConfig(), ft, pool.Target{Address: "10.0.0.1", Port: 1})
	reg = r

	c.TestAll(context.Background())
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", reg.Len())
	}
}

func TestResultStartedBeforeRebuildIsDropped(t *testing.T) {
	var (
		reg  *pool.Registry
		once sync.Once
	)
	ft := &fakeTransport{reply: func(req transport.Request) (*transport.Response, error) {
		once.Do(func() { reg.Rebuild() })
		return status(200)
	}}
	c, r := newTestChecker(t, testHealthConfig(), ft, pool.Target{Address: "10.0.0.1", Port: 1})
	reg = r

	c.TestAll(context.Background())
	if d, _ := reg.Get(0); d.Working {
		t.Error("verdict from before the rebuild was applied after it")
	}
}

func TestFastConnectFilter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	openPort := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	reg, _ := pool.New([]pool.Target{
		{Address: "127.0.0.1", Port: openPort},
		{Address: "127.0.0.1", Port: closedPort},
	}, pool.SchemeHTTP, pool.Credentials{})

	kept, dropped := FastConnectFilter(context.Background(), reg.All(), 0, 2)
	if len(kept) != 1 || kept[0].Port != openPort {
		t.Errorf("kept = %+v, want port %d", kept, openPort)
	}
	if len(dropped) != 1 || dropped[0].Working || dropped[0].Proxy != "http://127.0.0.1:"+strconv.Itoa(closedPort) {
		t.Errorf("dropped = %+v", dropped)
	}
}
