package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/proxy-rotator/internal/pool"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Scheme != "http" {
		t.Errorf("Pool.Scheme = %q, want http", cfg.Pool.Scheme)
	}
	if got := cfg.Rotation.Policy(); got.RotateEvery != time.Minute || got.MaxRequestsPerProxy != 10 {
		t.Errorf("Rotation.Policy() = %+v", got)
	}
	if len(cfg.Health.ProbeDomains) != 2 {
		t.Errorf("Health.ProbeDomains = %v", cfg.Health.ProbeDomains)
	}
	if len(cfg.Transport.RetryStatuses) != 4 {
		t.Errorf("Transport.RetryStatuses = %v", cfg.Transport.RetryStatuses)
	}
	if !cfg.Transport.FollowRedirects {
		t.Error("Transport.FollowRedirects = false, want true")
	}
	if GetGlobal() != cfg {
		t.Error("GetGlobal() did not return the loaded config")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"pool": {
			"scheme": "SOCKS5",
			"username": "alice",
			"password_env": "TEST_PROXY_PASSWORD",
			"proxies": [{"address": "10.0.0.1", "port": 1080}, {"address": "10.0.0.2", "port": 1081}]
		},
		"rotation": {"rotate_every_seconds": 3600, "max_requests_per_proxy": 2},
		"health": {"probe_domains": ["example.com"], "concurrency": 4},
		"storage": {"type": "file", "path": "/tmp/status.json"}
	}`)
	t.Setenv("TEST_PROXY_PASSWORD", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	targets := cfg.Pool.Targets()
	if len(targets) != 2 || targets[1] != (pool.Target{Address: "10.0.0.2", Port: 1081}) {
		t.Errorf("Targets() = %+v", targets)
	}
	if creds := cfg.Pool.Credentials(); creds.Username != "alice" || creds.Password != "s3cret" {
		t.Errorf("Credentials() = %+v", creds)
	}
	if got := cfg.Rotation.Policy(); got.RotateEvery != time.Hour || got.MaxRequestsPerProxy != 2 {
		t.Errorf("Rotation.Policy() = %+v", got)
	}
	if cfg.Health.Concurrency != 4 || cfg.Health.TimeoutMs != 10000 {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if cfg.Storage.Type != "file" {
		t.Errorf("Storage.Type = %q", cfg.Storage.Type)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PROXYROTATOR_POOL_SCHEME", "socks4")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Scheme != "socks4" {
		t.Errorf("Pool.Scheme = %q, want socks4", cfg.Pool.Scheme)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown scheme", `{"pool": {"scheme": "ftp"}}`},
		{"empty probe domains", `{"health": {"probe_domains": []}}`},
		{"missing address", `{"pool": {"proxies": [{"port": 80}]}}`},
		{"bad storage", `{"storage": {"type": "mongo"}}`},
		{"bad source type", `{"sources": {"sources": [{"url": "http://x", "type": "xml"}]}}`},
		{"negative rotation", `{"rotation": {"max_requests_per_proxy": -1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}

func TestReload(t *testing.T) {
	path := writeConfig(t, `{"rotation": {"max_requests_per_proxy": 3}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"rotation": {"max_requests_per_proxy": 7}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if cfg.Rotation.MaxRequestsPerProxy != 7 {
		t.Errorf("MaxRequestsPerProxy = %d, want 7", cfg.Rotation.MaxRequestsPerProxy)
	}
}
