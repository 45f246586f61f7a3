package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-rotator/internal/config"
	"github.com/proxy-rotator/internal/metrics"
	"github.com/proxy-rotator/internal/pool"
)

const textList = `# free proxies
10.0.0.1:8080
socks5://10.0.0.2:1080
http://10.0.0.3:3128 extra text 10.0.0.4:80

10.0.0.1:8080
10.0.0.5:99999
`

const htmlList = `<html><body>
<table id="list"><tbody>
<tr><td>10.1.0.1</td><td>8080</td><td>HTTP</td></tr>
<tr><td> 10.1.0.2 </td><td> 3128 </td><td>HTTPS</td></tr>
<tr><td>not-an-ip</td><td>80</td></tr>
<tr><td>10.1.0.3</td><td>port</td></tr>
</tbody></table>
</body></html>`

func TestParseText(t *testing.T) {
	got, err := parseText(strings.NewReader(textList))
	if err != nil {
		t.Fatalf("parseText() error = %v", err)
	}

	want := []Candidate{
		{Address: "10.0.0.1", Port: 8080},
		{Address: "10.0.0.2", Port: 1080, Scheme: pool.SchemeSOCKS5},
		{Address: "10.0.0.3", Port: 3128, Scheme: pool.SchemeHTTP},
		{Address: "10.0.0.4", Port: 80},
		{Address: "10.0.0.1", Port: 8080},
	}
	if len(got) != len(want) {
		t.Fatalf("parseText() returned %d candidates, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseHTML(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		want     int
	}{
		{"default selector", "", 2},
		{"explicit selector", "table#list tbody tr", 2},
		{"selector with no match", "table#missing tr", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHTML(strings.NewReader(htmlList), tt.selector)
			if err != nil {
				t.Fatalf("parseHTML() error = %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("parseHTML() returned %d candidates, want %d", len(got), tt.want)
			}
			if tt.want > 0 && (got[1].Address != "10.1.0.2" || got[1].Port != 3128) {
				t.Errorf("second candidate = %+v", got[1])
			}
		})
	}
}

func TestDeduplicate(t *testing.T) {
	in := []Candidate{
		{Address: "10.0.0.1", Port: 80},
		{Address: "10.0.0.1", Port: 80, Scheme: pool.SchemeHTTP},
		{Address: "10.0.0.1", Port: 81},
	}
	if got := deduplicate(in); len(got) != 2 {
		t.Errorf("deduplicate() returned %d, want 2", len(got))
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		found, pool pool.Scheme
		want        bool
	}{
		{pool.SchemeHTTP, pool.SchemeHTTPS, true},
		{pool.SchemeHTTPS, pool.SchemeHTTP, true},
		{pool.SchemeSOCKS5, pool.SchemeSOCKS5, true},
		{pool.SchemeSOCKS4, pool.SchemeSOCKS5, false},
		{pool.SchemeHTTP, pool.SchemeSOCKS5, false},
	}
	for _, tt := range tests {
		if got := compatible(tt.found, tt.pool); got != tt.want {
			t.Errorf("compatible(%s, %s) = %v, want %v", tt.found, tt.pool, got, tt.want)
		}
	}
}

func TestIngest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/list.txt", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "rotator-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte(textList))
	})
	mux.HandleFunc("/list.html", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(htmlList))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg, err := pool.New([]pool.Target{{Address: "10.0.0.1", Port: 8080}}, pool.SchemeHTTP, pool.Credentials{})
	if err != nil {
		t.Fatalf("pool.New() error = %v", err)
	}

	cfg := config.SourcesConfig{
		UserAgent: "rotator-test",
		Sources: []config.Source{
			{URL: srv.URL + "/list.txt", Type: "text", Enabled: true},
			{URL: srv.URL + "/list.html", Type: "html", Enabled: true},
			{URL: srv.URL + "/broken", Type: "text", Enabled: true},
			{URL: srv.URL + "/disabled", Type: "text", Enabled: false},
		},
	}
	agg := NewAggregator(cfg, reg, metrics.NewCollector("test", prometheus.NewRegistry()))

	added, err := agg.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	// 10.0.0.1 is already present and the socks5 entry does not fit an http pool.
	if added != 4 {
		t.Errorf("Ingest() added %d, want 4", added)
	}
	if reg.Len() != 5 {
		t.Errorf("registry has %d proxies, want 5", reg.Len())
	}
	for _, d := range reg.All()[1:] {
		if d.Working {
			t.Errorf("ingested proxy %s should start not working", d.URL)
		}
	}

	again, err := agg.Ingest(context.Background())
	if err != nil || again != 0 {
		t.Errorf("second Ingest() = (%d, %v), want (0, nil)", again, err)
	}
}

func TestAggregateNoSources(t *testing.T) {
	reg, _ := pool.New(nil, pool.SchemeHTTP, pool.Credentials{})
	agg := NewAggregator(config.SourcesConfig{}, reg, metrics.NewCollector("test", prometheus.NewRegistry()))
	if _, _, err := agg.Aggregate(context.Background()); err == nil {
		t.Error("Aggregate() with no sources should fail")
	}
}
