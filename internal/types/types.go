package types

import "time"

// Proxy is the reported state of a single pool member.
type Proxy struct {
	Index       int       `json:"index"`
	URL         string    `json:"url"`
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	Scheme      string    `json:"scheme"`
	Working     bool      `json:"working"`
	Blacklisted bool      `json:"blacklisted"`
	LastCheck   time.Time `json:"last_check,omitempty"`
}

// Stats holds pool statistics
type Stats struct {
	Total                 int       `json:"total"`
	Working               int       `json:"working"`
	Blacklisted           int       `json:"blacklisted"`
	WorkingPercent        float64   `json:"working_percent"`
	CurrentIndex          int       `json:"current_index"`
	RequestsSinceRotation uint      `json:"requests_since_rotation"`
	LastRotation          time.Time `json:"last_rotation"`
	LastCheckTime         time.Time `json:"last_check_time,omitempty"`
}

// Snapshot is a write-only status report of the pool. It is published for
// operators and never loaded back into the registry.
type Snapshot struct {
	Proxies []Proxy   `json:"proxies"`
	Stats   Stats     `json:"stats"`
	Updated time.Time `json:"updated"`
}
