package models

import "time"

// SLIType selects how an indicator is derived.
type SLIType string

const (
	// SLIAvailability is the success ratio over the window.
	SLIAvailability SLIType = "availability"
	// SLILatency is the fraction of observations at or under Threshold seconds.
	SLILatency SLIType = "latency"
	// SLIThroughput is the observed rate as a fraction of Threshold events/s, capped at 100%.
	SLIThroughput SLIType = "throughput"
)

// Valid reports whether t is a known SLI type.
func (t SLIType) Valid() bool {
	switch t {
	case SLIAvailability, SLILatency, SLIThroughput:
		return true
	}
	return false
}

// SLI describes how to query an indicator. Query, when set, is evaluated
// verbatim and must already yield a percentage in [0,100]; otherwise the
// source composes a query from the typed fields.
type SLI struct {
	Type       SLIType `yaml:"type" json:"type"`
	Query      string  `yaml:"query" json:"query,omitempty"`
	GoodQuery  string  `yaml:"good" json:"good,omitempty"`
	TotalQuery string  `yaml:"total" json:"total,omitempty"`
	Metric     string  `yaml:"metric" json:"metric,omitempty"`
	Selector   string  `yaml:"selector" json:"selector,omitempty"`
	Threshold  float64 `yaml:"threshold" json:"threshold,omitempty"`
}

// SLIQuery is one evaluation request against a history source.
type SLIQuery struct {
	SLO    string
	SLI    SLI
	Window time.Duration
	At     time.Time
}
