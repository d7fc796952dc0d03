package models

import "time"

// Incident is a detected reliability event and everything learned about it.
type Incident struct {
	ID          string
	Type        IncidentType
	Severity    Severity
	Title       string
	Description string
	Timestamp   time.Time
	UpdatedAt   time.Time
	Metadata    map[string]float64
	Diagnostics *Diagnostics
	Status      IncidentStatus
	Remediation []RemediationRecord
	Runbook     []string
	ResolvedAt  *time.Time
}

// Clone returns a deep copy safe to hand to other goroutines.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	if i.Metadata != nil {
		out.Metadata = make(map[string]float64, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	if i.Diagnostics != nil {
		d := *i.Diagnostics
		d.BlockedStates = append([]string(nil), i.Diagnostics.BlockedStates...)
		out.Diagnostics = &d
	}
	out.Remediation = append([]RemediationRecord(nil), i.Remediation...)
	out.Runbook = append([]string(nil), i.Runbook...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// Active reports whether the incident still needs attention.
func (i *Incident) Active() bool {
	return i != nil && i.Status != IncidentResolved
}

// IncidentType names the rule that raised an incident.
type IncidentType string

const (
	IncidentGoroutineLeak     IncidentType = "goroutine_leak"
	IncidentMemoryPressure    IncidentType = "memory_pressure"
	IncidentGCPause           IncidentType = "gc_pause"
	IncidentPotentialDeadlock IncidentType = "potential_deadlock"
	IncidentHealthDegraded    IncidentType = "health_degraded"
)

// IncidentStatus tracks the incident lifecycle:
// open -> diagnosing -> mitigated|open -> resolved.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentDiagnosing IncidentStatus = "diagnosing"
	IncidentMitigated  IncidentStatus = "mitigated"
	IncidentResolved   IncidentStatus = "resolved"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Diagnostics holds point-in-time captures attached after detection.
type Diagnostics struct {
	CapturedAt    time.Time
	GoroutineDump string
	HeapProfile   []byte
	Goroutines    int
	BlockedStates []string
	BlockedCount  int
	CaptureErrors string
}

// RemediationRecord logs one remediation attempt.
type RemediationRecord struct {
	Action    string
	Timestamp time.Time
	Success   bool
	Error     string
}
