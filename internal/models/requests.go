package models

import "time"

// ListIncidentsRequest captures filters for incident history.
type ListIncidentsRequest struct {
	Status   IncidentStatus
	Type     IncidentType
	Start    time.Time
	End      time.Time
	PageSize int
}

// MetricPoint is a single historical sample.
type MetricPoint struct {
	Timestamp time.Time
	Value     float64
}
