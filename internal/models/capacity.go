package models

import "time"

// CapacityRecommendation is a forward-looking provisioning suggestion for one metric.
type CapacityRecommendation struct {
	Component   string
	Metric      string
	Current     float64
	Predicted   float64
	Recommended float64
	Confidence  float64
	Reasoning   string
	Metadata    map[string]float64
	GeneratedAt time.Time
}
