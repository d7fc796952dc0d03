package slo

import (
	"math"
	"time"

	"github.com/miradorstack/mirador-sre/internal/utils"
)

// State is the live evaluation of one SLO.
type State struct {
	Name            string
	Target          float64
	ErrorBudget     float64
	Indicator       float64
	ErrorRate       float64
	BurnRate        float64
	BudgetConsumed  float64
	BudgetRemaining float64
	ElapsedFraction float64
	WindowStart     time.Time
	LastUpdated     time.Time
	LastError       string
	LastErrorAt     time.Time
	Evaluated       bool
}

// compute derives the budget figures for indicator at now. The window
// anchor is the registration time; windows roll forward end to end.
func compute(state State, anchor time.Time, window time.Duration, indicator float64, now time.Time) State {
	indicator = math.Max(0, math.Min(100, indicator))
	budget := state.ErrorBudget

	errorRate := (100 - indicator) / 100
	var burn float64
	switch {
	case budget > 0:
		burn = errorRate / budget
	case errorRate > 0:
		burn = math.Inf(1)
	}

	start := utils.RollWindow(anchor, now, window)
	frac := utils.ElapsedFraction(start, now, window)
	consumed := errorRate * frac

	state.Indicator = indicator
	state.ErrorRate = errorRate
	state.BurnRate = burn
	state.ElapsedFraction = frac
	state.BudgetConsumed = consumed
	state.BudgetRemaining = budget - consumed
	state.WindowStart = start
	state.LastUpdated = now
	state.Evaluated = true
	return state
}

// Metadata flattens the state for alert payloads.
func (s State) Metadata() map[string]float64 {
	return map[string]float64{
		"target":           s.Target,
		"error_budget":     s.ErrorBudget,
		"indicator":        s.Indicator,
		"error_rate":       s.ErrorRate,
		"burn_rate":        s.BurnRate,
		"budget_consumed":  s.BudgetConsumed,
		"budget_remaining": s.BudgetRemaining,
		"elapsed_fraction": s.ElapsedFraction,
	}
}
