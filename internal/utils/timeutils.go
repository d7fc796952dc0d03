package utils

import "time"

// RollWindow returns the start of the window containing now, where windows of
// length window are laid end to end from anchor. A zero anchor or a now before
// anchor returns anchor unchanged.
func RollWindow(anchor, now time.Time, window time.Duration) time.Time {
	if window <= 0 || anchor.IsZero() || now.Before(anchor) {
		return anchor
	}
	elapsed := now.Sub(anchor)
	completed := elapsed / window
	return anchor.Add(completed * window)
}

// ElapsedFraction returns how far now is into the window starting at start, in [0,1].
func ElapsedFraction(start, now time.Time, window time.Duration) float64 {
	if window <= 0 || now.Before(start) {
		return 0
	}
	frac := float64(now.Sub(start)) / float64(window)
	if frac > 1 {
		return 1
	}
	return frac
}

// DurationMinutes converts a pair of timestamps into minute duration.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}
