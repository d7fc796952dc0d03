package capacity

import (
	"math"
	"sort"
	"time"

	"github.com/miradorstack/mirador-sre/internal/models"
)

// Trend is a least-squares projection of one metric series.
type Trend struct {
	Current    float64
	Predicted  float64
	Slope      float64 // units per second
	GrowthRate float64
	RSquared   float64
	Coverage   float64
	Confidence float64
	Samples    int
	Outliers   int
}

// Outlier is a sample excluded from the fit.
type Outlier struct {
	Timestamp time.Time
	Value     float64
	Score     float64
}

// DetectOutliers flags samples whose absolute z-score reaches threshold.
func DetectOutliers(series []models.MetricPoint, threshold float64) []Outlier {
	if len(series) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = 3
	}

	mean := 0.0
	for _, point := range series {
		mean += point.Value
	}
	mean /= float64(len(series))

	variance := 0.0
	for _, point := range series {
		variance += math.Pow(point.Value-mean, 2)
	}
	variance /= float64(len(series))
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return nil
	}

	var out []Outlier
	for _, point := range series {
		score := (point.Value - mean) / stdDev
		if math.Abs(score) >= threshold {
			out = append(out, Outlier{Timestamp: point.Timestamp, Value: point.Value, Score: score})
		}
	}
	return out
}

// FitTrend projects series horizon past its last sample. window is the
// requested history span and scales confidence by how much of it the
// series actually covers. Outliers are dropped from the fit as long as
// minPoints samples remain. The newest sample is never dropped: it is the
// current value the projection starts from.
func FitTrend(series []models.MetricPoint, window, horizon time.Duration, zThreshold float64, minPoints int) (Trend, bool) {
	if minPoints < 2 {
		minPoints = 2
	}
	if len(series) < minPoints {
		return Trend{}, false
	}
	points := make([]models.MetricPoint, len(series))
	copy(points, series)
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	newest := points[len(points)-1].Timestamp
	var outliers []Outlier
	for _, o := range DetectOutliers(points, zThreshold) {
		if !o.Timestamp.Equal(newest) {
			outliers = append(outliers, o)
		}
	}
	if len(outliers) > 0 && len(points)-len(outliers) >= minPoints {
		excluded := make(map[time.Time]struct{}, len(outliers))
		for _, o := range outliers {
			excluded[o.Timestamp] = struct{}{}
		}
		kept := points[:0:0]
		for _, p := range points {
			if _, drop := excluded[p.Timestamp]; !drop {
				kept = append(kept, p)
			}
		}
		points = kept
	} else {
		outliers = nil
	}

	origin := points[0].Timestamp
	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		x := p.Timestamp.Sub(origin).Seconds()
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// every sample shares one timestamp
		return Trend{}, false
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for _, p := range points {
		x := p.Timestamp.Sub(origin).Seconds()
		fit := intercept + slope*x
		ssRes += (p.Value - fit) * (p.Value - fit)
		ssTot += (p.Value - meanY) * (p.Value - meanY)
	}
	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	last := points[len(points)-1]
	current := last.Value
	predicted := intercept + slope*(last.Timestamp.Sub(origin)+horizon).Seconds()

	coverage := 1.0
	if window > 0 {
		coverage = clamp01(last.Timestamp.Sub(origin).Seconds() / window.Seconds())
	}

	return Trend{
		Current:    current,
		Predicted:  predicted,
		Slope:      slope,
		GrowthRate: (predicted - current) / math.Max(math.Abs(current), 1),
		RSquared:   r2,
		Coverage:   coverage,
		Confidence: clamp01(r2 * coverage),
		Samples:    len(points),
		Outliers:   len(outliers),
	}, true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
