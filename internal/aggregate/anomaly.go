package aggregate

import (
	"math"
	"sync"
	"time"
)

// DefaultAnomalyThreshold is the z-score above which a sample is flagged.
const DefaultAnomalyThreshold = 3.0

// Sample is one value of a named metric stream. At is nil when the time of
// the underlying record is unknown.
type Sample struct {
	At    *time.Time
	Value float64
}

// Stream is a named, ordered metric series.
type Stream struct {
	Name    string
	Samples []Sample
}

// Anomaly flags one sample. Score is |v-mean|/std rounded to 2 decimals.
type Anomaly struct {
	At     *time.Time `json:"at,omitempty"`
	Metric string     `json:"metric"`
	Value  float64    `json:"value"`
	Score  float64    `json:"score"`
}

// DetectAnomalies scores every sample against the population mean and std
// of its whole stream. Streams with zero variance never yield anomalies.
func DetectAnomalies(streams []Stream, threshold float64) []Anomaly {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}

	var out []Anomaly
	for _, s := range streams {
		n := len(s.Samples)
		if n == 0 {
			continue
		}
		var sum float64
		for _, smp := range s.Samples {
			sum += smp.Value
		}
		mean := sum / float64(n)
		var sq float64
		for _, smp := range s.Samples {
			d := smp.Value - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(n))
		if flat(std, mean) {
			continue
		}
		for _, smp := range s.Samples {
			score := math.Abs(smp.Value-mean) / std
			if score > threshold {
				out = append(out, Anomaly{At: smp.At, Metric: s.Name, Value: smp.Value, Score: round2(score)})
			}
		}
	}
	return out
}

// flat reports zero variance when std is within 1e-12 of zero, scaled by
// the mean's magnitude (at least 1), rather than only when std is exactly 0.
// Float residue on a constant stream therefore never scores.
func flat(std, mean float64) bool {
	return !(std > 1e-12*math.Max(1, math.Abs(mean)))
}

// AnomalyDetector is the incremental form: each observed sample is scored
// against the mean and std of every sample of its stream seen so far,
// itself included. Safe for concurrent use.
type AnomalyDetector struct {
	threshold float64

	mu    sync.Mutex
	stats map[string]*running
}

// running holds Welford accumulators.
type running struct {
	n    int
	mean float64
	m2   float64
}

func NewAnomalyDetector(threshold float64) *AnomalyDetector {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	return &AnomalyDetector{threshold: threshold, stats: map[string]*running{}}
}

// Observe feeds one sample and reports whether it is anomalous.
func (d *AnomalyDetector) Observe(metric string, at *time.Time, v float64) (Anomaly, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Anomaly{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.stats[metric]
	if !ok {
		st = &running{}
		d.stats[metric] = st
	}
	st.n++
	delta := v - st.mean
	st.mean += delta / float64(st.n)
	st.m2 += delta * (v - st.mean)

	std := math.Sqrt(st.m2 / float64(st.n))
	if flat(std, st.mean) {
		return Anomaly{}, false
	}
	score := math.Abs(v-st.mean) / std
	if score <= d.threshold {
		return Anomaly{}, false
	}
	return Anomaly{At: at, Metric: metric, Value: v, Score: round2(score)}, true
}
