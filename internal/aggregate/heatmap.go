package aggregate

import "time"

const hoursPerDay = 24

// DefaultLookback is the heatmap horizon when none is given.
const DefaultLookback = 24 * time.Hour

// HourSample is one record placed on the clock. Volume counts toward the
// bucket average only when HasVolume is set.
type HourSample struct {
	At        *time.Time
	Volume    float64
	HasVolume bool
}

// HeatmapOptions bound the samples considered: [Now-Lookback, Now].
type HeatmapOptions struct {
	Now      time.Time
	Lookback time.Duration
}

// Bucket is one UTC hour of the day.
type Bucket struct {
	Hour      int     `json:"hour"`
	Count     int     `json:"tx_count"`
	AvgVolume float64 `json:"avg_volume"`
}

// HeatmapReport always holds 24 buckets, hour 0 first.
type HeatmapReport struct {
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	Buckets   []Bucket  `json:"buckets"`
	PeakHours []int     `json:"peak_hours"`
	Total     int       `json:"total"`
}

// Heatmap counts samples per UTC hour. Samples with unknown time or outside
// the lookback are ignored. PeakHours lists every hour sharing the highest
// count, so all 24 hours when nothing was counted.
func Heatmap(samples []HourSample, opts HeatmapOptions) HeatmapReport {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	since := now.Add(-lookback)

	var counts [hoursPerDay]int
	var volumes [hoursPerDay]float64
	var measured [hoursPerDay]int
	total := 0

	for _, s := range samples {
		if s.At == nil || s.At.Before(since) || s.At.After(now) {
			continue
		}
		h := s.At.UTC().Hour()
		counts[h]++
		total++
		if s.HasVolume {
			volumes[h] += s.Volume
			measured[h]++
		}
	}

	report := HeatmapReport{
		Since:     since.UTC(),
		Until:     now.UTC(),
		Buckets:   make([]Bucket, hoursPerDay),
		PeakHours: []int{},
		Total:     total,
	}
	peak := 0
	for h := 0; h < hoursPerDay; h++ {
		b := Bucket{Hour: h, Count: counts[h]}
		if counts[h] > 0 && measured[h] > 0 {
			b.AvgVolume = round2(finite(volumes[h] / float64(measured[h])))
		}
		report.Buckets[h] = b
		if counts[h] > peak {
			peak = counts[h]
		}
	}
	for _, b := range report.Buckets {
		if b.Count == peak {
			report.PeakHours = append(report.PeakHours, b.Hour)
		}
	}
	return report
}
