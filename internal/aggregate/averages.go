package aggregate

import (
	"math"
	"time"
)

// WindowSizes are the short, medium and long horizons in samples.
type WindowSizes struct {
	Short  int
	Medium int
	Long   int
}

// DefaultWindowSizes matches the 5/15/60 sample horizons.
var DefaultWindowSizes = WindowSizes{Short: 5, Medium: 15, Long: 60}

func (s WindowSizes) withDefaults() WindowSizes {
	if s.Short <= 0 {
		s.Short = DefaultWindowSizes.Short
	}
	if s.Medium <= 0 {
		s.Medium = DefaultWindowSizes.Medium
	}
	if s.Long <= 0 {
		s.Long = DefaultWindowSizes.Long
	}
	return s
}

// Averages is the state after one sample.
type Averages struct {
	Short    float64 `json:"short"`
	Medium   float64 `json:"medium"`
	Long     float64 `json:"long"`
	Momentum float64 `json:"momentum"`
}

// MovingAverages tracks three windows over one numeric stream.
type MovingAverages struct {
	short, medium, long *Window
	prev                float64
	hasPrev             bool
}

func NewMovingAverages(sizes WindowSizes) *MovingAverages {
	sizes = sizes.withDefaults()
	return &MovingAverages{
		short:  NewWindow(sizes.Short),
		medium: NewWindow(sizes.Medium),
		long:   NewWindow(sizes.Long),
	}
}

// Add feeds one sample. Momentum is (v-prev)/prev, 0 without a non-zero prev.
func (m *MovingAverages) Add(v float64) Averages {
	m.short.Add(v)
	m.medium.Add(v)
	m.long.Add(v)

	var momentum float64
	if m.hasPrev && m.prev != 0 {
		momentum = finite((v - m.prev) / m.prev)
	}
	m.prev, m.hasPrev = v, true

	return Averages{
		Short:    m.short.Average(),
		Medium:   m.medium.Average(),
		Long:     m.long.Average(),
		Momentum: momentum,
	}
}

// Point is one observation of a priced series.
type Point struct {
	At        time.Time
	Price     float64
	Volume    float64
	Liquidity float64
}

// FeatureVector extends Averages with the 1h price volatility and the
// volume/liquidity ratio.
type FeatureVector struct {
	At time.Time `json:"at"`
	Averages
	Volatility     float64 `json:"volatility"`
	LiquidityRatio float64 `json:"liquidity_ratio"`
}

const volatilityHorizon = time.Hour

// Features computes one vector per point in input order. Volatility is the
// population std of prices whose time lies in [At-1h, At].
func Features(points []Point, sizes WindowSizes) []FeatureVector {
	if len(points) == 0 {
		return nil
	}
	ma := NewMovingAverages(sizes)
	out := make([]FeatureVector, 0, len(points))

	for _, p := range points {
		fv := FeatureVector{At: p.At, Averages: ma.Add(p.Price)}

		from := p.At.Add(-volatilityHorizon)
		var sum, sumSq float64
		var n int
		for _, q := range points {
			if q.At.Before(from) || q.At.After(p.At) {
				continue
			}
			sum += q.Price
			sumSq += q.Price * q.Price
			n++
		}
		if n > 0 {
			mean := sum / float64(n)
			fv.Volatility = finite(math.Sqrt(math.Max(sumSq/float64(n)-mean*mean, 0)))
		}

		if p.Liquidity != 0 {
			fv.LiquidityRatio = finite(p.Volume / p.Liquidity)
		}
		out = append(out, fv)
	}
	return out
}
