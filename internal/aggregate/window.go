// Package aggregate derives metrics from sub-event streams: moving
// averages, z-score anomalies, Pearson correlation, hourly buckets and
// transfer summaries. Every function is pure over its input.
package aggregate

import "math"

// Window is a fixed-capacity ring of samples with a running sum.
// A Window is owned by one stream and is not safe for concurrent use.
type Window struct {
	buf  []float64
	head int
	size int
	sum  float64
}

// NewWindow returns an empty window. Capacities below 1 are raised to 1.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

// Add appends v, evicting the oldest sample once the window is full.
func (w *Window) Add(v float64) {
	if w.size == len(w.buf) {
		w.sum -= w.buf[w.head]
		w.buf[w.head] = v
		w.head = (w.head + 1) % len(w.buf)
	} else {
		w.buf[(w.head+w.size)%len(w.buf)] = v
		w.size++
	}
	w.sum += v
}

// Average returns the mean of the held samples, 0 when empty.
func (w *Window) Average() float64 {
	if w.size == 0 {
		return 0
	}
	return w.sum / float64(w.size)
}

func (w *Window) Len() int { return w.size }

func (w *Window) Cap() int { return len(w.buf) }

func (w *Window) Sum() float64 { return w.sum }

// Values returns the held samples oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.size)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
