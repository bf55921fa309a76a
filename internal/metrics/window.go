package metrics

import "gonum.org/v1/gonum/stat"

// Window is a bounded FIFO of the most recent observations of one metric.
// Once full, every Add evicts the oldest value.
type Window struct {
	data      []float64
	nextIndex int64
	max       int
}

// NewWindow creates a window holding at most size observations.
// It panics if size is not positive.
func NewWindow(size int) *Window {
	if size <= 0 {
		panic("metrics: window capacity must be positive")
	}
	return &Window{
		data: make([]float64, size),
		max:  size,
	}
}

// Add appends v, evicting the oldest observation when the window is full.
func (w *Window) Add(v float64) {
	w.data[w.nextIndex%int64(w.max)] = v
	w.nextIndex++
}

// Len returns the number of observations currently held.
func (w *Window) Len() int {
	if w.nextIndex < int64(w.max) {
		return int(w.nextIndex)
	}
	return w.max
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return w.max
}

// Values returns the held observations, oldest first.
func (w *Window) Values() []float64 {
	n := w.Len()
	out := make([]float64, n)
	from := w.nextIndex - int64(n)
	for i := from; i < w.nextIndex; i++ {
		out[i-from] = w.data[i%int64(w.max)]
	}
	return out
}

// Mean returns the arithmetic mean of the held observations, or 0 when empty.
func (w *Window) Mean() float64 {
	if w.Len() == 0 {
		return 0
	}
	return stat.Mean(w.Values(), nil)
}
