package engine

import (
	"gonum.org/v1/gonum/stat"
)

// DefaultWindow is the number of raw counts kept when no size is configured.
const DefaultWindow = 10

// DensityEstimator smooths raw vehicle counts over a fixed-size FIFO window.
// It is not safe for concurrent use; the registry serialises access.
type DensityEstimator struct {
	size   int
	counts []float64
	mean   float64
}

// NewDensityEstimator creates an estimator holding at most size counts.
func NewDensityEstimator(size int) *DensityEstimator {
	if size < 1 {
		size = DefaultWindow
	}
	return &DensityEstimator{size: size, counts: make([]float64, 0, size)}
}

// Observe appends count, evicting the oldest entry when the window is full,
// and returns the new smoothed value.
func (d *DensityEstimator) Observe(count int) float64 {
	if len(d.counts) == d.size {
		copy(d.counts, d.counts[1:])
		d.counts = d.counts[:d.size-1]
	}
	d.counts = append(d.counts, float64(count))
	d.mean = stat.Mean(d.counts, nil)
	return d.mean
}

// Smoothed returns the mean of the current window, 0 before any observation.
func (d *DensityEstimator) Smoothed() float64 { return d.mean }

// Len returns how many counts the window holds.
func (d *DensityEstimator) Len() int { return len(d.counts) }

// Window returns a copy of the raw counts, oldest first.
func (d *DensityEstimator) Window() []int {
	out := make([]int, len(d.counts))
	for i, c := range d.counts {
		out[i] = int(c)
	}
	return out
}
