package bertgo

import "gonum.org/v1/gonum/stat"

// LossWindow accumulates per-batch losses between reports.
type LossWindow struct {
	losses []float64
}

func (w *LossWindow) Record(loss float64) {
	w.losses = append(w.losses, loss)
}

func (w *LossWindow) Len() int { return len(w.losses) }

// Mean of the recorded losses, zero when empty.
func (w *LossWindow) Mean() float64 {
	if len(w.losses) == 0 {
		return 0
	}
	return stat.Mean(w.losses, nil)
}

// Snapshot returns the mean and resets the window.
func (w *LossWindow) Snapshot() float64 {
	mean := w.Mean()
	w.losses = w.losses[:0]
	return mean
}
