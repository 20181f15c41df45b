package bertgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLossWindow(t *testing.T) {
	var w LossWindow
	assert.Zero(t, w.Mean())
	for _, v := range []float64{1, 2, 3, 6} {
		w.Record(v)
	}
	assert.Equal(t, 4, w.Len())
	assert.InDelta(t, 3.0, w.Snapshot(), 1e-12)
	assert.Zero(t, w.Len())
	w.Record(0.5)
	assert.InDelta(t, 0.5, w.Mean(), 1e-12)
}
