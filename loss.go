package bertgo

import "fmt"

// CrossEntropyLoss is softmax cross entropy with mean reduction over the batch.
type CrossEntropyLoss struct {
	probs   []float32
	losses  []float32
	dlosses []float32
	targets []int32
	B, K    int
}

// Forward returns the mean loss of logits (B, K) against labels (B).
func (l *CrossEntropyLoss) Forward(logits []float32, labels []int32, B, K int) (float32, error) {
	if len(logits) != B*K || len(labels) != B {
		return 0, fmt.Errorf("%w: %d logits and %d labels for (%d, %d)", ErrShapeMismatch, len(logits), len(labels), B, K)
	}
	for i, y := range labels {
		if y < 0 || int(y) >= K {
			return 0, fmt.Errorf("%w: label %d of row %d", ErrInvalidLabel, y, i)
		}
	}
	if len(l.probs) != B*K {
		l.probs = make([]float32, B*K)
	}
	if len(l.losses) != B {
		l.losses = make([]float32, B)
		l.dlosses = make([]float32, B)
	}
	l.targets, l.B, l.K = labels, B, K
	softmaxForward(l.probs, logits, B, 1, K)
	crossEntropyForward(l.losses, l.probs, labels, B, 1, K)
	var sum float64
	for _, v := range l.losses {
		sum += float64(v)
	}
	return float32(sum / float64(B)), nil
}

// Backward returns dloss/dlogits of the last Forward, (p - onehot) / B.
func (l *CrossEntropyLoss) Backward() []float32 {
	dlogits := make([]float32, l.B*l.K)
	for i := range l.dlosses {
		l.dlosses[i] = 1 / float32(l.B)
	}
	crossentropySoftmaxBackward(dlogits, l.dlosses, l.probs, l.targets, l.B, 1, l.K)
	return dlogits
}
