package bertgo

import (
	"fmt"
	"math"
	"math/rand"
)

type ClassifierOptions struct {
	HeadSize      int     // width of the hidden head layer, 32
	NumLabels     int     // 2 for binary classification
	Dropout       float32 // dropout probability after the head ReLU, 0.1
	FreezeEncoder bool
}

func DefaultClassifierOptions() ClassifierOptions {
	return ClassifierOptions{HeadSize: 32, NumLabels: 2, Dropout: 0.1}
}

// Classifier is an encoder followed by
// Linear(H, HeadSize) -> ReLU -> Dropout -> Linear(HeadSize, NumLabels)
// applied to the pooled output.
type Classifier struct {
	Encoder   Encoder
	Options   ClassifierOptions
	Params    HeadParameters
	Grads     HeadParameters
	Acts      HeadActivations
	GradsActs HeadActivations
	B         int

	rng      *rand.Rand
	training bool
	pooled   []float32
	dpooled  []float32
}

// NewClassifier initialises the head like torch.nn.Linear, U(-1/sqrt(in), 1/sqrt(in))
// for weights and biases. An encoder that cannot train is always frozen.
func NewClassifier(enc Encoder, opts ClassifierOptions, rng *rand.Rand) (*Classifier, error) {
	if opts.HeadSize <= 0 || opts.NumLabels <= 0 {
		return nil, fmt.Errorf("invalid head shape %d -> %d", opts.HeadSize, opts.NumLabels)
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 {
		return nil, fmt.Errorf("dropout %v outside [0, 1)", opts.Dropout)
	}
	if !enc.Trainable() {
		opts.FreezeEncoder = true
	}
	H, D, K := enc.HiddenSize(), opts.HeadSize, opts.NumLabels
	if H <= 0 {
		return nil, fmt.Errorf("%w: encoder hidden size %d", ErrShapeMismatch, H)
	}
	c := &Classifier{Encoder: enc, Options: opts, rng: rng}
	c.SetTraining(true)
	c.Params.Init(H, D, K)
	c.Grads.Init(H, D, K)
	uniform := func(t tensor, fanIn int) {
		bound := 1 / math.Sqrt(float64(fanIn))
		for i := range t.data {
			t.data[i] = float32((rng.Float64()*2 - 1) * bound)
		}
	}
	uniform(c.Params.HiddenW, H)
	uniform(c.Params.HiddenB, H)
	uniform(c.Params.OutputW, D)
	uniform(c.Params.OutputB, D)
	return c, nil
}

// SetTraining switches dropout on or off in the head and the encoder.
func (c *Classifier) SetTraining(training bool) {
	c.training = training
	c.Encoder.SetTraining(training)
}

func (c *Classifier) Frozen() bool { return c.Options.FreezeEncoder }

// Forward returns logits, (B, NumLabels) row-major.
func (c *Classifier) Forward(batch *Batch) ([]float32, error) {
	pooled, err := c.Encoder.Forward(batch)
	if err != nil {
		return nil, fmt.Errorf("encoder forward: %w", err)
	}
	B, H, D, K := batch.B, c.Encoder.HiddenSize(), c.Options.HeadSize, c.Options.NumLabels
	if len(pooled) != B*H {
		return nil, fmt.Errorf("%w: pooled output has %d values, want %d", ErrShapeMismatch, len(pooled), B*H)
	}
	if c.B != B {
		c.Acts.Init(B, D, K)
		c.GradsActs = HeadActivations{}
		c.B = B
	}
	c.pooled = pooled
	acts := c.Acts
	var rng *rand.Rand
	if c.training {
		rng = c.rng
	}
	matmulForward(acts.Hidden.data, pooled, c.Params.HiddenW.data, c.Params.HiddenB.data, B, 1, H, D)
	reluForward(acts.Relu.data, acts.Hidden.data, B*D)
	dropoutForward(acts.Dropout.data, acts.DropoutMask.data, acts.Relu.data, c.Options.Dropout, rng, B*D)
	matmulForward(acts.Logits.data, acts.Dropout.data, c.Params.OutputW.data, c.Params.OutputB.data, B, 1, D, K)
	return acts.Logits.data, nil
}

// Backward accumulates gradients for the head and, unless frozen, the encoder.
func (c *Classifier) Backward(dlogits []float32) error {
	if c.pooled == nil {
		return fmt.Errorf("backward called before forward")
	}
	B, H, D, K := c.B, c.Encoder.HiddenSize(), c.Options.HeadSize, c.Options.NumLabels
	if len(dlogits) != B*K {
		return fmt.Errorf("%w: dlogits has %d values, want %d", ErrShapeMismatch, len(dlogits), B*K)
	}
	if len(c.GradsActs.Memory) == 0 {
		c.GradsActs.Init(B, D, K)
	}
	clear(c.GradsActs.Memory)
	acts, grads, dacts := c.Acts, c.Grads, c.GradsActs

	matmulBackward(dacts.Dropout.data, grads.OutputW.data, grads.OutputB.data, dlogits, acts.Dropout.data, c.Params.OutputW.data, B, 1, D, K)
	dropoutBackward(dacts.Relu.data, acts.DropoutMask.data, dacts.Dropout.data, B*D)
	reluBackward(dacts.Hidden.data, acts.Hidden.data, dacts.Relu.data, B*D)
	var dpooled []float32
	if !c.Options.FreezeEncoder {
		if len(c.dpooled) != B*H {
			c.dpooled = make([]float32, B*H)
		}
		dpooled = c.dpooled
		clear(dpooled)
	}
	matmulBackward(dpooled, grads.HiddenW.data, grads.HiddenB.data, dacts.Hidden.data, c.pooled, c.Params.HiddenW.data, B, 1, H, D)
	if dpooled == nil {
		return nil
	}
	if err := c.Encoder.Backward(dpooled); err != nil {
		return fmt.Errorf("encoder backward: %w", err)
	}
	return nil
}

func (c *Classifier) ZeroGradient() {
	clear(c.Grads.Memory)
	if !c.Options.FreezeEncoder {
		c.Encoder.ZeroGradient()
	}
}

// Parameters lists what the optimizer updates; a frozen encoder is left out.
func (c *Classifier) Parameters() []Parameter {
	params := []Parameter{{Name: "head", Data: c.Params.Memory, Grad: c.Grads.Memory}}
	if !c.Options.FreezeEncoder {
		params = append(params, c.Encoder.Parameters()...)
	}
	return params
}
