package bertgo

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() BERTConfig {
	return BERTConfig{
		VocabSize:             12,
		HiddenSize:            8,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      16,
		MaxPositionEmbeddings: 16,
		TypeVocabSize:         2,
		LayerNormEps:          1e-5,
		InitializerRange:      0.2,
	}
}

func newSmallBERT(t *testing.T) *BERT {
	t.Helper()
	model, err := NewBERT(smallConfig(), NewRand(DefaultSeed))
	require.NoError(t, err)
	return model
}

// padded builds a batch from rows of token ids, padding with 0.
func padded(rows ...[]int32) *Batch {
	T := 0
	for _, r := range rows {
		T = max(T, len(r))
	}
	b := &Batch{B: len(rows), T: T}
	b.InputIDs = make([]int32, len(rows)*T)
	b.TokenTypeIDs = make([]int32, len(rows)*T)
	b.AttentionMask = make([]int32, len(rows)*T)
	b.Labels = make([]int32, len(rows))
	for i, r := range rows {
		copy(b.InputIDs[i*T:], r)
		for j := range r {
			b.AttentionMask[i*T+j] = 1
		}
	}
	return b
}

func TestBERT_Forward(t *testing.T) {
	model := newSmallBERT(t)
	pooled, err := model.Forward(padded([]int32{2, 5, 6, 3}, []int32{2, 7, 3}))
	require.NoError(t, err)
	require.Len(t, pooled, 2*8)
	for _, v := range pooled {
		assert.False(t, math.IsNaN(float64(v)))
		assert.Less(t, math.Abs(float64(v)), 1.0)
	}
}

func TestBERT_ForwardIgnoresPadding(t *testing.T) {
	model := newSmallBERT(t)
	short, err := model.Forward(padded([]int32{2, 7, 3}))
	require.NoError(t, err)
	short = append([]float32(nil), short...)

	// the same row padded to a longer batch, so activations are reallocated
	long, err := model.Forward(padded([]int32{2, 7, 3}, []int32{2, 5, 6, 8, 9, 3}))
	require.NoError(t, err)
	assert.Equal(t, 6, model.T)
	assert.InDeltaSlice(t, short, long[:8], 1e-5)
}

func TestBERT_ForwardErrors(t *testing.T) {
	model := newSmallBERT(t)
	tests := []struct {
		name  string
		batch *Batch
	}{
		{name: "token outside vocabulary", batch: padded([]int32{2, 40, 3})},
		{name: "too long", batch: padded(make([]int32, 17))},
		{name: "inconsistent buffers", batch: &Batch{B: 1, T: 3, InputIDs: []int32{1, 2}, AttentionMask: []int32{1, 1, 1}}},
		{name: "empty", batch: &Batch{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := model.Forward(tt.batch)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestBERT_BackwardBeforeForward(t *testing.T) {
	model := newSmallBERT(t)
	assert.Error(t, model.Backward(make([]float32, 8)))
}

func TestBERT_BackwardMatchesFiniteDifferences(t *testing.T) {
	cfg := smallConfig()
	cfg.HiddenDropoutProb, cfg.AttentionProbsDropoutProb = 0.1, 0.1
	model, err := NewBERT(cfg, NewRand(DefaultSeed))
	require.NoError(t, err)
	// evaluation mode, so every forward pass is the same function
	model.SetTraining(false)
	batch := padded([]int32{2, 5, 6, 3}, []int32{2, 7, 3})
	batch.TokenTypeIDs[1] = 1
	rng := NewRand(1)
	w := randomSlice(rng, batch.B*model.Config.HiddenSize)
	loss := func() float64 {
		pooled, err := model.Forward(batch)
		require.NoError(t, err)
		return weightedSum(pooled, w)
	}

	loss()
	model.ZeroGradient()
	require.NoError(t, model.Backward(w))
	params := model.Parameters()
	require.Len(t, params, 1)
	grad := append([]float32(nil), params[0].Grad...)

	// sample parameters across every tensor of the slab
	data := params[0].Data
	for i := 0; i < len(data); i += 17 {
		want := numericGrad(data[i:i+1], loss)[0]
		assert.InDelta(t, want, grad[i], 2e-3+0.05*math.Abs(float64(want)), "parameter %d", i)
	}
}

func TestBERT_GradientsAccumulateUntilZeroed(t *testing.T) {
	model := newSmallBERT(t)
	batch := padded([]int32{2, 5, 3})
	dpooled := make([]float32, 8)
	for i := range dpooled {
		dpooled[i] = 1
	}
	_, err := model.Forward(batch)
	require.NoError(t, err)
	require.NoError(t, model.Backward(dpooled))
	once := append([]float32(nil), model.Grads.Memory...)
	require.NoError(t, model.Backward(dpooled))
	assert.InDeltaSlice(t, scaled(once, 2), model.Grads.Memory, 1e-4)

	model.ZeroGradient()
	for _, g := range model.Grads.Memory {
		require.Zero(t, g)
	}
}

func TestBERT_TrainingDropout(t *testing.T) {
	cfg := smallConfig()
	cfg.HiddenDropoutProb, cfg.AttentionProbsDropoutProb = 0.3, 0.3
	model, err := NewBERT(cfg, NewRand(DefaultSeed))
	require.NoError(t, err)
	batch := padded([]int32{2, 5, 6, 3}, []int32{2, 7, 3})
	forward := func() []float32 {
		pooled, err := model.Forward(batch)
		require.NoError(t, err)
		return append([]float32(nil), pooled...)
	}

	eval := forward()
	assert.Equal(t, eval, forward(), "new encoders start in evaluation mode")

	model.SetTraining(true)
	a, b := forward(), forward()
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, eval, a)
	assert.Contains(t, model.Acts.EmbedDropMask.data, float32(0))

	model.SetTraining(false)
	assert.Equal(t, eval, forward())
}

// With a fixed dropout draw the backward pass must see the same masks the
// forward pass used, which a single training step on a linear loss checks.
func TestBERT_BackwardThroughDropout(t *testing.T) {
	cfg := smallConfig()
	cfg.HiddenDropoutProb, cfg.AttentionProbsDropoutProb = 0.2, 0.2
	model, err := NewBERT(cfg, NewRand(DefaultSeed))
	require.NoError(t, err)
	batch := padded([]int32{2, 5, 6, 3}, []int32{2, 7, 3})
	w := randomSlice(NewRand(3), batch.B*cfg.HiddenSize)

	model.SetTraining(true)
	_, err = model.Forward(batch)
	require.NoError(t, err)
	require.NoError(t, model.Backward(w))
	grad := append([]float32(nil), model.Grads.WordEmbed.data...)

	// rerun with the same draw by reseeding the dropout source
	fresh, err := NewBERT(cfg, NewRand(DefaultSeed))
	require.NoError(t, err)
	fresh.SetTraining(true)
	_, err = fresh.Forward(batch)
	require.NoError(t, err)
	require.NoError(t, fresh.Backward(w))
	assert.Equal(t, grad, fresh.Grads.WordEmbed.data)

	// dropped embedding positions pass no gradient to their LayerNorm output
	for i, m := range model.Acts.EmbedDropMask.data {
		if m == 0 {
			assert.Zero(t, model.GradsActs.EmbedNorm.data[i])
		}
	}
}

func scaled(x []float32, k float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v * k
	}
	return out
}

func TestLoadBERTConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"architectures": ["BertForMaskedLM"],
		"hidden_size": 64,
		"num_hidden_layers": 3,
		"num_attention_heads": 4,
		"intermediate_size": 256,
		"vocab_size": 100,
		"layer_norm_eps": 1e-12
	}`), 0o644))
	cfg, err := LoadBERTConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.HiddenSize)
	assert.Equal(t, 3, cfg.NumHiddenLayers)
	assert.Equal(t, 4, cfg.NumAttentionHeads)
	assert.Equal(t, 100, cfg.VocabSize)
	// unset keys keep the klue/bert-base values
	assert.Equal(t, 512, cfg.MaxPositionEmbeddings)
	assert.Equal(t, 2, cfg.TypeVocabSize)
	assert.InDelta(t, 0.1, cfg.HiddenDropoutProb, 1e-7)
	assert.InDelta(t, 0.1, cfg.AttentionProbsDropoutProb, 1e-7)

	require.NoError(t, os.WriteFile(path, []byte(`{"hidden_size": 10, "num_attention_heads": 3}`), 0o644))
	_, err = LoadBERTConfig(path)
	assert.Error(t, err)
}
