package bertgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() BERTConfig {
	return BERTConfig{
		VocabSize:             1,
		HiddenSize:            1,
		NumHiddenLayers:       1,
		NumAttentionHeads:     1,
		IntermediateSize:      1,
		MaxPositionEmbeddings: 1,
		TypeVocabSize:         1,
		LayerNormEps:          1e-12,
		InitializerRange:      0.02,
	}
}

func TestParameterTensors_Init(t *testing.T) {
	var params ParameterTensors
	params.Init(tinyConfig())
	for i := range params.Memory {
		params.Memory[i] = float32(i)
	}
	tests := []struct {
		name string
		got  tensor
		want tensor
	}{
		{"WordEmbed", params.WordEmbed, tensor{data: []float32{0}, dims: []int{1, 1}}},
		{"PosEmbed", params.PosEmbed, tensor{data: []float32{1}, dims: []int{1, 1}}},
		{"TypeEmbed", params.TypeEmbed, tensor{data: []float32{2}, dims: []int{1, 1}}},
		{"EmbedNormW", params.EmbedNormW, tensor{data: []float32{3}, dims: []int{1}}},
		{"EmbedNormB", params.EmbedNormB, tensor{data: []float32{4}, dims: []int{1}}},
		{"QueryKeyValW", params.QueryKeyValW, tensor{data: []float32{5, 6, 7}, dims: []int{1, 3, 1}}},
		{"QueryKeyValB", params.QueryKeyValB, tensor{data: []float32{8, 9, 10}, dims: []int{1, 3}}},
		{"AttProjW", params.AttProjW, tensor{data: []float32{11}, dims: []int{1, 1, 1}}},
		{"AttProjB", params.AttProjB, tensor{data: []float32{12}, dims: []int{1, 1}}},
		{"AttNormW", params.AttNormW, tensor{data: []float32{13}, dims: []int{1, 1}}},
		{"AttNormB", params.AttNormB, tensor{data: []float32{14}, dims: []int{1, 1}}},
		{"FeedFwdW", params.FeedFwdW, tensor{data: []float32{15}, dims: []int{1, 1, 1}}},
		{"FeedFwdB", params.FeedFwdB, tensor{data: []float32{16}, dims: []int{1, 1}}},
		{"FeedFwdProjW", params.FeedFwdProjW, tensor{data: []float32{17}, dims: []int{1, 1, 1}}},
		{"FeedFwdProjB", params.FeedFwdProjB, tensor{data: []float32{18}, dims: []int{1, 1}}},
		{"OutNormW", params.OutNormW, tensor{data: []float32{19}, dims: []int{1, 1}}},
		{"OutNormB", params.OutNormB, tensor{data: []float32{20}, dims: []int{1, 1}}},
		{"PoolerW", params.PoolerW, tensor{data: []float32{21}, dims: []int{1, 1}}},
		{"PoolerB", params.PoolerB, tensor{data: []float32{22}, dims: []int{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
	assert.Equal(t, 23, params.Len())
}

func TestActivationTensors_Init(t *testing.T) {
	cfg := DefaultBERTConfig()
	cfg.NumHiddenLayers, cfg.HiddenSize, cfg.NumAttentionHeads, cfg.IntermediateSize = 2, 8, 2, 16
	var acts ActivationTensors
	require.NotPanics(t, func() { acts.Init(cfg, 3, 5) })
	assert.Equal(t, []int{2, 3, 5, 8}, acts.LayerOut.dims)
	assert.Equal(t, []int{2, 3, 2, 5, 5}, acts.Attention.dims)
	assert.Equal(t, []int{3, 8}, acts.Pooled.dims)
}

func TestHeadTensors_Init(t *testing.T) {
	var params HeadParameters
	params.Init(4, 3, 2)
	assert.Len(t, params.Memory, 4*3+3+2*3+2)
	assert.Equal(t, []int{3, 4}, params.HiddenW.dims)
	assert.Equal(t, []int{2, 3}, params.OutputW.dims)

	var acts HeadActivations
	acts.Init(5, 3, 2)
	assert.Len(t, acts.Memory, 4*5*3+5*2)
	assert.Equal(t, []int{5, 2}, acts.Logits.dims)
}

func Test_newTensor(t *testing.T) {
	type args struct {
		data []float32
		dims []int
	}
	tests := []struct {
		name  string
		args  args
		want  tensor
		want1 int
	}{
		{
			name: "prefix",
			args: args{
				data: []float32{1, 2, 3, 4, 5},
				dims: []int{1, 2},
			},
			want:  tensor{data: []float32{1, 2}, dims: []int{1, 2}},
			want1: 2,
		},
		{
			name: "whole slab",
			args: args{
				data: []float32{1, 2, 3, 4},
				dims: []int{2, 2},
			},
			want:  tensor{data: []float32{1, 2, 3, 4}, dims: []int{2, 2}},
			want1: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, got1 := newTensor(tt.args.data, tt.args.dims...)
			assert.Equalf(t, tt.want, got, "newTensor(%v, %v)", tt.args.data, tt.args.dims)
			assert.Equalf(t, tt.want1, got1, "newTensor(%v, %v)", tt.args.data, tt.args.dims)
			assert.Equal(t, got1, got.size())
		})
	}
	assert.Panics(t, func() { newTensor([]float32{1}, 2) })
}
