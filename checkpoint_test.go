package bertgo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stTensor struct {
	shape []int
	data  []float32
}

func writeSafetensors(t *testing.T, path string, tensors map[string]stTensor) {
	t.Helper()
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var data bytes.Buffer
	for _, name := range names {
		tt := tensors[name]
		start := data.Len()
		require.NoError(t, binary.Write(&data, binary.LittleEndian, tt.data))
		header[name] = map[string]any{
			"dtype":        "F32",
			"shape":        tt.shape,
			"data_offsets": []int{start, data.Len()},
		}
	}
	raw, err := json.Marshal(header)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(raw))))
	buf.Write(raw)
	buf.Write(data.Bytes())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// huggingFaceTensors lays model out under BertModel parameter names.
func huggingFaceTensors(model *BERT, prefix string, withPooler bool) map[string]stTensor {
	cfg, p := model.Config, model.Params
	C, I, P, V, TV := cfg.HiddenSize, cfg.IntermediateSize, cfg.MaxPositionEmbeddings, cfg.VocabSize, cfg.TypeVocabSize
	out := map[string]stTensor{
		prefix + "embeddings.word_embeddings.weight":       {[]int{V, C}, p.WordEmbed.data},
		prefix + "embeddings.position_embeddings.weight":   {[]int{P, C}, p.PosEmbed.data},
		prefix + "embeddings.token_type_embeddings.weight": {[]int{TV, C}, p.TypeEmbed.data},
		prefix + "embeddings.LayerNorm.gamma":              {[]int{C}, p.EmbedNormW.data},
		prefix + "embeddings.LayerNorm.beta":               {[]int{C}, p.EmbedNormB.data},
	}
	for l := 0; l < cfg.NumHiddenLayers; l++ {
		name := func(s string) string { return fmt.Sprintf("%sencoder.layer.%d.%s", prefix, l, s) }
		qkvw := p.QueryKeyValW.data[l*3*C*C:]
		qkvb := p.QueryKeyValB.data[l*3*C:]
		out[name("attention.self.query.weight")] = stTensor{[]int{C, C}, qkvw[:C*C]}
		out[name("attention.self.key.weight")] = stTensor{[]int{C, C}, qkvw[C*C : 2*C*C]}
		out[name("attention.self.value.weight")] = stTensor{[]int{C, C}, qkvw[2*C*C : 3*C*C]}
		out[name("attention.self.query.bias")] = stTensor{[]int{C}, qkvb[:C]}
		out[name("attention.self.key.bias")] = stTensor{[]int{C}, qkvb[C : 2*C]}
		out[name("attention.self.value.bias")] = stTensor{[]int{C}, qkvb[2*C : 3*C]}
		out[name("attention.output.dense.weight")] = stTensor{[]int{C, C}, p.AttProjW.data[l*C*C : (l+1)*C*C]}
		out[name("attention.output.dense.bias")] = stTensor{[]int{C}, p.AttProjB.data[l*C : (l+1)*C]}
		out[name("attention.output.LayerNorm.weight")] = stTensor{[]int{C}, p.AttNormW.data[l*C : (l+1)*C]}
		out[name("attention.output.LayerNorm.bias")] = stTensor{[]int{C}, p.AttNormB.data[l*C : (l+1)*C]}
		out[name("intermediate.dense.weight")] = stTensor{[]int{I, C}, p.FeedFwdW.data[l*I*C : (l+1)*I*C]}
		out[name("intermediate.dense.bias")] = stTensor{[]int{I}, p.FeedFwdB.data[l*I : (l+1)*I]}
		out[name("output.dense.weight")] = stTensor{[]int{C, I}, p.FeedFwdProjW.data[l*C*I : (l+1)*C*I]}
		out[name("output.dense.bias")] = stTensor{[]int{C}, p.FeedFwdProjB.data[l*C : (l+1)*C]}
		out[name("output.LayerNorm.weight")] = stTensor{[]int{C}, p.OutNormW.data[l*C : (l+1)*C]}
		out[name("output.LayerNorm.bias")] = stTensor{[]int{C}, p.OutNormB.data[l*C : (l+1)*C]}
	}
	if withPooler {
		out[prefix+"pooler.dense.weight"] = stTensor{[]int{C, C}, p.PoolerW.data}
		out[prefix+"pooler.dense.bias"] = stTensor{[]int{C}, p.PoolerB.data}
	}
	return out
}

func TestLoadBERTModel_Safetensors(t *testing.T) {
	want := newSmallBERT(t)
	tests := []struct {
		name   string
		prefix string
	}{
		{name: "BertModel", prefix: ""},
		{name: "BertForPreTraining", prefix: "bert."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.safetensors")
			writeSafetensors(t, path, huggingFaceTensors(want, tt.prefix, true))

			// dimensions come from the tensors, the head count from the config
			cfg := DefaultBERTConfig()
			cfg.NumAttentionHeads = 2
			got, err := LoadBERTModel(path, cfg, NewRand(DefaultSeed))
			require.NoError(t, err)
			assert.Equal(t, want.Config.HiddenSize, got.Config.HiddenSize)
			assert.Equal(t, want.Config.NumHiddenLayers, got.Config.NumHiddenLayers)
			assert.Equal(t, want.Config.IntermediateSize, got.Config.IntermediateSize)
			assert.Equal(t, want.Params.Memory, got.Params.Memory)
		})
	}
}

func TestLoadBERTModel_SafetensorsWithoutPooler(t *testing.T) {
	want := newSmallBERT(t)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, huggingFaceTensors(want, "", false))
	load := func(seed int64) *BERT {
		got, err := LoadBERTModel(path, smallConfig(), NewRand(seed))
		require.NoError(t, err)
		return got
	}
	got := load(1)
	assert.Equal(t, want.Params.WordEmbed.data, got.Params.WordEmbed.data)
	assert.NotEqual(t, make([]float32, len(got.Params.PoolerW.data)), got.Params.PoolerW.data)
	// the fresh pooler follows the run seed
	assert.Equal(t, got.Params.PoolerW.data, load(1).Params.PoolerW.data)
	assert.NotEqual(t, got.Params.PoolerW.data, load(2).Params.PoolerW.data)
}

func TestLoadBERTModel_SafetensorsMissingTensor(t *testing.T) {
	model := newSmallBERT(t)
	tensors := huggingFaceTensors(model, "", true)
	delete(tensors, "encoder.layer.1.output.dense.bias")
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, path, tensors)
	_, err := LoadBERTModel(path, smallConfig(), nil)
	assert.ErrorContains(t, err, "encoder.layer.1.output.dense.bias")
}

func TestBERT_SaveRoundTrip(t *testing.T) {
	want := newSmallBERT(t)
	path := filepath.Join(t.TempDir(), "model.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, want.Save(f))
	require.NoError(t, f.Close())

	got, err := LoadBERTModel(path, DefaultBERTConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, want.Config.VocabSize, got.Config.VocabSize)
	assert.Equal(t, want.Config.NumAttentionHeads, got.Config.NumAttentionHeads)
	assert.Equal(t, want.Config.IntermediateSize, got.Config.IntermediateSize)
	assert.InDelta(t, want.Config.LayerNormEps, got.Config.LayerNormEps, 1e-9)
	assert.Equal(t, want.Params.Memory, got.Params.Memory)
}

func TestLoadBERTModel_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))
	_, err := LoadBERTModel(path, DefaultBERTConfig(), nil)
	assert.Error(t, err)
}

// writeRawSafetensors writes a single tensor with an explicit dtype and offsets.
func writeRawSafetensors(t *testing.T, path, entry string, data []byte) {
	t.Helper()
	header := []byte(`{"embeddings.word_embeddings.weight":` + entry + `}`)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.Write(header)
	buf.Write(data)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestSafetensorsFile_ReadDTypes(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		data  []byte
		want  []float32
	}{
		{
			name:  "F16",
			entry: `{"dtype":"F16","shape":[2,2],"data_offsets":[0,8]}`,
			data:  []byte{0x00, 0x3c, 0x00, 0xc0, 0x55, 0x35, 0xff, 0x7b},
			want:  []float32{1, -2, 0.33325195, 65504},
		},
		{
			name:  "BF16",
			entry: `{"dtype":"BF16","shape":[2,2],"data_offsets":[0,8]}`,
			data:  []byte{0x80, 0x3f, 0x00, 0xc0, 0x00, 0x00, 0x40, 0x40},
			want:  []float32{1, -2, 0, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.safetensors")
			writeRawSafetensors(t, path, tt.entry, tt.data)
			f, err := os.Open(path)
			require.NoError(t, err)
			defer f.Close()
			st, err := readSafetensors(f)
			require.NoError(t, err)
			got := make([]float32, 4)
			require.NoError(t, st.read(got, "embeddings.word_embeddings.weight"))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadSafetensors_BadOffsets(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{name: "negative start", entry: `{"dtype":"F32","shape":[1],"data_offsets":[-4,4]}`},
		{name: "past the end", entry: `{"dtype":"F32","shape":[2],"data_offsets":[0,8]}`},
		{name: "reversed", entry: `{"dtype":"F32","shape":[1],"data_offsets":[4,0]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.safetensors")
			writeRawSafetensors(t, path, tt.entry, []byte{0, 0, 0x80, 0x3f})
			assert.NotPanics(t, func() {
				_, err := LoadBERTModel(path, smallConfig(), nil)
				assert.Error(t, err)
			})
		})
	}
}
