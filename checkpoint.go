package bertgo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/safetensors"
	"github.com/x448/float16"
)

const (
	checkpointMagic   int32 = 20241014
	checkpointVersion int32 = 1
)

// LoadBERTModel loads encoder weights from a HuggingFace .safetensors file or
// a bertgo checkpoint. cfg supplies what the weights cannot: the head count,
// the LayerNorm epsilon and the dropout rates. rng initialises tensors the
// file lacks and drives dropout.
func LoadBERTModel(checkpointPath string, cfg BERTConfig, rng *rand.Rand) (*BERT, error) {
	f, err := os.Open(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("error opening model file: %w", err)
	}
	defer f.Close()
	if rng == nil {
		rng = NewRand(DefaultSeed)
	}
	var model *BERT
	if strings.EqualFold(filepath.Ext(checkpointPath), ".safetensors") {
		model, err = loadSafetensors(f, cfg, rng)
	} else {
		model, err = loadFromReader(f, cfg)
	}
	if err != nil {
		return nil, err
	}
	model.rng = rng
	return model, nil
}

// loadFromReader reads the bertgo checkpoint layout: a 256 int32 header
// followed by the float32 parameter slab in ParameterTensors order.
func loadFromReader(f io.Reader, base BERTConfig) (*BERT, error) {
	header := make([]int32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("error reading model header: %w", err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return nil, errors.New("bad model file format")
	}
	cfg := BERTConfig{
		VocabSize:                 int(header[2]),
		MaxPositionEmbeddings:     int(header[3]),
		TypeVocabSize:             int(header[4]),
		NumHiddenLayers:           int(header[5]),
		NumAttentionHeads:         int(header[6]),
		HiddenSize:                int(header[7]),
		IntermediateSize:          int(header[8]),
		LayerNormEps:              float64(math.Float32frombits(uint32(header[9]))),
		InitializerRange:          0.02,
		HiddenDropoutProb:         base.HiddenDropoutProb,
		AttentionProbsDropoutProb: base.AttentionProbsDropoutProb,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := &BERT{Config: cfg}
	model.Params.Init(cfg)
	if err := binary.Read(f, binary.LittleEndian, model.Params.Memory); err != nil {
		return nil, fmt.Errorf("error reading model: %w", err)
	}
	return model, nil
}

// Save writes the encoder in the layout loadFromReader expects.
func (model *BERT) Save(w io.Writer) error {
	cfg := model.Config
	header := make([]int32, 256)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(cfg.VocabSize)
	header[3] = int32(cfg.MaxPositionEmbeddings)
	header[4] = int32(cfg.TypeVocabSize)
	header[5] = int32(cfg.NumHiddenLayers)
	header[6] = int32(cfg.NumAttentionHeads)
	header[7] = int32(cfg.HiddenSize)
	header[8] = int32(cfg.IntermediateSize)
	header[9] = int32(math.Float32bits(float32(cfg.LayerNormEps)))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("error writing model header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, model.Params.Memory); err != nil {
		return fmt.Errorf("error writing model: %w", err)
	}
	return nil
}

// safetensorsFile indexes the tensors of one file by name.
type safetensorsFile struct {
	tensors map[string]safetensors.TensorView
	prefix  string
}

func readSafetensors(r io.Reader) (*safetensorsFile, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read safetensors: %w", err)
	}
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("decode safetensors: %w", err)
	}
	names := st.Names()
	file := &safetensorsFile{tensors: make(map[string]safetensors.TensorView, len(names))}
	for _, name := range names {
		view, ok := st.Tensor(name)
		if !ok {
			return nil, fmt.Errorf("safetensors: tensor %s listed but not readable", name)
		}
		file.tensors[name] = view
	}
	// BertForPreTraining and friends store the encoder under "bert."
	if _, ok := file.tensors["bert.embeddings.word_embeddings.weight"]; ok {
		file.prefix = "bert."
	}
	return file, nil
}

func (st *safetensorsFile) lookup(names ...string) (string, safetensors.TensorView, bool) {
	for _, name := range names {
		if v, ok := st.tensors[st.prefix+name]; ok {
			return st.prefix + name, v, true
		}
	}
	return "", safetensors.TensorView{}, false
}

func (st *safetensorsFile) shape(names ...string) ([]int, bool) {
	_, v, ok := st.lookup(names...)
	if !ok {
		return nil, false
	}
	dims := make([]int, len(v.Shape()))
	for i, d := range v.Shape() {
		dims[i] = int(d)
	}
	return dims, true
}

// read decodes a tensor into dst, which must have exactly as many elements.
func (st *safetensorsFile) read(dst []float32, names ...string) error {
	name, v, ok := st.lookup(names...)
	if !ok {
		return fmt.Errorf("safetensors: missing tensor %s%s", st.prefix, names[0])
	}
	n := 1
	for _, d := range v.Shape() {
		n *= int(d)
	}
	if n != len(dst) {
		return fmt.Errorf("%w: tensor %s has %d values, want %d", ErrShapeMismatch, name, n, len(dst))
	}
	buf := v.Data()
	var width int
	switch v.DType() {
	case safetensors.F32:
		width = 4
	case safetensors.F16, safetensors.BF16:
		width = 2
	default:
		return fmt.Errorf("safetensors: tensor %s has unsupported dtype %v", name, v.DType())
	}
	if len(buf) != width*n {
		return fmt.Errorf("safetensors: tensor %s has %d bytes, want %d", name, len(buf), width*n)
	}
	switch v.DType() {
	case safetensors.F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case safetensors.F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
	case safetensors.BF16:
		// bfloat16 is the upper half of a float32
		for i := range dst {
			dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	}
	return nil
}

// loadSafetensors maps HuggingFace BertModel tensor names onto ParameterTensors.
// Dimensions are taken from the tensors themselves.
func loadSafetensors(r io.Reader, cfg BERTConfig, rng *rand.Rand) (*BERT, error) {
	st, err := readSafetensors(r)
	if err != nil {
		return nil, err
	}
	if s, ok := st.shape("embeddings.word_embeddings.weight"); ok && len(s) == 2 {
		cfg.VocabSize, cfg.HiddenSize = s[0], s[1]
	} else {
		return nil, errors.New("safetensors: no BERT word embeddings found")
	}
	if s, ok := st.shape("embeddings.position_embeddings.weight"); ok && len(s) == 2 {
		cfg.MaxPositionEmbeddings = s[0]
	}
	if s, ok := st.shape("embeddings.token_type_embeddings.weight"); ok && len(s) == 2 {
		cfg.TypeVocabSize = s[0]
	}
	if s, ok := st.shape("encoder.layer.0.intermediate.dense.weight"); ok && len(s) == 2 {
		cfg.IntermediateSize = s[0]
	}
	layers := 0
	for {
		if _, ok := st.shape(fmt.Sprintf("encoder.layer.%d.attention.self.query.weight", layers)); !ok {
			break
		}
		layers++
	}
	cfg.NumHiddenLayers = layers
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	model := &BERT{Config: cfg}
	model.Params.Init(cfg)
	p := model.Params
	C, I := cfg.HiddenSize, cfg.IntermediateSize
	steps := []struct {
		dst   []float32
		names []string
	}{
		{p.WordEmbed.data, []string{"embeddings.word_embeddings.weight"}},
		{p.PosEmbed.data, []string{"embeddings.position_embeddings.weight"}},
		{p.TypeEmbed.data, []string{"embeddings.token_type_embeddings.weight"}},
		{p.EmbedNormW.data, []string{"embeddings.LayerNorm.weight", "embeddings.LayerNorm.gamma"}},
		{p.EmbedNormB.data, []string{"embeddings.LayerNorm.bias", "embeddings.LayerNorm.beta"}},
	}
	for l := 0; l < cfg.NumHiddenLayers; l++ {
		layer := func(name string) string { return fmt.Sprintf("encoder.layer.%d.%s", l, name) }
		qkvw := p.QueryKeyValW.data[l*3*C*C : (l+1)*3*C*C]
		qkvb := p.QueryKeyValB.data[l*3*C : (l+1)*3*C]
		steps = append(steps, []struct {
			dst   []float32
			names []string
		}{
			// separate q, k and v projections are stacked into one (3C, C) matrix
			{qkvw[0 : C*C], []string{layer("attention.self.query.weight")}},
			{qkvw[C*C : 2*C*C], []string{layer("attention.self.key.weight")}},
			{qkvw[2*C*C : 3*C*C], []string{layer("attention.self.value.weight")}},
			{qkvb[0:C], []string{layer("attention.self.query.bias")}},
			{qkvb[C : 2*C], []string{layer("attention.self.key.bias")}},
			{qkvb[2*C : 3*C], []string{layer("attention.self.value.bias")}},
			{p.AttProjW.data[l*C*C : (l+1)*C*C], []string{layer("attention.output.dense.weight")}},
			{p.AttProjB.data[l*C : (l+1)*C], []string{layer("attention.output.dense.bias")}},
			{p.AttNormW.data[l*C : (l+1)*C], []string{layer("attention.output.LayerNorm.weight"), layer("attention.output.LayerNorm.gamma")}},
			{p.AttNormB.data[l*C : (l+1)*C], []string{layer("attention.output.LayerNorm.bias"), layer("attention.output.LayerNorm.beta")}},
			{p.FeedFwdW.data[l*I*C : (l+1)*I*C], []string{layer("intermediate.dense.weight")}},
			{p.FeedFwdB.data[l*I : (l+1)*I], []string{layer("intermediate.dense.bias")}},
			{p.FeedFwdProjW.data[l*C*I : (l+1)*C*I], []string{layer("output.dense.weight")}},
			{p.FeedFwdProjB.data[l*C : (l+1)*C], []string{layer("output.dense.bias")}},
			{p.OutNormW.data[l*C : (l+1)*C], []string{layer("output.LayerNorm.weight"), layer("output.LayerNorm.gamma")}},
			{p.OutNormB.data[l*C : (l+1)*C], []string{layer("output.LayerNorm.bias"), layer("output.LayerNorm.beta")}},
		}...)
	}
	for _, s := range steps {
		if err := st.read(s.dst, s.names...); err != nil {
			return nil, err
		}
	}
	if _, ok := st.shape("pooler.dense.weight"); ok {
		if err := st.read(p.PoolerW.data, "pooler.dense.weight"); err != nil {
			return nil, err
		}
		if err := st.read(p.PoolerB.data, "pooler.dense.bias"); err != nil {
			return nil, err
		}
	} else {
		// checkpoints saved without a pooler get a freshly initialised one
		for i := range p.PoolerW.data {
			p.PoolerW.data[i] = float32(rng.NormFloat64() * cfg.InitializerRange)
		}
	}
	return model, nil
}
