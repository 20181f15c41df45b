package bertgo

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/spf13/viper"
)

// BERTConfig mirrors the fields of a HuggingFace BERT config.json that the
// encoder needs.
type BERTConfig struct {
	VocabSize             int     `mapstructure:"vocab_size"`
	HiddenSize            int     `mapstructure:"hidden_size"`
	NumHiddenLayers       int     `mapstructure:"num_hidden_layers"`
	NumAttentionHeads     int     `mapstructure:"num_attention_heads"`
	IntermediateSize      int     `mapstructure:"intermediate_size"`
	MaxPositionEmbeddings int     `mapstructure:"max_position_embeddings"`
	TypeVocabSize         int     `mapstructure:"type_vocab_size"`
	LayerNormEps          float64 `mapstructure:"layer_norm_eps"`
	InitializerRange      float64 `mapstructure:"initializer_range"`

	HiddenDropoutProb         float32 `mapstructure:"hidden_dropout_prob"`
	AttentionProbsDropoutProb float32 `mapstructure:"attention_probs_dropout_prob"`
}

// DefaultBERTConfig is the klue/bert-base architecture.
func DefaultBERTConfig() BERTConfig {
	return BERTConfig{
		VocabSize:             32000,
		HiddenSize:            768,
		NumHiddenLayers:       12,
		NumAttentionHeads:     12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
		InitializerRange:      0.02,

		HiddenDropoutProb:         0.1,
		AttentionProbsDropoutProb: 0.1,
	}
}

func (c BERTConfig) Validate() error {
	if c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumHiddenLayers <= 0 || c.NumAttentionHeads <= 0 ||
		c.IntermediateSize <= 0 || c.MaxPositionEmbeddings <= 0 || c.TypeVocabSize <= 0 {
		return fmt.Errorf("bert config: every dimension must be > 0 (%+v)", c)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("bert config: hidden_size %d is not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	}
	for _, p := range []float32{c.HiddenDropoutProb, c.AttentionProbsDropoutProb} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("bert config: dropout probability %v outside [0, 1)", p)
		}
	}
	return nil
}

// LoadBERTConfig reads a HuggingFace config.json. Missing keys keep the
// klue/bert-base defaults.
func LoadBERTConfig(path string) (BERTConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	def := DefaultBERTConfig()
	v.SetDefault("vocab_size", def.VocabSize)
	v.SetDefault("hidden_size", def.HiddenSize)
	v.SetDefault("num_hidden_layers", def.NumHiddenLayers)
	v.SetDefault("num_attention_heads", def.NumAttentionHeads)
	v.SetDefault("intermediate_size", def.IntermediateSize)
	v.SetDefault("max_position_embeddings", def.MaxPositionEmbeddings)
	v.SetDefault("type_vocab_size", def.TypeVocabSize)
	v.SetDefault("layer_norm_eps", def.LayerNormEps)
	v.SetDefault("initializer_range", def.InitializerRange)
	v.SetDefault("hidden_dropout_prob", def.HiddenDropoutProb)
	v.SetDefault("attention_probs_dropout_prob", def.AttentionProbsDropoutProb)
	if err := v.ReadInConfig(); err != nil {
		return BERTConfig{}, fmt.Errorf("read bert config %s: %w", path, err)
	}
	var cfg BERTConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BERTConfig{}, fmt.Errorf("decode bert config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// BERT is a post-LayerNorm transformer encoder with a tanh pooler.
type BERT struct {
	Config BERTConfig
	// Params.Memory is one slab so the optimizer can treat it as a single parameter
	Params ParameterTensors
	// Grads mirrors Params and is allocated on first use
	Grads     ParameterTensors
	Acts      ActivationTensors
	GradsActs ActivationTensors
	B         int // batch size of the allocated activations
	T         int // sequence length of the allocated activations

	inputs    []int32
	typeIDs   []int32
	mask      []int32
	forwarded bool
	// dropout is applied only in training mode
	training bool
	rng      *rand.Rand
}

// NewBERT returns a randomly initialised encoder: normal(0, initializer_range)
// weights, LayerNorm weight 1 and bias 0. The encoder starts in evaluation
// mode; rng also drives dropout once training is switched on.
func NewBERT(cfg BERTConfig, rng *rand.Rand) (*BERT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	model := &BERT{Config: cfg, rng: rng}
	model.Params.Init(cfg)
	std := cfg.InitializerRange
	if std == 0 {
		std = 0.02
	}
	p := model.Params
	for _, t := range []tensor{p.WordEmbed, p.PosEmbed, p.TypeEmbed, p.QueryKeyValW, p.AttProjW, p.FeedFwdW, p.FeedFwdProjW, p.PoolerW} {
		for i := range t.data {
			t.data[i] = float32(rng.NormFloat64() * std)
		}
	}
	for _, t := range []tensor{p.EmbedNormW, p.AttNormW, p.OutNormW} {
		for i := range t.data {
			t.data[i] = 1
		}
	}
	return model, nil
}

func (model *BERT) String() string {
	var s string
	s += "[BERT]\n"
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.VocabSize)
	s += fmt.Sprintf("max_position_embeddings: %d\n", model.Config.MaxPositionEmbeddings)
	s += fmt.Sprintf("num_hidden_layers: %d\n", model.Config.NumHiddenLayers)
	s += fmt.Sprintf("num_attention_heads: %d\n", model.Config.NumAttentionHeads)
	s += fmt.Sprintf("hidden_size: %d\n", model.Config.HiddenSize)
	s += fmt.Sprintf("num_parameters: %d\n", model.Params.Len())
	return s
}

func (model *BERT) HiddenSize() int { return model.Config.HiddenSize }

func (model *BERT) Trainable() bool { return true }

// SetTraining switches embedding, attention and hidden dropout on or off.
func (model *BERT) SetTraining(training bool) { model.training = training }

// dropoutRNG is nil outside training, which turns dropoutForward into a copy.
func (model *BERT) dropoutRNG() *rand.Rand {
	if !model.training {
		return nil
	}
	return model.rng
}

func (model *BERT) ensureGrads() {
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(model.Config)
	}
}

func (model *BERT) Parameters() []Parameter {
	model.ensureGrads()
	return []Parameter{{Name: "encoder", Data: model.Params.Memory, Grad: model.Grads.Memory}}
}

func (model *BERT) ZeroGradient() {
	clear(model.Grads.Memory)
	clear(model.GradsActs.Memory)
}

func (model *BERT) checkBatch(batch *Batch) error {
	cfg := model.Config
	if batch.B <= 0 || batch.T <= 0 {
		return fmt.Errorf("%w: empty batch (%d, %d)", ErrShapeMismatch, batch.B, batch.T)
	}
	if batch.T > cfg.MaxPositionEmbeddings {
		return fmt.Errorf("%w: sequence length %d exceeds max_position_embeddings %d", ErrShapeMismatch, batch.T, cfg.MaxPositionEmbeddings)
	}
	n := batch.B * batch.T
	if len(batch.InputIDs) != n || len(batch.AttentionMask) != n || (batch.TokenTypeIDs != nil && len(batch.TokenTypeIDs) != n) {
		return fmt.Errorf("%w: batch buffers do not match (%d, %d)", ErrShapeMismatch, batch.B, batch.T)
	}
	for _, id := range batch.InputIDs {
		if id < 0 || int(id) >= cfg.VocabSize {
			return fmt.Errorf("%w: token id %d outside vocabulary of %d", ErrShapeMismatch, id, cfg.VocabSize)
		}
	}
	for _, id := range batch.TokenTypeIDs {
		if id < 0 || int(id) >= cfg.TypeVocabSize {
			return fmt.Errorf("%w: token type id %d outside %d types", ErrShapeMismatch, id, cfg.TypeVocabSize)
		}
	}
	return nil
}

// Forward runs the encoder and returns a view of the pooler output.
func (model *BERT) Forward(batch *Batch) ([]float32, error) {
	if err := model.checkBatch(batch); err != nil {
		return nil, err
	}
	cfg := model.Config
	B, T := batch.B, batch.T
	C, L, NH, I := cfg.HiddenSize, cfg.NumHiddenLayers, cfg.NumAttentionHeads, cfg.IntermediateSize
	// dynamic padding changes T from batch to batch
	if model.Acts.Memory == nil || model.B != B || model.T != T {
		model.B, model.T = B, T
		model.Acts.Init(cfg, B, T)
		model.GradsActs = ActivationTensors{}
	}
	model.inputs = append(model.inputs[:0], batch.InputIDs...)
	model.mask = append(model.mask[:0], batch.AttentionMask...)
	if batch.TokenTypeIDs != nil {
		model.typeIDs = append(model.typeIDs[:0], batch.TokenTypeIDs...)
	} else {
		model.typeIDs = nil
	}
	params, acts := model.Params, model.Acts
	eps := cfg.LayerNormEps
	rng, pHidden, pAtt := model.dropoutRNG(), cfg.HiddenDropoutProb, cfg.AttentionProbsDropoutProb

	embeddingForward(acts.Embedded.data, model.inputs, model.typeIDs, params.WordEmbed.data, params.PosEmbed.data, params.TypeEmbed.data, B, T, C)
	layernormForward(acts.EmbedNorm.data, acts.EmbedNormMean.data, acts.EmbedNormRstd.data, acts.Embedded.data, params.EmbedNormW.data, params.EmbedNormB.data, B, T, C, eps)
	dropoutForward(acts.EmbedOut.data, acts.EmbedDropMask.data, acts.EmbedNorm.data, pHidden, rng, B*T*C)

	var residual []float32
	for l := 0; l < L; l++ {
		if l == 0 {
			residual = acts.EmbedOut.data
		} else {
			residual = acts.LayerOut.data[(l-1)*B*T*C:]
		}
		// Parameters
		l_qkvw := params.QueryKeyValW.data[l*3*C*C:]
		l_qkvb := params.QueryKeyValB.data[l*3*C:]
		l_attprojw := params.AttProjW.data[l*C*C:]
		l_attprojb := params.AttProjB.data[l*C:]
		l_attnormw := params.AttNormW.data[l*C:]
		l_attnormb := params.AttNormB.data[l*C:]
		l_fcw := params.FeedFwdW.data[l*I*C:]
		l_fcb := params.FeedFwdB.data[l*I:]
		l_fcprojw := params.FeedFwdProjW.data[l*C*I:]
		l_fcprojb := params.FeedFwdProjB.data[l*C:]
		l_outnormw := params.OutNormW.data[l*C:]
		l_outnormb := params.OutNormB.data[l*C:]
		// Activations
		l_qkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		l_preatt := acts.PreAttention.data[l*B*NH*T*T:]
		l_att := acts.Attention.data[l*B*NH*T*T:]
		l_attmask := acts.AttDropMask.data[l*B*NH*T*T : (l+1)*B*NH*T*T]
		l_atty := acts.AttentionInter.data[l*B*T*C:]
		l_attproj := acts.AttentionProj.data[l*B*T*C:]
		l_attprojmask := acts.AttProjDropMask.data[l*B*T*C:]
		l_attprojdrop := acts.AttProjDrop.data[l*B*T*C:]
		l_residual1 := acts.Residual1.data[l*B*T*C:]
		l_attnorm_mean := acts.AttNormMean.data[l*B*T:]
		l_attnorm_rstd := acts.AttNormRstd.data[l*B*T:]
		l_attnorm := acts.AttNormOut.data[l*B*T*C:]
		l_fch := acts.FeedForward.data[l*B*T*I:]
		l_fch_gelu := acts.FeedForwardGelu.data[l*B*T*I:]
		l_fcproj := acts.FeedForwardProj.data[l*B*T*C:]
		l_fcprojmask := acts.FeedFwdProjDropMask.data[l*B*T*C:]
		l_fcprojdrop := acts.FeedFwdProjDrop.data[l*B*T*C:]
		l_residual2 := acts.Residual2.data[l*B*T*C:]
		l_outnorm_mean := acts.OutNormMean.data[l*B*T:]
		l_outnorm_rstd := acts.OutNormRstd.data[l*B*T:]
		l_out := acts.LayerOut.data[l*B*T*C:]

		// project into query, key and value, attend, project back
		matmulForward(l_qkv, residual, l_qkvw, l_qkvb, B, T, C, 3*C)
		dropoutMask(l_attmask, pAtt, rng, B*NH*T*T)
		attentionForward(l_atty, l_preatt, l_att, l_qkv, model.mask, l_attmask, B, T, C, NH)
		matmulForward(l_attproj, l_atty, l_attprojw, l_attprojb, B, T, C, C)
		dropoutForward(l_attprojdrop, l_attprojmask, l_attproj, pHidden, rng, B*T*C)
		// BERT normalises after the residual add
		residualForward(l_residual1, residual, l_attprojdrop, B*T*C)
		layernormForward(l_attnorm, l_attnorm_mean, l_attnorm_rstd, l_residual1, l_attnormw, l_attnormb, B, T, C, eps)
		matmulForward(l_fch, l_attnorm, l_fcw, l_fcb, B, T, C, I)
		geluForward(l_fch_gelu, l_fch, B*T*I)
		matmulForward(l_fcproj, l_fch_gelu, l_fcprojw, l_fcprojb, B, T, I, C)
		dropoutForward(l_fcprojdrop, l_fcprojmask, l_fcproj, pHidden, rng, B*T*C)
		residualForward(l_residual2, l_attnorm, l_fcprojdrop, B*T*C)
		layernormForward(l_out, l_outnorm_mean, l_outnorm_rstd, l_residual2, l_outnormw, l_outnormb, B, T, C, eps)
	}

	// the pooler reads the [CLS] position of the last layer only
	last := acts.LayerOut.data[(L-1)*B*T*C:]
	for b := 0; b < B; b++ {
		copy(acts.CLS.data[b*C:(b+1)*C], last[b*T*C:b*T*C+C])
	}
	matmulForward(acts.PoolerPre.data, acts.CLS.data, params.PoolerW.data, params.PoolerB.data, B, 1, C, C)
	tanhForward(acts.Pooled.data, acts.PoolerPre.data, B*C)
	model.forwarded = true
	return acts.Pooled.data, nil
}

// Backward accumulates parameter gradients from dpooled, (B, C).
func (model *BERT) Backward(dpooled []float32) error {
	if !model.forwarded {
		return errors.New("error: must forward before backward")
	}
	cfg := model.Config
	B, T := model.B, model.T
	C, L, NH, I := cfg.HiddenSize, cfg.NumHiddenLayers, cfg.NumAttentionHeads, cfg.IntermediateSize
	if len(dpooled) != B*C {
		return fmt.Errorf("%w: dpooled has %d values, want %d", ErrShapeMismatch, len(dpooled), B*C)
	}
	model.ensureGrads()
	if len(model.GradsActs.Memory) == 0 {
		model.GradsActs.Init(cfg, B, T)
	} else {
		clear(model.GradsActs.Memory)
	}
	params, grads, acts, gradsActs := model.Params, model.Grads, model.Acts, model.GradsActs

	// pooler
	tanhBackward(gradsActs.PoolerPre.data, acts.Pooled.data, dpooled, B*C)
	matmulBackward(gradsActs.CLS.data, grads.PoolerW.data, grads.PoolerB.data, gradsActs.PoolerPre.data, acts.CLS.data, params.PoolerW.data, B, 1, C, C)
	dlast := gradsActs.LayerOut.data[(L-1)*B*T*C:]
	for b := 0; b < B; b++ {
		dst := dlast[b*T*C : b*T*C+C]
		for i, d := range gradsActs.CLS.data[b*C : (b+1)*C] {
			dst[i] += d
		}
	}

	var residual, dresidual []float32
	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.EmbedOut.data
			dresidual = gradsActs.EmbedOut.data
		} else {
			residual = acts.LayerOut.data[(l-1)*B*T*C:]
			dresidual = gradsActs.LayerOut.data[(l-1)*B*T*C:]
		}
		// Parameters
		l_qkvw := params.QueryKeyValW.data[l*3*C*C:]
		l_attprojw := params.AttProjW.data[l*C*C:]
		l_attnormw := params.AttNormW.data[l*C:]
		l_fcw := params.FeedFwdW.data[l*I*C:]
		l_fcprojw := params.FeedFwdProjW.data[l*C*I:]
		l_outnormw := params.OutNormW.data[l*C:]
		// Gradients of weights
		dl_qkvw := grads.QueryKeyValW.data[l*3*C*C:]
		dl_qkvb := grads.QueryKeyValB.data[l*3*C:]
		dl_attprojw := grads.AttProjW.data[l*C*C:]
		dl_attprojb := grads.AttProjB.data[l*C:]
		dl_attnormw := grads.AttNormW.data[l*C:]
		dl_attnormb := grads.AttNormB.data[l*C:]
		dl_fcw := grads.FeedFwdW.data[l*I*C:]
		dl_fcb := grads.FeedFwdB.data[l*I:]
		dl_fcprojw := grads.FeedFwdProjW.data[l*C*I:]
		dl_fcprojb := grads.FeedFwdProjB.data[l*C:]
		dl_outnormw := grads.OutNormW.data[l*C:]
		dl_outnormb := grads.OutNormB.data[l*C:]
		// Activations
		l_qkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		l_att := acts.Attention.data[l*B*NH*T*T:]
		l_attmask := acts.AttDropMask.data[l*B*NH*T*T:]
		l_atty := acts.AttentionInter.data[l*B*T*C:]
		l_attprojmask := acts.AttProjDropMask.data[l*B*T*C:]
		l_fcprojmask := acts.FeedFwdProjDropMask.data[l*B*T*C:]
		l_residual1 := acts.Residual1.data[l*B*T*C:]
		l_attnorm_mean := acts.AttNormMean.data[l*B*T:]
		l_attnorm_rstd := acts.AttNormRstd.data[l*B*T:]
		l_attnorm := acts.AttNormOut.data[l*B*T*C:]
		l_fch := acts.FeedForward.data[l*B*T*I:]
		l_fch_gelu := acts.FeedForwardGelu.data[l*B*T*I:]
		l_residual2 := acts.Residual2.data[l*B*T*C:]
		l_outnorm_mean := acts.OutNormMean.data[l*B*T:]
		l_outnorm_rstd := acts.OutNormRstd.data[l*B*T:]
		// Gradients of activations
		dl_qkv := gradsActs.QueryKeyVal.data[l*B*T*3*C:]
		dl_preatt := gradsActs.PreAttention.data[l*B*NH*T*T:]
		dl_att := gradsActs.Attention.data[l*B*NH*T*T:]
		dl_atty := gradsActs.AttentionInter.data[l*B*T*C:]
		dl_attproj := gradsActs.AttentionProj.data[l*B*T*C:]
		dl_attprojdrop := gradsActs.AttProjDrop.data[l*B*T*C:]
		dl_residual1 := gradsActs.Residual1.data[l*B*T*C:]
		dl_attnorm := gradsActs.AttNormOut.data[l*B*T*C:]
		dl_fch := gradsActs.FeedForward.data[l*B*T*I:]
		dl_fch_gelu := gradsActs.FeedForwardGelu.data[l*B*T*I:]
		dl_fcproj := gradsActs.FeedForwardProj.data[l*B*T*C:]
		dl_fcprojdrop := gradsActs.FeedFwdProjDrop.data[l*B*T*C:]
		dl_residual2 := gradsActs.Residual2.data[l*B*T*C:]
		dl_out := gradsActs.LayerOut.data[l*B*T*C:]

		layernormBackward(dl_residual2, dl_outnormw, dl_outnormb, dl_out, l_residual2, l_outnormw, l_outnorm_mean, l_outnorm_rstd, B, T, C)
		residualBackward(dl_attnorm, dl_fcprojdrop, dl_residual2, B*T*C)
		dropoutBackward(dl_fcproj, l_fcprojmask, dl_fcprojdrop, B*T*C)
		matmulBackward(dl_fch_gelu, dl_fcprojw, dl_fcprojb, dl_fcproj, l_fch_gelu, l_fcprojw, B, T, I, C)
		geluBackward(dl_fch, l_fch, dl_fch_gelu, B*T*I)
		matmulBackward(dl_attnorm, dl_fcw, dl_fcb, dl_fch, l_attnorm, l_fcw, B, T, C, I)
		layernormBackward(dl_residual1, dl_attnormw, dl_attnormb, dl_attnorm, l_residual1, l_attnormw, l_attnorm_mean, l_attnorm_rstd, B, T, C)
		residualBackward(dresidual, dl_attprojdrop, dl_residual1, B*T*C)
		dropoutBackward(dl_attproj, l_attprojmask, dl_attprojdrop, B*T*C)
		matmulBackward(dl_atty, dl_attprojw, dl_attprojb, dl_attproj, l_atty, l_attprojw, B, T, C, C)
		attentionBackward(dl_qkv, dl_preatt, dl_att, dl_atty, l_qkv, l_att, l_attmask, B, T, C, NH)
		matmulBackward(dresidual, dl_qkvw, dl_qkvb, dl_qkv, residual, l_qkvw, B, T, C, 3*C)
	}
	dropoutBackward(gradsActs.EmbedNorm.data, acts.EmbedDropMask.data, gradsActs.EmbedOut.data, B*T*C)
	layernormBackward(gradsActs.Embedded.data, grads.EmbedNormW.data, grads.EmbedNormB.data, gradsActs.EmbedNorm.data, acts.Embedded.data, params.EmbedNormW.data, acts.EmbedNormMean.data, acts.EmbedNormRstd.data, B, T, C)
	embeddingBackward(grads.WordEmbed.data, grads.PosEmbed.data, grads.TypeEmbed.data, gradsActs.Embedded.data, model.inputs, model.typeIDs, B, T, C)
	return nil
}
