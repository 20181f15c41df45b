package bertgo

type tensor struct {
	data []float32
	dims []int
}

// newTensor carves a tensor of the given dims off the front of data and
// returns how many elements it consumed.
func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s],
		dims: dims,
	}, s
}

func (t tensor) size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// Parameter pairs a trainable weight slab with its gradient.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// ParameterTensors are the weights of a BERT encoder, all views into Memory.
type ParameterTensors struct {
	Memory       []float32
	WordEmbed    tensor // (V, C)
	PosEmbed     tensor // (maxT, C)
	TypeEmbed    tensor // (TV, C)
	EmbedNormW   tensor // (C)
	EmbedNormB   tensor // (C)
	QueryKeyValW tensor // (L, 3*C, C) - query, key and value rows stacked
	QueryKeyValB tensor // (L, 3*C)
	AttProjW     tensor // (L, C, C)
	AttProjB     tensor // (L, C)
	AttNormW     tensor // (L, C)
	AttNormB     tensor // (L, C)
	FeedFwdW     tensor // (L, I, C)
	FeedFwdB     tensor // (L, I)
	FeedFwdProjW tensor // (L, C, I)
	FeedFwdProjB tensor // (L, C)
	OutNormW     tensor // (L, C)
	OutNormB     tensor // (L, C)
	PoolerW      tensor // (C, C)
	PoolerB      tensor // (C)
}

func parameterSizes(cfg BERTConfig) []int {
	V, C, P, TV := cfg.VocabSize, cfg.HiddenSize, cfg.MaxPositionEmbeddings, cfg.TypeVocabSize
	L, I := cfg.NumHiddenLayers, cfg.IntermediateSize
	return []int{
		V * C,
		P * C,
		TV * C,
		C,
		C,
		L * 3 * C * C,
		L * 3 * C,
		L * C * C,
		L * C,
		L * C,
		L * C,
		L * I * C,
		L * I,
		L * C * I,
		L * C,
		L * C,
		L * C,
		C * C,
		C,
	}
}

// Init allocates Memory and lays every parameter tensor out inside it.
func (tensor *ParameterTensors) Init(cfg BERTConfig) {
	var total int
	for _, s := range parameterSizes(cfg) {
		total += s
	}
	tensor.Memory = make([]float32, total)
	V, C, P, TV := cfg.VocabSize, cfg.HiddenSize, cfg.MaxPositionEmbeddings, cfg.TypeVocabSize
	L, I := cfg.NumHiddenLayers, cfg.IntermediateSize
	var ptr int
	memPtr := tensor.Memory
	tensor.WordEmbed, ptr = newTensor(memPtr, V, C)
	memPtr = memPtr[ptr:]
	tensor.PosEmbed, ptr = newTensor(memPtr, P, C)
	memPtr = memPtr[ptr:]
	tensor.TypeEmbed, ptr = newTensor(memPtr, TV, C)
	memPtr = memPtr[ptr:]
	tensor.EmbedNormW, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	tensor.EmbedNormB, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyValW, ptr = newTensor(memPtr, L, 3*C, C)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyValB, ptr = newTensor(memPtr, L, 3*C)
	memPtr = memPtr[ptr:]
	tensor.AttProjW, ptr = newTensor(memPtr, L, C, C)
	memPtr = memPtr[ptr:]
	tensor.AttProjB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.AttNormW, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.AttNormB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdW, ptr = newTensor(memPtr, L, I, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdB, ptr = newTensor(memPtr, L, I)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjW, ptr = newTensor(memPtr, L, C, I)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.OutNormW, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.OutNormB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.PoolerW, ptr = newTensor(memPtr, C, C)
	memPtr = memPtr[ptr:]
	tensor.PoolerB, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("parameter layout does not cover memory")
	}
}

func (tensor *ParameterTensors) Len() int {
	return len(tensor.Memory)
}

// ActivationTensors hold every intermediate the backward pass needs for one
// (B, T) batch shape.
type ActivationTensors struct {
	Memory              []float32
	Embedded            tensor // (B, T, C) - word + position + type embeddings
	EmbedNormMean       tensor // (B, T)
	EmbedNormRstd       tensor // (B, T)
	EmbedNorm           tensor // (B, T, C)
	EmbedDropMask       tensor // (B, T, C)
	EmbedOut            tensor // (B, T, C) - input of layer 0
	QueryKeyVal         tensor // (L, B, T, 3*C)
	PreAttention        tensor // (L, B, NH, T, T)
	Attention           tensor // (L, B, NH, T, T)
	AttDropMask         tensor // (L, B, NH, T, T)
	AttentionInter      tensor // (L, B, T, C)
	AttentionProj       tensor // (L, B, T, C)
	AttProjDropMask     tensor // (L, B, T, C)
	AttProjDrop         tensor // (L, B, T, C)
	Residual1           tensor // (L, B, T, C) - layer input + attention projection
	AttNormMean         tensor // (L, B, T)
	AttNormRstd         tensor // (L, B, T)
	AttNormOut          tensor // (L, B, T, C)
	FeedForward         tensor // (L, B, T, I)
	FeedForwardGelu     tensor // (L, B, T, I)
	FeedForwardProj     tensor // (L, B, T, C)
	FeedFwdProjDropMask tensor // (L, B, T, C)
	FeedFwdProjDrop     tensor // (L, B, T, C)
	Residual2           tensor // (L, B, T, C)
	OutNormMean         tensor // (L, B, T)
	OutNormRstd         tensor // (L, B, T)
	LayerOut            tensor // (L, B, T, C) - hidden states after each layer
	CLS                 tensor // (B, C) - hidden state of the first token
	PoolerPre           tensor // (B, C)
	Pooled              tensor // (B, C) - pooler output
}

func (tensor *ActivationTensors) Init(cfg BERTConfig, B, T int) {
	C, L, NH, I := cfg.HiddenSize, cfg.NumHiddenLayers, cfg.NumAttentionHeads, cfg.IntermediateSize
	tensor.Memory = make([]float32,
		B*T*C+
			B*T+
			B*T+
			B*T*C+
			B*T*C+
			B*T*C+
			L*B*T*3*C+
			L*B*NH*T*T+
			L*B*NH*T*T+
			L*B*NH*T*T+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*C+
			L*B*T*I+
			L*B*T*I+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*C+
			B*C+
			B*C+
			B*C)
	var ptr int
	memPtr := tensor.Memory
	tensor.Embedded, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.EmbedNormMean, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	tensor.EmbedNormRstd, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	tensor.EmbedNorm, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.EmbedDropMask, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.EmbedOut, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyVal, ptr = newTensor(memPtr, L, B, T, 3*C)
	memPtr = memPtr[ptr:]
	tensor.PreAttention, ptr = newTensor(memPtr, L, B, NH, T, T)
	memPtr = memPtr[ptr:]
	tensor.Attention, ptr = newTensor(memPtr, L, B, NH, T, T)
	memPtr = memPtr[ptr:]
	tensor.AttDropMask, ptr = newTensor(memPtr, L, B, NH, T, T)
	memPtr = memPtr[ptr:]
	tensor.AttentionInter, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.AttentionProj, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.AttProjDropMask, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.AttProjDrop, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Residual1, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.AttNormMean, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.AttNormRstd, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.AttNormOut, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.FeedForward, ptr = newTensor(memPtr, L, B, T, I)
	memPtr = memPtr[ptr:]
	tensor.FeedForwardGelu, ptr = newTensor(memPtr, L, B, T, I)
	memPtr = memPtr[ptr:]
	tensor.FeedForwardProj, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjDropMask, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjDrop, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Residual2, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.OutNormMean, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.OutNormRstd, ptr = newTensor(memPtr, L, B, T)
	memPtr = memPtr[ptr:]
	tensor.LayerOut, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.CLS, ptr = newTensor(memPtr, B, C)
	memPtr = memPtr[ptr:]
	tensor.PoolerPre, ptr = newTensor(memPtr, B, C)
	memPtr = memPtr[ptr:]
	tensor.Pooled, ptr = newTensor(memPtr, B, C)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("activation layout does not cover memory")
	}
}

// HeadParameters are the weights of the classification head.
type HeadParameters struct {
	Memory  []float32
	HiddenW tensor // (D, H)
	HiddenB tensor // (D)
	OutputW tensor // (K, D)
	OutputB tensor // (K)
}

func (tensor *HeadParameters) Init(H, D, K int) {
	tensor.Memory = make([]float32, D*H+D+K*D+K)
	var ptr int
	memPtr := tensor.Memory
	tensor.HiddenW, ptr = newTensor(memPtr, D, H)
	memPtr = memPtr[ptr:]
	tensor.HiddenB, ptr = newTensor(memPtr, D)
	memPtr = memPtr[ptr:]
	tensor.OutputW, ptr = newTensor(memPtr, K, D)
	memPtr = memPtr[ptr:]
	tensor.OutputB, ptr = newTensor(memPtr, K)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("head layout does not cover memory")
	}
}

// HeadActivations are the per-batch intermediates of the head.
type HeadActivations struct {
	Memory      []float32
	Hidden      tensor // (B, D)
	Relu        tensor // (B, D)
	DropoutMask tensor // (B, D)
	Dropout     tensor // (B, D)
	Logits      tensor // (B, K)
}

func (tensor *HeadActivations) Init(B, D, K int) {
	tensor.Memory = make([]float32, 4*B*D+B*K)
	var ptr int
	memPtr := tensor.Memory
	tensor.Hidden, ptr = newTensor(memPtr, B, D)
	memPtr = memPtr[ptr:]
	tensor.Relu, ptr = newTensor(memPtr, B, D)
	memPtr = memPtr[ptr:]
	tensor.DropoutMask, ptr = newTensor(memPtr, B, D)
	memPtr = memPtr[ptr:]
	tensor.Dropout, ptr = newTensor(memPtr, B, D)
	memPtr = memPtr[ptr:]
	tensor.Logits, ptr = newTensor(memPtr, B, K)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("head activation layout does not cover memory")
	}
}
