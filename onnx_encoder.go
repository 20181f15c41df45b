//go:build onnx

package bertgo

import (
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

func initONNXRuntime() error {
	if ort.IsInitialized() {
		return nil
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

// ONNXEncoder runs an exported BERT graph through ONNX Runtime. It is
// inference only, so the classifier trains just its head on top of it.
type ONNXEncoder struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	hiddenSize int
}

// NewONNXEncoder opens modelPath and probes its input and output names.
func NewONNXEncoder(modelPath string, device Device) (*ONNXEncoder, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("onnx model path is required")
	}
	if err := initONNXRuntime(); err != nil {
		return nil, err
	}
	ins, outs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("get IO info: %w", err)
	}
	var inputNames []string
	for _, ii := range ins {
		n := strings.ToLower(ii.Name)
		if strings.Contains(n, "input_ids") || strings.Contains(n, "attention_mask") || strings.Contains(n, "token_type") {
			inputNames = append(inputNames, ii.Name)
		}
	}
	if len(inputNames) == 0 {
		return nil, fmt.Errorf("could not determine ONNX input names")
	}

	enc := &ONNXEncoder{inputNames: inputNames}
	// pooler_output when exported, otherwise the first float output
	for _, oi := range outs {
		if oi.DataType != ort.TensorElementDataTypeFloat {
			continue
		}
		if enc.outputName == "" || strings.Contains(strings.ToLower(oi.Name), "pooler") {
			enc.outputName = oi.Name
			if dims := oi.Dimensions; len(dims) > 0 {
				enc.hiddenSize = int(dims[len(dims)-1])
			}
		}
	}
	if enc.outputName == "" {
		return nil, fmt.Errorf("could not determine ONNX output name")
	}

	var opts *ort.SessionOptions
	if device.Kind == CUDA {
		if o, e := ort.NewSessionOptions(); e == nil {
			if cu, e2 := ort.NewCUDAProviderOptions(); e2 == nil {
				_ = o.AppendExecutionProviderCUDA(cu)
				_ = cu.Destroy()
			}
			opts = o
		}
	}
	s, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{enc.outputName}, opts)
	if opts != nil {
		_ = opts.Destroy()
	}
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	enc.session = s
	return enc, nil
}

func (enc *ONNXEncoder) Forward(batch *Batch) ([]float32, error) {
	B, T := batch.B, batch.T
	shape := ort.NewShape(int64(B), int64(T))
	inVals := make([]ort.Value, len(enc.inputNames))
	for i, name := range enc.inputNames {
		n := strings.ToLower(name)
		src := batch.InputIDs
		switch {
		case strings.Contains(n, "attention_mask"):
			src = batch.AttentionMask
		case strings.Contains(n, "token_type"):
			src = batch.TokenTypeIDs
		}
		vals := make([]int64, B*T)
		for j := range src {
			vals[j] = int64(src[j])
		}
		t, err := ort.NewTensor(shape, vals)
		if err != nil {
			return nil, fmt.Errorf("%s tensor: %w", name, err)
		}
		defer t.Destroy()
		inVals[i] = t
	}
	outs := []ort.Value{nil}
	if err := enc.session.Run(inVals, outs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer outs[0].Destroy()
	t, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type")
	}
	data, dims := t.GetData(), t.GetShape()
	var pooled []float32
	switch len(dims) {
	case 2: // (B, H) pooler output
		pooled = append([]float32(nil), data...)
	case 3: // (B, T, H) hidden states, take [CLS]
		H := int(dims[2])
		pooled = make([]float32, B*H)
		for b := 0; b < B; b++ {
			copy(pooled[b*H:(b+1)*H], data[b*T*H:b*T*H+H])
		}
	default:
		return nil, fmt.Errorf("%w: unexpected output rank %d", ErrShapeMismatch, len(dims))
	}
	enc.hiddenSize = int(dims[len(dims)-1])
	return pooled, nil
}

func (enc *ONNXEncoder) Backward(dpooled []float32) error { return ErrFrozenEncoder }

func (enc *ONNXEncoder) ZeroGradient() {}

func (enc *ONNXEncoder) Parameters() []Parameter { return nil }

func (enc *ONNXEncoder) HiddenSize() int { return enc.hiddenSize }

func (enc *ONNXEncoder) Trainable() bool { return false }

// SetTraining is a no-op, the exported graph runs in inference mode.
func (enc *ONNXEncoder) SetTraining(bool) {}

func (enc *ONNXEncoder) Close() error { return enc.session.Destroy() }
