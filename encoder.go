package bertgo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrBackendUnavailable is returned when an encoder backend was not compiled in.
	ErrBackendUnavailable = errors.New("encoder backend not available")
	// ErrFrozenEncoder is returned when a backward pass reaches an encoder that cannot train.
	ErrFrozenEncoder = errors.New("encoder is frozen")
	// ErrShapeMismatch is returned when a buffer does not match the batch shape.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Encoder turns a padded batch into one pooled vector per row.
type Encoder interface {
	// Forward returns the pooler output, (B, HiddenSize), row-major.
	Forward(batch *Batch) ([]float32, error)
	// Backward takes the gradient of the loss with respect to the pooler
	// output of the last Forward and accumulates parameter gradients.
	Backward(dpooled []float32) error
	ZeroGradient()
	Parameters() []Parameter
	HiddenSize() int
	Trainable() bool
	// SetTraining toggles the encoder's own dropout.
	SetTraining(training bool)
}

// EncoderOptions select and locate an encoder.
type EncoderOptions struct {
	Backend    string // "native" or "onnx"
	ConfigPath string // HuggingFace config.json
	Weights    string // model.safetensors, a bertgo checkpoint, or an .onnx graph
	Device     Device
	Seed       int64
	// RandomInit builds an untrained native encoder instead of loading Weights
	RandomInit bool
}

// NewEncoder builds the encoder named by opts.Backend.
func NewEncoder(opts EncoderOptions, log zerolog.Logger) (Encoder, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "native":
		cfg := DefaultBERTConfig()
		if opts.ConfigPath != "" {
			if err := requireFile("bert config", opts.ConfigPath); err != nil {
				return nil, err
			}
			c, err := LoadBERTConfig(opts.ConfigPath)
			if err != nil {
				return nil, err
			}
			cfg = c
		}
		if opts.RandomInit {
			log.Warn().Msg("random_init is set, encoder is randomly initialised")
			return NewBERT(cfg, NewRand(opts.Seed))
		}
		if opts.Weights == "" {
			return nil, errors.New("no pretrained weights configured, set model.weights or model.random_init")
		}
		if err := requireFile("pretrained weights", opts.Weights); err != nil {
			return nil, err
		}
		model, err := LoadBERTModel(opts.Weights, cfg, NewRand(opts.Seed))
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("weights", opts.Weights).
			Int("num_parameters", model.Params.Len()).
			Msg("loaded pretrained encoder")
		return model, nil
	case "onnx":
		if err := requireFile("onnx model", opts.Weights); err != nil {
			return nil, err
		}
		enc, err := NewONNXEncoder(opts.Weights, opts.Device)
		if err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unknown encoder backend %q", opts.Backend)
	}
}

// requireFile fails with an error wrapping fs.ErrNotExist when path is missing.
func requireFile(kind, path string) error {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s not found, run `bertgo init` or fix the path: %w", kind, path, fs.ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, path, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%s %s is a directory", kind, path)
	}
	return nil
}
