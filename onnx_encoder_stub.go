//go:build !onnx

package bertgo

import "fmt"

// NewONNXEncoder is unavailable without the onnx build tag.
func NewONNXEncoder(modelPath string, device Device) (Encoder, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags=onnx to use %s", ErrBackendUnavailable, modelPath)
}
