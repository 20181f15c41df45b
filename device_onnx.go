//go:build onnx

package bertgo

import ort "github.com/yalue/onnxruntime_go"

// cudaAvailable reports whether ONNX Runtime was built with the CUDA provider.
func cudaAvailable() bool {
	if err := initONNXRuntime(); err != nil {
		return false
	}
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return false
	}
	opts.Destroy()
	return true
}
