//go:build !onnx

package bertgo

func cudaAvailable() bool { return false }
