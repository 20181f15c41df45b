package bertgo

import (
	"strings"

	"github.com/rs/zerolog"
)

type DeviceKind string

const (
	CPU  DeviceKind = "cpu"
	CUDA DeviceKind = "cuda"
)

// Device is where the encoder runs. The native backend is CPU only; the onnx
// backend may use CUDA through ONNX Runtime.
type Device struct {
	Kind DeviceKind
	ID   int
}

func (d Device) String() string { return string(d.Kind) }

// SelectDevice resolves "auto", "cpu" or "cuda" to a usable device, falling
// back to CPU when CUDA is not available.
func SelectDevice(preference string, log zerolog.Logger) Device {
	pref := strings.ToLower(strings.TrimSpace(preference))
	device := Device{Kind: CPU}
	switch pref {
	case "cpu":
	case "", "auto", "cuda":
		if cudaAvailable() {
			device.Kind = CUDA
		} else if pref == "cuda" {
			log.Warn().Msg("cuda requested but not available, using cpu")
		}
	default:
		log.Warn().Str("device", preference).Msg("unknown device, using cpu")
	}
	log.Info().Stringer("device", device).Msg("selected device")
	return device
}
