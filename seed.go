package bertgo

import "math/rand"

// DefaultSeed seeds every random source of a training run.
const DefaultSeed = 7777

// NewRand returns a deterministic source. Samplers, dropout and parameter init
// each take one explicitly so runs with the same seed repeat exactly.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
