package bertgo

import "math/rand"

// Sampler yields the example order of one epoch.
type Sampler interface {
	Indices() []int
}

type SequentialSampler struct {
	N int
}

func (s SequentialSampler) Indices() []int {
	idx := make([]int, s.N)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// RandomSampler draws a fresh permutation on every call.
type RandomSampler struct {
	N    int
	Rand *rand.Rand
}

func (s RandomSampler) Indices() []int {
	return s.Rand.Perm(s.N)
}
