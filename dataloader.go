package bertgo

import (
	"errors"
	"io"
)

// DataLoader groups dataset examples into collated batches. The last batch of
// an epoch may be short.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	sampler    Sampler
	collate    CollateFunc
	order      []int
	position   int
	numBatches int
}

func NewDataLoader(ds Dataset, batchSize int, sampler Sampler, collate CollateFunc) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.New("error: batch size must be positive")
	}
	if collate == nil {
		return nil, errors.New("error: collate function is required")
	}
	if sampler == nil {
		sampler = SequentialSampler{N: ds.Len()}
	}
	loader := &DataLoader{
		dataset:    ds,
		batchSize:  batchSize,
		sampler:    sampler,
		collate:    collate,
		numBatches: (ds.Len() + batchSize - 1) / batchSize,
	}
	loader.Reset()
	return loader, nil
}

func (loader *DataLoader) NumBatches() int { return loader.numBatches }

func (loader *DataLoader) BatchSize() int { return loader.batchSize }

// Reset starts a new epoch, drawing a new order from the sampler.
func (loader *DataLoader) Reset() {
	loader.order = loader.sampler.Indices()
	loader.position = 0
}

// NextBatch returns io.EOF once the epoch is exhausted.
func (loader *DataLoader) NextBatch() (*Batch, error) {
	if loader.position >= len(loader.order) {
		return nil, io.EOF
	}
	end := min(loader.position+loader.batchSize, len(loader.order))
	examples := make([]Example, 0, end-loader.position)
	for _, i := range loader.order[loader.position:end] {
		examples = append(examples, loader.dataset.Get(i))
	}
	loader.position = end
	return loader.collate(examples)
}
