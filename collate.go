package bertgo

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBatch is returned when a collate function receives no examples.
	ErrEmptyBatch = errors.New("empty batch")
	// ErrInvalidLabel is returned for labels outside [0, NumLabels).
	ErrInvalidLabel = errors.New("invalid label")
)

// Example is one labeled text.
type Example struct {
	Text  string
	Label int
}

// Batch is a padded, row-major group of tokenized examples.
type Batch struct {
	InputIDs      []int32 // (B, T)
	TokenTypeIDs  []int32 // (B, T)
	AttentionMask []int32 // (B, T), 1 for real tokens
	Labels        []int32 // (B)
	B             int
	T             int
}

// CollateFunc turns a slice of examples into one batch.
type CollateFunc func(examples []Example) (*Batch, error)

// Collator tokenizes examples and pads them to the longest row of the batch.
type Collator struct {
	Tokenizer Tokenizer
	// MaxLen caps the sequence length, zero means no cap
	MaxLen    int
	NumLabels int
}

// NewCollator returns a collator for binary labels.
func NewCollator(tok Tokenizer, maxLen int) *Collator {
	return &Collator{Tokenizer: tok, MaxLen: maxLen, NumLabels: 2}
}

func (c *Collator) Collate(examples []Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, ErrEmptyBatch
	}
	numLabels := c.NumLabels
	if numLabels == 0 {
		numLabels = 2
	}
	ids := make([][]int32, len(examples))
	types := make([][]int32, len(examples))
	labels := make([]int32, len(examples))
	T := 0
	for i, ex := range examples {
		if ex.Label < 0 || ex.Label >= numLabels {
			return nil, fmt.Errorf("%w: example %d has label %d, want [0, %d)", ErrInvalidLabel, i, ex.Label, numLabels)
		}
		labels[i] = int32(ex.Label)
		tokens, typeIDs, err := c.Tokenizer.Encode(ex.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize example %d: %w", i, err)
		}
		tokens, typeIDs = truncate(tokens, typeIDs, c.MaxLen)
		ids[i], types[i] = tokens, typeIDs
		T = max(T, len(tokens))
	}
	if T == 0 {
		return nil, fmt.Errorf("%w: every example tokenized to nothing", ErrEmptyBatch)
	}

	B := len(examples)
	batch := &Batch{
		InputIDs:      make([]int32, B*T),
		TokenTypeIDs:  make([]int32, B*T),
		AttentionMask: make([]int32, B*T),
		Labels:        labels,
		B:             B,
		T:             T,
	}
	pad := c.Tokenizer.PadID()
	for b := 0; b < B; b++ {
		row := batch.InputIDs[b*T : (b+1)*T]
		n := copy(row, ids[b])
		for t := n; t < T; t++ {
			row[t] = pad
		}
		if types[b] != nil {
			copy(batch.TokenTypeIDs[b*T:b*T+n], types[b])
		}
		mask := batch.AttentionMask[b*T : (b+1)*T]
		for t := 0; t < n; t++ {
			mask[t] = 1
		}
	}
	return batch, nil
}

// truncate keeps the first maxLen-1 tokens and the final one, which is [SEP]
// for tokenizer output.
func truncate(ids, typeIDs []int32, maxLen int) ([]int32, []int32) {
	if maxLen <= 0 || len(ids) <= maxLen {
		return ids, typeIDs
	}
	last := len(ids) - 1
	out := append(ids[:maxLen-1:maxLen-1], ids[last])
	if typeIDs == nil {
		return out, nil
	}
	outTypes := append(typeIDs[:maxLen-1:maxLen-1], typeIDs[last])
	return out, outTypes
}
