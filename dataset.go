package bertgo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
)

// Dataset is an indexable collection of examples.
type Dataset interface {
	Len() int
	Get(i int) Example
}

// TextDataset pairs texts with labels by index.
type TextDataset struct {
	x []string
	y []int
}

func NewTextDataset(x []string, y []int) (*TextDataset, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("dataset has %d texts but %d labels", len(x), len(y))
	}
	return &TextDataset{x: x, y: y}, nil
}

func (ds *TextDataset) Len() int { return len(ds.y) }

func (ds *TextDataset) Get(i int) Example {
	return Example{Text: ds.x[i], Label: ds.y[i]}
}

// Subset views a dataset through a list of indices.
type Subset struct {
	Dataset Dataset
	Indices []int
}

func (s *Subset) Len() int { return len(s.Indices) }

func (s *Subset) Get(i int) Example { return s.Dataset.Get(s.Indices[i]) }

// RandomSplit partitions ds into non-overlapping subsets of the given lengths,
// which must sum to ds.Len().
func RandomSplit(ds Dataset, lengths []int, rng *rand.Rand) ([]*Subset, error) {
	total := 0
	for _, n := range lengths {
		if n < 0 {
			return nil, fmt.Errorf("negative split length %d", n)
		}
		total += n
	}
	if total != ds.Len() {
		return nil, fmt.Errorf("split lengths sum to %d, dataset has %d examples", total, ds.Len())
	}
	perm := rng.Perm(total)
	out := make([]*Subset, len(lengths))
	offset := 0
	for i, n := range lengths {
		out[i] = &Subset{Dataset: ds, Indices: perm[offset : offset+n]}
		offset += n
	}
	return out, nil
}

// LoadTSV reads a tab separated file with a header row, such as the NSMC
// id/document/label layout. Quotes are not special, since review text often
// opens one without closing it. Rows with an empty text are skipped.
func LoadTSV(r io.Reader, textColumn, labelColumn string) (*TextDataset, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read tsv header: %w", err)
		}
		return nil, errors.New("tsv has no header row")
	}
	header := strings.Split(strings.TrimSuffix(scanner.Text(), "\r"), "\t")
	textIdx, labelIdx := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case textColumn:
			textIdx = i
		case labelColumn:
			labelIdx = i
		}
	}
	if textIdx < 0 || labelIdx < 0 {
		return nil, fmt.Errorf("tsv header %v lacks column %q or %q", header, textColumn, labelColumn)
	}
	var x []string
	var y []int
	for line := 2; scanner.Scan(); line++ {
		raw := strings.TrimSuffix(scanner.Text(), "\r")
		if raw == "" {
			continue
		}
		record := strings.Split(raw, "\t")
		if len(record) <= max(textIdx, labelIdx) {
			return nil, fmt.Errorf("tsv line %d has %d fields", line, len(record))
		}
		text := strings.TrimSpace(record[textIdx])
		if text == "" {
			continue
		}
		label, err := strconv.Atoi(strings.TrimSpace(record[labelIdx]))
		if err != nil {
			return nil, fmt.Errorf("tsv line %d: bad label %q: %w", line, record[labelIdx], err)
		}
		x = append(x, text)
		y = append(y, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tsv: %w", err)
	}
	return NewTextDataset(x, y)
}
