package bertgo

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
)

// Tokenizer encodes one text as [CLS] tokens [SEP], without padding or
// truncation. Both are the collator's job.
type Tokenizer interface {
	Encode(text string) (ids, typeIDs []int32, err error)
	PadID() int32
}

type WordPieceOptions struct {
	Lowercase    bool
	StripAccents bool
}

// WordPiece is a BERT WordPiece tokenizer backed by sugarme/tokenizer.
type WordPiece struct {
	t        *tk.Tokenizer
	specials specialTokens
}

type specialTokens struct {
	pad, unk, cls, sep int
}

// NewWordPiece loads a BERT vocab.txt. Special token ids are found by line
// order and default to the bert-base-uncased ids when missing.
func NewWordPiece(vocabPath string, opts WordPieceOptions) (*WordPiece, error) {
	specials, err := readSpecialTokens(vocabPath)
	if err != nil {
		return nil, err
	}
	wp, err := wordpiece.NewWordPieceFromFile(vocabPath, "[UNK]")
	if err != nil {
		return nil, fmt.Errorf("failed to load vocab %s: %w", vocabPath, err)
	}
	t := tk.NewTokenizer(wp)
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, opts.StripAccents, opts.Lowercase))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	t.WithPostProcessor(processor.NewBertProcessing(
		processor.PostToken{Value: "[SEP]", Id: specials.sep},
		processor.PostToken{Value: "[CLS]", Id: specials.cls},
	))
	return &WordPiece{t: t, specials: specials}, nil
}

func readSpecialTokens(vocabPath string) (specialTokens, error) {
	s := specialTokens{pad: 0, unk: 100, cls: 101, sep: 102}
	f, err := os.Open(vocabPath)
	if err != nil {
		return s, fmt.Errorf("failed to open vocab: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for idx := 0; scanner.Scan(); idx++ {
		switch strings.TrimSpace(scanner.Text()) {
		case "[PAD]":
			s.pad = idx
		case "[UNK]":
			s.unk = idx
		case "[CLS]":
			s.cls = idx
		case "[SEP]":
			s.sep = idx
		}
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("failed to read vocab: %w", err)
	}
	return s, nil
}

func (w *WordPiece) Encode(text string) ([]int32, []int32, error) {
	enc, err := w.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(text)), true)
	if err != nil {
		return nil, nil, err
	}
	uids, utypes := enc.GetIds(), enc.GetTypeIds()
	ids := make([]int32, len(uids))
	for i, id := range uids {
		ids[i] = int32(id)
	}
	types := make([]int32, len(uids))
	for i := 0; i < len(utypes) && i < len(types); i++ {
		types[i] = int32(utypes[i])
	}
	return ids, types, nil
}

func (w *WordPiece) PadID() int32 { return int32(w.specials.pad) }

func (w *WordPiece) VocabSize() int { return w.t.GetVocabSize(true) }
