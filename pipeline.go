package bertgo

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Pipeline holds the pieces of a fine-tuning run built from a Config.
type Pipeline struct {
	Device     Device
	Tokenizer  Tokenizer
	Classifier *Classifier
	Loader     *DataLoader
	Trainer    *Trainer
}

// NewPipeline wires the dataset, tokenizer, encoder, classifier and trainer.
func NewPipeline(cfg *Config, ds Dataset, out io.Writer, log zerolog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device := SelectDevice(cfg.Model.Device, log)
	fmt.Fprintln(out, device)

	tok, err := NewWordPiece(cfg.Model.Vocab, WordPieceOptions{
		Lowercase:    cfg.Model.Lowercase,
		StripAccents: cfg.Model.StripAccents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	opts := EncoderOptions{
		Backend:    cfg.Model.Backend,
		ConfigPath: cfg.Model.ConfigFile,
		Weights:    cfg.Model.Weights,
		Device:     device,
		Seed:       cfg.Train.Seed,
		RandomInit: cfg.Model.RandomInit,
	}
	if opts.RandomInit {
		// an untrained encoder may fall back to the klue/bert-base shape
		opts.ConfigPath = existingFile(opts.ConfigPath)
	}
	enc, err := NewEncoder(opts, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	if bert, ok := enc.(*BERT); ok {
		if tok.VocabSize() > bert.Config.VocabSize {
			return nil, fmt.Errorf("%w: vocab.txt has %d tokens, encoder embeds %d", ErrShapeMismatch, tok.VocabSize(), bert.Config.VocabSize)
		}
		if cfg.Data.MaxLen > bert.Config.MaxPositionEmbeddings {
			return nil, fmt.Errorf("%w: data.max_len %d exceeds max_position_embeddings %d", ErrShapeMismatch, cfg.Data.MaxLen, bert.Config.MaxPositionEmbeddings)
		}
	}

	rng := NewRand(cfg.Train.Seed)
	clf, err := NewClassifier(enc, ClassifierOptions{
		HeadSize:      cfg.Model.HeadSize,
		NumLabels:     cfg.Model.NumLabels,
		Dropout:       cfg.Model.Dropout,
		FreezeEncoder: cfg.Model.FreezeEncoder,
	}, rng)
	if err != nil {
		return nil, err
	}
	if clf.Frozen() {
		log.Info().Msg("encoder is frozen, training the head only")
	}

	var sampler Sampler = SequentialSampler{N: ds.Len()}
	if cfg.Data.Shuffle {
		sampler = RandomSampler{N: ds.Len(), Rand: rng}
	}
	collator := &Collator{Tokenizer: tok, MaxLen: cfg.Data.MaxLen, NumLabels: cfg.Model.NumLabels}
	loader, err := NewDataLoader(ds, cfg.Train.BatchSize, sampler, collator.Collate)
	if err != nil {
		return nil, err
	}

	optimizer := NewAdamW(cfg.Train.LearningRate)
	optimizer.WeightDecay = cfg.Train.WeightDecay
	return &Pipeline{
		Device:     device,
		Tokenizer:  tok,
		Classifier: clf,
		Loader:     loader,
		Trainer: &Trainer{
			Model:     clf,
			Loss:      &CrossEntropyLoss{},
			Optimizer: optimizer,
			Out:       out,
			Log:       log,
			LogEvery:  cfg.Train.LogEvery,
		},
	}, nil
}

// Run trains for the given number of epochs and returns the last epoch's result.
func (p *Pipeline) Run(ctx context.Context, epochs int) (Result, error) {
	var result Result
	for epoch := 0; epoch < epochs; epoch++ {
		p.Trainer.Log.Info().
			Int("epoch", epoch).
			Int("batches", p.Loader.NumBatches()).
			Int("batch_size", p.Loader.BatchSize()).
			Msg("starting epoch")
		r, err := p.Trainer.Train(ctx, p.Loader)
		if err != nil {
			return result, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		result = r
	}
	return result, nil
}

func existingFile(path string) string {
	if path == "" {
		return ""
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return ""
	}
	return path
}

// LoadDataset reads cfg.Data.Path as TSV and applies cfg.Data.Limit.
func LoadDataset(cfg *Config) (Dataset, error) {
	f, err := os.Open(cfg.Data.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	ds, err := LoadTSV(f, cfg.Data.TextColumn, cfg.Data.LabelColumn)
	if err != nil {
		return nil, err
	}
	if cfg.Data.Limit > 0 && cfg.Data.Limit < ds.Len() {
		idx := SequentialSampler{N: cfg.Data.Limit}.Indices()
		return &Subset{Dataset: ds, Indices: idx}, nil
	}
	return ds, nil
}
