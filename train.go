package bertgo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// ErrEmptyLoader is returned when a loader yields no batches.
var ErrEmptyLoader = errors.New("data loader is empty")

// Model is what the trainer drives; Classifier implements it.
type Model interface {
	Forward(batch *Batch) ([]float32, error)
	Backward(dlogits []float32) error
	ZeroGradient()
	Parameters() []Parameter
	SetTraining(training bool)
}

// BatchIterator yields batches until io.EOF.
type BatchIterator interface {
	NextBatch() (*Batch, error)
	Reset()
}

type Trainer struct {
	Model     Model
	Loss      *CrossEntropyLoss
	Optimizer *AdamW
	// Out receives the progress lines, nothing is printed when nil
	Out io.Writer
	Log zerolog.Logger
	// LogEvery is the report interval in steps, 10 when zero
	LogEvery int
}

// Result summarises one pass over the loader.
type Result struct {
	Steps    int
	MeanLoss float64
	Losses   []float64
}

// Train runs one epoch: for every batch it zeroes gradients, runs the forward
// pass, computes the loss, backpropagates and steps the optimizer. Every
// LogEvery steps (counting from zero, step zero excluded) it prints the average
// loss since the previous report.
func (tr *Trainer) Train(ctx context.Context, loader BatchIterator) (Result, error) {
	logEvery := tr.LogEvery
	if logEvery <= 0 {
		logEvery = 10
	}
	loss := tr.Loss
	if loss == nil {
		loss = &CrossEntropyLoss{}
	}
	out := tr.Out
	if out == nil {
		out = io.Discard
	}
	tr.Model.SetTraining(true)
	loader.Reset()

	var (
		window LossWindow
		result Result
		total  float64
		step   int
	)
	start := time.Now()
	for step = 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := loader.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("step %d: failed to load batch: %w", step, err)
		}
		value, err := tr.step(loss, batch)
		if err != nil {
			return result, fmt.Errorf("step %d: %w", step, err)
		}
		window.Record(value)
		total += value
		result.Losses = append(result.Losses, value)
		tr.Log.Debug().Int("step", step).Int("batch_size", batch.B).Int("seq_len", batch.T).Float64("loss", value).Msg("train step")

		if step%logEvery == 0 && step != 0 {
			fmt.Fprintf(out, "Step : %d, Avg Loss : %.4f\n", step, window.Snapshot())
		}
	}
	if step == 0 {
		return result, ErrEmptyLoader
	}
	result.Steps = step
	result.MeanLoss = total / float64(step)
	fmt.Fprintf(out, "Mean Loss : %.4f\n", result.MeanLoss)
	fmt.Fprintln(out, "Train Finished")
	tr.Log.Info().
		Int("steps", result.Steps).
		Float64("mean_loss", result.MeanLoss).
		Dur("elapsed", time.Since(start)).
		Msg("epoch finished")
	return result, nil
}

func (tr *Trainer) step(loss *CrossEntropyLoss, batch *Batch) (float64, error) {
	tr.Model.ZeroGradient()
	logits, err := tr.Model.Forward(batch)
	if err != nil {
		return 0, err
	}
	value, err := loss.Forward(logits, batch.Labels, batch.B, len(logits)/batch.B)
	if err != nil {
		return 0, err
	}
	if err := tr.Model.Backward(loss.Backward()); err != nil {
		return 0, err
	}
	tr.Optimizer.Step(tr.Model.Parameters())
	return float64(value), nil
}
