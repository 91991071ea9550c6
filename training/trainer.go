package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tsawler/go-cnn/optimizer"
	"github.com/tsawler/go-cnn/tensor"
)

// Model is the trainable network driven by the Trainer
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Train()
	Eval()
	Weights() []*tensor.Tensor
	Gradients() []*tensor.Tensor
}

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	NumClasses   int
	Optimizer    string  // adam, sgd or rmsprop
	LearningRate float32 // Base learning rate
	Scheduler    LRScheduler
	Logger       *slog.Logger
	Progress     io.Writer // Per-batch progress bar output, nil to disable
}

// Trainer manages the training process
type Trainer struct {
	config    TrainingConfig
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	logger    *slog.Logger
	step      int
}

// NewTrainer creates a new Trainer. An unknown optimizer name falls back to
// adam.
func NewTrainer(config TrainingConfig) (*Trainer, error) {
	if config.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", config.NumClasses)
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scheduler := config.Scheduler
	if scheduler == nil {
		scheduler = optimizer.FixedLR{Rate: float64(config.LearningRate)}
	}

	return &Trainer{
		config:    config,
		optimizer: optimizer.New(config.Optimizer, config.LearningRate, logger),
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

// Optimizer returns the optimizer in use
func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.optimizer
}

// Fit trains model for the given number of epochs and returns the per-epoch
// history. ctx is checked between batches.
func (t *Trainer) Fit(ctx context.Context, model Model, trainLoader, valLoader Loader, epochs int) (*History, error) {
	history := &History{Epochs: make([]EpochResult, 0, max(epochs, 0))}

	t.logger.Info("starting training",
		"epochs", epochs,
		"optimizer", t.optimizer.Name(),
		"scheduler", t.scheduler.GetName(),
		"train_batches", trainLoader.Len(),
	)

	for epoch := 1; epoch <= epochs; epoch++ {
		result, confusion, err := t.runEpoch(ctx, model, trainLoader, valLoader, epoch)
		if err != nil {
			return history, err
		}
		history.Epochs = append(history.Epochs, result)
		if confusion != nil {
			history.Confusion = confusion
		}

		t.logger.Info("epoch complete",
			"epoch", result.Epoch,
			"train_loss", result.TrainLoss,
			"train_acc", result.TrainAcc,
			"val_loss", result.ValLoss,
			"val_acc", result.ValAcc,
			"duration", result.Duration.Round(time.Millisecond),
		)
	}

	return history, nil
}

// runEpoch runs one training pass and one validation pass
func (t *Trainer) runEpoch(ctx context.Context, model Model, trainLoader, valLoader Loader, epoch int) (EpochResult, *[2][2]int, error) {
	start := time.Now()

	trainLoss, trainAcc, err := t.trainEpoch(ctx, model, trainLoader, epoch)
	if err != nil {
		return EpochResult{}, nil, fmt.Errorf("training epoch %d failed: %w", epoch, err)
	}

	var valLoss, valAcc float64
	var confusion *[2][2]int
	if valLoader != nil {
		var cm *ConfusionMatrix
		valLoss, valAcc, cm, err = t.Evaluate(ctx, model, valLoader)
		if err != nil {
			return EpochResult{}, nil, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
		}
		if m, ok := cm.Binary(); ok {
			confusion = &m
		}
	}

	return EpochResult{
		Epoch:     epoch,
		TrainLoss: trainLoss,
		TrainAcc:  trainAcc,
		ValLoss:   valLoss,
		ValAcc:    valAcc,
		Duration:  time.Since(start),
	}, confusion, nil
}

// trainEpoch runs forward, backward and an optimizer step for every batch
func (t *Trainer) trainEpoch(ctx context.Context, model Model, loader Loader, epoch int) (float64, float64, error) {
	model.Train()
	loader.Reset()

	var bar *ProgressBar
	if t.config.Progress != nil {
		bar = NewProgressBar(t.config.Progress, fmt.Sprintf("Epoch %d", epoch), loader.Len())
	}

	var totalLoss float64
	var correct, seen, batchIdx int

	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		batchLoss, batchCorrect, batchSize, err := t.trainBatch(model, loader, epoch)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		batchIdx++

		totalLoss += batchLoss * float64(batchSize)
		correct += batchCorrect
		seen += batchSize

		if bar != nil {
			bar.Update(batchIdx, map[string]float64{
				"loss": totalLoss / float64(seen),
				"acc":  float64(correct) / float64(seen),
			})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if seen == 0 {
		return 0, 0, nil
	}
	return totalLoss / float64(seen), float64(correct) / float64(seen), nil
}

func (t *Trainer) trainBatch(model Model, loader Loader, epoch int) (float64, int, int, error) {
	batch, err := loader.Next()
	if err != nil {
		return 0, 0, 0, err
	}
	if batch == nil {
		return 0, 0, 0, nil
	}
	defer batch.Release()

	batchSize := batch.Size()
	labels, err := NormalizeLabels(batch.Labels, batchSize)
	if err != nil {
		return 0, 0, 0, err
	}

	logits, err := model.Forward(batch.Data)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, grad, err := SoftmaxCrossEntropy(logits, labels)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("loss computation failed: %w", err)
	}

	correct, _, err := CountCorrect(logits, labels)
	if err != nil {
		return 0, 0, 0, err
	}

	if _, err := model.Backward(grad); err != nil {
		return 0, 0, 0, fmt.Errorf("backward pass failed: %w", err)
	}

	lr := t.scheduler.GetLR(epoch, t.step, float64(t.config.LearningRate))
	t.optimizer.UpdateLearningRate(float32(lr))
	if err := t.optimizer.Step(model.Weights(), model.Gradients()); err != nil {
		return 0, 0, 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	t.step++

	return loss, correct, batchSize, nil
}

// Evaluate runs model in eval mode over loader and returns the mean loss,
// accuracy and confusion matrix. An empty loader yields zeros.
func (t *Trainer) Evaluate(ctx context.Context, model Model, loader Loader) (float64, float64, *ConfusionMatrix, error) {
	model.Eval()
	loader.Reset()
	cm := NewConfusionMatrix(t.config.NumClasses)

	var totalLoss float64
	var correct, seen int

	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return 0, 0, nil, err
		}

		loss, batchCorrect, batchSize, err := t.evalBatch(model, loader, cm)
		if err != nil {
			return 0, 0, nil, err
		}
		totalLoss += loss * float64(batchSize)
		correct += batchCorrect
		seen += batchSize
	}

	if seen == 0 {
		return 0, 0, cm, nil
	}
	return totalLoss / float64(seen), float64(correct) / float64(seen), cm, nil
}

func (t *Trainer) evalBatch(model Model, loader Loader, cm *ConfusionMatrix) (float64, int, int, error) {
	batch, err := loader.Next()
	if err != nil {
		return 0, 0, 0, err
	}
	if batch == nil {
		return 0, 0, 0, nil
	}
	defer batch.Release()

	batchSize := batch.Size()
	labels, err := NormalizeLabels(batch.Labels, batchSize)
	if err != nil {
		return 0, 0, 0, err
	}

	logits, err := model.Forward(batch.Data)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, _, err := SoftmaxCrossEntropy(logits, labels)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("loss computation failed: %w", err)
	}

	correct, preds, err := CountCorrect(logits, labels)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := cm.Update(preds, labels); err != nil {
		return 0, 0, 0, err
	}

	return loss, correct, batchSize, nil
}
