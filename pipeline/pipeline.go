// Package pipeline runs one end-to-end training run: dataset preparation,
// training, model persistence and optional activation export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tsawler/go-cnn/async"
	"github.com/tsawler/go-cnn/checkpoints"
	"github.com/tsawler/go-cnn/config"
	"github.com/tsawler/go-cnn/engine"
	"github.com/tsawler/go-cnn/layers"
	"github.com/tsawler/go-cnn/training"
	"github.com/tsawler/go-cnn/vision/dataloader"
	"github.com/tsawler/go-cnn/vision/dataset"
	"github.com/tsawler/go-cnn/vision/preprocessing"
	"github.com/tsawler/go-cnn/visualization"
)

// Files written next to the saved model
const (
	HistoryFile       = "history.json"
	ConfusionFile     = "confusion.json"
	ConfusionImage    = "confusion.png"
	ActivationsSubdir = "activations"
)

// Options carries the collaborators of a run that are not part of RunConfig
type Options struct {
	Logger *slog.Logger
	// Progress receives the per-batch progress bar, nil disables it
	Progress io.Writer
	// Now is the run clock, nil uses time.Now
	Now func() time.Time
}

// Result describes what a run produced
type Result struct {
	Setting     config.Setting
	Dataset     *dataset.PrepareResult
	Classes     []string
	History     *training.History
	ModelDir    string
	Activations []string
}

// Run executes the pipeline described by cfg
func Run(ctx context.Context, cfg config.RunConfig, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		return nil, err
	}
	setting, err := settings.Get(cfg.Setting)
	if err != nil {
		return nil, err
	}
	logger.Info("using setting", "setting", setting.String())

	prepared, err := dataset.Prepare(ctx, dataset.PrepareOptions{
		RawRoot:     cfg.RawRoot,
		OutputRoot:  cfg.DatasetsRoot,
		RunTag:      config.RunTag(now()),
		ValFraction: cfg.ValSplit,
		Seed:        cfg.Seed,
		TargetSize:  cfg.ImageSize,
		Grayscale:   cfg.Grayscale,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dataset: %w", err)
	}

	trainSet, err := dataset.NewImageFolderDataset(prepared.TrainRoot, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list training images: %w", err)
	}
	valSet, err := dataset.NewImageFolderDataset(prepared.ValRoot, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation images: %w", err)
	}
	classes := trainSet.ClassNames()
	logger.Info("classes", "classes", classes, "train", trainSet.Len(), "val", valSet.Len())

	trainLoader, valLoader, err := dataloader.CreateSharedDataLoaders(trainSet, valSet, dataloader.Config{
		BatchSize:    setting.BatchSize,
		ImageSize:    cfg.ImageSize,
		Grayscale:    cfg.Grayscale,
		Seed:         cfg.Seed,
		ShuffleTrain: cfg.ShuffleTrain,
		MaxCacheSize: cfg.CacheSize,
	})
	if err != nil {
		return nil, err
	}

	inputShape := []int{setting.BatchSize, 3, cfg.ImageSize, cfg.ImageSize}
	spec, err := layers.BuildFromSetting(setting, len(classes), inputShape, layers.BuildOptions{Taps: cfg.SaveActivations})
	if err != nil {
		return nil, err
	}
	logger.Debug("model built", "summary", spec.Summary())
	logger.Info("model built", "layers", len(spec.Layers), "parameters", spec.TotalParameters)

	model, err := engine.NewModel(spec, engine.Options{Seed: cfg.Seed})
	if err != nil {
		return nil, err
	}

	trainer, err := training.NewTrainer(training.TrainingConfig{
		NumClasses:   len(classes),
		Optimizer:    setting.Optimizer,
		LearningRate: setting.LearningRate,
		Logger:       logger,
		Progress:     opts.Progress,
	})
	if err != nil {
		return nil, err
	}
	var trainBatches, valBatches training.Loader = trainLoader, valLoader
	if cfg.Prefetch > 0 {
		trainPrefetch, err := async.NewPrefetchLoader(trainLoader, async.Config{PrefetchDepth: cfg.Prefetch})
		if err != nil {
			return nil, err
		}
		defer trainPrefetch.Close()
		valPrefetch, err := async.NewPrefetchLoader(valLoader, async.Config{PrefetchDepth: cfg.Prefetch})
		if err != nil {
			return nil, err
		}
		defer valPrefetch.Close()
		trainBatches, valBatches = trainPrefetch, valPrefetch
	}

	history, err := trainer.Fit(ctx, model, trainBatches, valBatches, cfg.Epochs)
	if err != nil {
		return nil, err
	}

	persister := checkpoints.NewPersister(cfg.OutputRoot, logger)
	persister.Now = now
	persister.State = checkpoints.TrainingState{
		Epochs:       history.Len(),
		LearningRate: setting.LearningRate,
		Optimizer:    trainer.Optimizer().Name(),
	}
	if last, ok := history.Last(); ok {
		persister.State.FinalLoss = last.TrainLoss
		persister.State.FinalValAcc = last.ValAcc
	}
	modelDir, err := persister.Save(model, setting.Name, classes)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Setting:  setting,
		Dataset:  prepared,
		Classes:  classes,
		History:  history,
		ModelDir: modelDir,
	}

	if err := writeMetrics(modelDir, history, classes); err != nil {
		return result, err
	}

	if cfg.SaveActivations {
		files, err := ExportActivations(model, valSet, cfg.VizLayers, ExportOptions{
			OutDir:    filepath.Join(modelDir, ActivationsSubdir),
			ImageSize: cfg.ImageSize,
			Grayscale: cfg.Grayscale,
			Tile:      cfg.TileSize,
			Logger:    logger,
		})
		if err != nil {
			return result, err
		}
		result.Activations = files
	}

	logger.Info("run complete", "model_dir", modelDir, "epochs", history.Len())
	return result, nil
}

// writeMetrics stores the epoch history and, for binary problems, the
// confusion matrix as JSON and PNG
func writeMetrics(dir string, history *training.History, classes []string) error {
	if err := history.SaveJSON(filepath.Join(dir, HistoryFile)); err != nil {
		return err
	}
	if len(classes) != 2 || history.Confusion == nil {
		return nil
	}

	report, err := training.NewConfusionReport(*history.Confusion, classes)
	if err != nil {
		return err
	}
	if err := report.SaveJSON(filepath.Join(dir, ConfusionFile)); err != nil {
		return err
	}
	return visualization.SaveConfusionMatrix2x2(*history.Confusion, [2]string{classes[0], classes[1]}, filepath.Join(dir, ConfusionImage))
}

// ExportOptions configures ExportActivations
type ExportOptions struct {
	OutDir    string
	ImageSize int
	Grayscale bool
	Tile      int
	Logger    *slog.Logger
}

// ExportActivations runs the first validation image of every class through
// model and writes <class>_<layer>.png for each requested layer. Classes
// without images and layers the model does not capture are skipped with a
// warning.
func ExportActivations(model *engine.Model, images *dataset.ImageFolderDataset, layerNames []string, opts ExportOptions) ([]string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(model.TapNames()) == 0 {
		return nil, fmt.Errorf("model was built without activation taps")
	}
	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create activation directory: %w", err)
	}

	classes := images.ClassNames()
	var indices []int
	for class, idx := range images.FirstOfEachClass() {
		if idx < 0 {
			logger.Warn("no validation image for class, skipping", "class", classes[class])
			continue
		}
		indices = append(indices, idx)
	}
	exemplars := images.Subset(indices)
	paths := make([]string, exemplars.Len())
	labels := make([]int, exemplars.Len())
	for i := range paths {
		path, label, err := exemplars.GetItem(i)
		if err != nil {
			return nil, err
		}
		paths[i], labels[i] = path, label
	}
	inputs, err := preprocessing.PreprocessBatch(paths, opts.ImageSize, opts.Grayscale, runtime.NumCPU())
	if err != nil {
		return nil, fmt.Errorf("failed to load exemplar images: %w", err)
	}

	wasTraining := model.IsTraining()
	model.Eval()
	defer func() {
		if wasTraining {
			model.Train()
		}
	}()

	var written []string
	for i, x := range inputs {
		class := labels[i]
		batch, err := x.Reshape(append([]int{1}, x.Shape...))
		if err != nil {
			return written, err
		}

		model.Registry().Reset()
		if _, err := model.Forward(batch); err != nil {
			return written, fmt.Errorf("forward failed for %s: %w", paths[i], err)
		}
		snapshot := model.Activations()

		for _, layer := range layerNames {
			out := filepath.Join(opts.OutDir, classes[class]+"_"+layer+".png")
			err := visualization.ExportActivation(snapshot, layer, out, opts.Tile)
			if errors.Is(err, visualization.ErrNoActivation) {
				logger.Warn("skipping activation export", "layer", layer, "error", err)
				continue
			}
			if err != nil {
				return written, err
			}
			written = append(written, out)
		}
	}

	logger.Info("activations exported", "dir", opts.OutDir, "files", len(written))
	return written, nil
}
