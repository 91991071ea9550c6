// Command cnntrain prepares an image-folder dataset, trains a CNN described
// by a named hyperparameter setting and saves the trained model.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tsawler/go-cnn/config"
	"github.com/tsawler/go-cnn/pipeline"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "cnntrain: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("cnntrain", flag.ContinueOnError)
	configPath := fs.String("config", "", "Run configuration JSON file")
	verbose := fs.Bool("v", false, "Verbose (debug) logging")
	quiet := fs.Bool("quiet", false, "Disable the per-batch progress bar")
	flags := newOverrideFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.LoadRunConfig(*configPath)
	if err != nil {
		return err
	}
	if err := flags.apply(fs, &cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.Options{Logger: logger}
	if !*quiet {
		opts.Progress = os.Stdout
	}
	result, err := pipeline.Run(ctx, cfg, opts)
	if err != nil {
		return err
	}

	if best, ok := result.History.BestEpoch(); ok {
		logger.Info("best epoch", "epoch", best.Epoch, "val_acc", best.ValAcc, "val_loss", best.ValLoss)
	}
	fmt.Println(result.ModelDir)
	return nil
}

// overrideFlags holds the command line values that replace run config
// fields when given explicitly
type overrideFlags struct {
	setting         *string
	settingsFile    *string
	raw             *string
	datasetsRoot    *string
	outputRoot      *string
	val             *float64
	seed            *int64
	epochs          *int
	img             *int
	grayscale       *bool
	shuffle         *bool
	saveActivations *bool
	vizLayers       *string
	tile            *int
	cacheSize       *int
	prefetch        *int
}

func newOverrideFlags(fs *flag.FlagSet) *overrideFlags {
	d := config.DefaultRunConfig()
	return &overrideFlags{
		setting:         fs.String("setting", d.Setting, "Setting name from the settings file"),
		settingsFile:    fs.String("settings", d.SettingsFile, "Settings JSON file"),
		raw:             fs.String("raw", d.RawRoot, "Raw image root with one folder per class"),
		datasetsRoot:    fs.String("datasets", d.DatasetsRoot, "Root for prepared datasets"),
		outputRoot:      fs.String("out", d.OutputRoot, "Root for saved models"),
		val:             fs.Float64("val", d.ValSplit, "Validation fraction per class"),
		seed:            fs.Int64("seed", d.Seed, "Random seed"),
		epochs:          fs.Int("epochs", d.Epochs, "Number of training epochs"),
		img:             fs.Int("img", d.ImageSize, "Square image size"),
		grayscale:       fs.Bool("grayscale", d.Grayscale, "Grayscale appearance (3 equal channels)"),
		shuffle:         fs.Bool("shuffle", d.ShuffleTrain, "Shuffle the training set every epoch"),
		saveActivations: fs.Bool("save-activations", d.SaveActivations, "Export activations after training"),
		vizLayers:       fs.String("viz-layers", strings.Join(d.VizLayers, ","), "Comma-separated tap names to export"),
		tile:            fs.Int("tile", d.TileSize, "Tile size of exported feature maps"),
		cacheSize:       fs.Int("cache", d.CacheSize, "Number of decoded images to cache, 0 disables"),
		prefetch:        fs.Int("prefetch", d.Prefetch, "Batches to load ahead in the background, 0 disables"),
	}
}

// apply copies every flag set on the command line into cfg
func (o *overrideFlags) apply(fs *flag.FlagSet, cfg *config.RunConfig) error {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "setting":
			cfg.Setting = *o.setting
		case "settings":
			cfg.SettingsFile = *o.settingsFile
		case "raw":
			cfg.RawRoot = *o.raw
		case "datasets":
			cfg.DatasetsRoot = *o.datasetsRoot
		case "out":
			cfg.OutputRoot = *o.outputRoot
		case "val":
			cfg.ValSplit = *o.val
		case "seed":
			cfg.Seed = *o.seed
		case "epochs":
			cfg.Epochs = *o.epochs
		case "img":
			cfg.ImageSize = *o.img
		case "grayscale":
			cfg.Grayscale = *o.grayscale
		case "shuffle":
			cfg.ShuffleTrain = *o.shuffle
		case "save-activations":
			cfg.SaveActivations = *o.saveActivations
		case "viz-layers":
			cfg.VizLayers = splitList(*o.vizLayers)
		case "tile":
			cfg.TileSize = *o.tile
		case "cache":
			cfg.CacheSize = *o.cacheSize
		case "prefetch":
			cfg.Prefetch = *o.prefetch
		}
	})
	return cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
