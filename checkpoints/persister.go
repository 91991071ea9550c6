package checkpoints

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-cnn/engine"
)

// Files written into every saved model directory
const (
	ModelJSONFile = "model.json"
	ModelONNXFile = "model.onnx"
	SynsetFile    = "synset.txt"

	timestampLayout = "20060102-150405.000000000"
)

// ErrSynsetMismatch is returned by Load when synset.txt disagrees with the
// class list stored in the checkpoint metadata.
var ErrSynsetMismatch = errors.New("synset.txt does not match checkpoint metadata")

// Persister writes trained models into timestamped directories under Root
type Persister struct {
	Root   string
	Logger *slog.Logger
	// Now returns the save time; nil uses time.Now
	Now func() time.Time
	// State is stored in model.json alongside the weights
	State TrainingState
}

// NewPersister creates a persister rooted at root
func NewPersister(root string, logger *slog.Logger) *Persister {
	return &Persister{Root: root, Logger: logger}
}

func (p *Persister) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Persister) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Save writes model.json, model.onnx and synset.txt into a new directory
// <Root>/<settingName>-<timestamp> and returns its path. An existing
// directory is never overwritten.
func (p *Persister) Save(model *engine.Model, settingName string, classes []string) (string, error) {
	if settingName == "" {
		return "", fmt.Errorf("setting name is required")
	}

	state := p.State
	state.Setting = settingName
	checkpoint, err := NewCheckpoint(model, classes, state)
	if err != nil {
		return "", err
	}
	checkpoint.Metadata.CreatedAt = p.now()
	checkpoint.Metadata.Description = "setting " + settingName

	if err := os.MkdirAll(p.Root, 0755); err != nil {
		return "", fmt.Errorf("failed to create output root: %w", err)
	}
	dir := filepath.Join(p.Root, settingName+"-"+checkpoint.Metadata.CreatedAt.Format(timestampLayout))
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("model directory %s already exists: %w", dir, err)
		}
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}

	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(checkpoint, filepath.Join(dir, ModelJSONFile)); err != nil {
		return "", err
	}
	if err := NewCheckpointSaver(FormatONNX).SaveCheckpoint(checkpoint, filepath.Join(dir, ModelONNXFile)); err != nil {
		return "", err
	}
	if err := writeSynset(filepath.Join(dir, SynsetFile), classes); err != nil {
		return "", err
	}

	p.logger().Info("model saved",
		"dir", dir,
		"setting", settingName,
		"classes", len(classes),
		"parameters", checkpoint.ModelSpec.TotalParameters)
	return dir, nil
}

// Load restores the model saved in dir together with its class list
func (p *Persister) Load(dir string) (*engine.Model, []string, error) {
	checkpoint, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(filepath.Join(dir, ModelJSONFile))
	if err != nil {
		return nil, nil, err
	}

	classes, err := ReadSynset(filepath.Join(dir, SynsetFile))
	if err != nil {
		return nil, nil, err
	}
	if strings.Join(classes, ",") != checkpoint.Metadata.Synset {
		return nil, nil, fmt.Errorf("%w: %v vs %q", ErrSynsetMismatch, classes, checkpoint.Metadata.Synset)
	}

	model, err := checkpoint.Restore()
	if err != nil {
		return nil, nil, err
	}
	p.logger().Debug("model loaded", "dir", dir, "classes", len(classes))
	return model, classes, nil
}

// ReadSynset reads one class name per line, skipping blank lines
func ReadSynset(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open synset: %w", err)
	}
	defer f.Close()

	var classes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			classes = append(classes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read synset: %w", err)
	}
	return classes, nil
}

func writeSynset(path string, classes []string) error {
	var sb strings.Builder
	for _, c := range classes {
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write synset: %w", err)
	}
	return nil
}
