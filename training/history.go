package training

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gonum.org/v1/gonum/floats"
)

// EpochResult is the immutable outcome of one epoch
type EpochResult struct {
	Epoch     int           `json:"epoch"`
	TrainLoss float64       `json:"trainLoss"`
	TrainAcc  float64       `json:"trainAcc"`
	ValLoss   float64       `json:"valLoss"`
	ValAcc    float64       `json:"valAcc"`
	Duration  time.Duration `json:"durationNs"`
}

// History collects epoch results in order. Confusion holds the validation
// confusion matrix of the last epoch as [true][pred] for two-class runs.
type History struct {
	Epochs    []EpochResult `json:"epochs"`
	Confusion *[2][2]int    `json:"confusion,omitempty"`
}

// Len returns the number of recorded epochs
func (h *History) Len() int {
	return len(h.Epochs)
}

// Last returns the most recent epoch result
func (h *History) Last() (EpochResult, bool) {
	if len(h.Epochs) == 0 {
		return EpochResult{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// series extracts one metric per epoch
func (h *History) series(pick func(EpochResult) float64) []float64 {
	out := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		out[i] = pick(e)
	}
	return out
}

// BestEpoch returns the epoch with the highest validation accuracy
func (h *History) BestEpoch() (EpochResult, bool) {
	if len(h.Epochs) == 0 {
		return EpochResult{}, false
	}
	idx := floats.MaxIdx(h.series(func(e EpochResult) float64 { return e.ValAcc }))
	return h.Epochs[idx], true
}

// MeanTrainLoss averages the training loss over all epochs
func (h *History) MeanTrainLoss() float64 {
	if len(h.Epochs) == 0 {
		return 0
	}
	losses := h.series(func(e EpochResult) float64 { return e.TrainLoss })
	return floats.Sum(losses) / float64(len(losses))
}

// SaveJSON writes the history to path
func (h *History) SaveJSON(path string) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// ConfusionReport is the labelled form of a two-class confusion matrix
type ConfusionReport struct {
	Labels      []string  `json:"labels"`
	Matrix      [2][2]int `json:"matrix"`
	Accuracy    float64   `json:"accuracy"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
	F1          float64   `json:"f1"`
	Specificity float64   `json:"specificity"`
}

// NewConfusionReport labels m with the two class names
func NewConfusionReport(m [2][2]int, labels []string) (*ConfusionReport, error) {
	if len(labels) != 2 {
		return nil, fmt.Errorf("confusion report needs 2 labels, got %d", len(labels))
	}
	cm := NewConfusionMatrix(2)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			cm.Matrix[i][j] = m[i][j]
			cm.TotalSamples += m[i][j]
		}
	}
	return &ConfusionReport{
		Labels:      append([]string(nil), labels...),
		Matrix:      m,
		Accuracy:    cm.GetAccuracy(),
		Precision:   cm.GetMetric(Precision),
		Recall:      cm.GetMetric(Recall),
		F1:          cm.GetMetric(F1Score),
		Specificity: cm.GetMetric(Specificity),
	}, nil
}

// SaveJSON writes the report to path
func (r *ConfusionReport) SaveJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal confusion report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write confusion report: %w", err)
	}
	return nil
}
