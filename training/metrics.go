package training

import (
	"fmt"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions as Matrix[true][predicted]
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update records predicted classes against true labels
func (cm *ConfusionMatrix) Update(predictions []int, trueLabels []int32) error {
	if len(predictions) != len(trueLabels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", len(predictions), len(trueLabels))
	}
	for i, pred := range predictions {
		trueClass := int(trueLabels[i])
		if trueClass < 0 || trueClass >= cm.NumClasses || pred < 0 || pred >= cm.NumClasses {
			return fmt.Errorf("class index out of range: true=%d pred=%d classes=%d", trueClass, pred, cm.NumClasses)
		}
		cm.Matrix[trueClass][pred]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns the fraction of samples on the diagonal
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// GetMetric returns a binary metric treating class 1 as positive. It is 0
// for matrices that are not 2×2.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if cm.NumClasses != 2 {
		return 0
	}
	tn, fp := float64(cm.Matrix[0][0]), float64(cm.Matrix[0][1])
	fn, tp := float64(cm.Matrix[1][0]), float64(cm.Matrix[1][1])

	ratio := func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return a / b
	}

	switch metric {
	case Precision:
		return ratio(tp, tp+fp)
	case Recall:
		return ratio(tp, tp+fn)
	case F1Score:
		p, r := ratio(tp, tp+fp), ratio(tp, tp+fn)
		return ratio(2*p*r, p+r)
	case Specificity:
		return ratio(tn, tn+fp)
	default:
		return 0
	}
}

// Binary returns the matrix as a fixed 2×2 array. ok is false unless the
// matrix has exactly two classes.
func (cm *ConfusionMatrix) Binary() (m [2][2]int, ok bool) {
	if cm.NumClasses != 2 {
		return m, false
	}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			m[i][j] = cm.Matrix[i][j]
		}
	}
	return m, true
}
