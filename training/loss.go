package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-cnn/tensor"
)

// SoftmaxCrossEntropy computes the mean softmax cross-entropy of logits
// [B, C] against integer labels, and its gradient with respect to the logits.
func SoftmaxCrossEntropy(logits *tensor.Tensor, labels []int32) (float64, *tensor.Tensor, error) {
	if logits.Dim() != 2 {
		return 0, nil, fmt.Errorf("logits must be 2D [batch, classes], got %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, nil, fmt.Errorf("labels length %d does not match batch size %d", len(labels), batch)
	}

	probs, err := tensor.Softmax(logits)
	if err != nil {
		return 0, nil, err
	}

	var loss float64
	scale := 1 / float32(batch)
	for i, label := range labels {
		if label < 0 || int(label) >= classes {
			return 0, nil, fmt.Errorf("label %d at index %d out of range [0,%d)", label, i, classes)
		}
		row := probs.Data[i*classes : (i+1)*classes]
		p := float64(row[label])
		loss -= math.Log(math.Max(p, 1e-12))

		// d(loss)/d(logit) = (softmax - onehot) / batch
		row[label] -= 1
		for j := range row {
			row[j] *= scale
		}
	}

	return loss / float64(batch), probs, nil
}

// CountCorrect returns how many argmax predictions match labels
func CountCorrect(logits *tensor.Tensor, labels []int32) (int, []int, error) {
	preds, err := tensor.ArgMaxRows(logits)
	if err != nil {
		return 0, nil, err
	}
	if len(preds) != len(labels) {
		return 0, nil, fmt.Errorf("predictions length %d does not match labels length %d", len(preds), len(labels))
	}
	correct := 0
	for i, p := range preds {
		if int32(p) == labels[i] {
			correct++
		}
	}
	return correct, preds, nil
}
