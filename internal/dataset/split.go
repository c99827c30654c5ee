package dataset

import "math"

// MaxEvalRatio caps the share of data reserved for evaluation
const MaxEvalRatio = 0.5

// SplitTrainEval reserves the first floor(ratio*N) items, in input order, for
// evaluation and returns the rest for training. ratio is clamped to
// [0, MaxEvalRatio]. eval is nil, never empty, when nothing is reserved.
// Callers shuffle beforehand if they want a random split.
func SplitTrainEval[T any](data []T, ratio float64) (train, eval []T) {
	if ratio <= 0 || math.IsNaN(ratio) {
		return data, nil
	}
	ratio = math.Min(ratio, MaxEvalRatio)

	idx := int(math.Floor(float64(len(data)) * ratio))
	if idx == 0 {
		return data, nil
	}
	return data[idx:], data[:idx]
}
