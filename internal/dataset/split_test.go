package dataset

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTrainEval_Sizes(t *testing.T) {
	ratios := []float64{-1, 0, 0.01, 0.05, 0.1, 0.2, 0.33, 0.5, 0.75, 1, 5}
	counts := []int{0, 1, 2, 3, 7, 10, 19, 100}

	for _, r := range ratios {
		for _, n := range counts {
			t.Run(fmt.Sprintf("r=%v/n=%d", r, n), func(t *testing.T) {
				data := make([]int, n)
				for i := range data {
					data[i] = i
				}

				train, eval := SplitTrainEval(data, r)

				want := 0
				if r > 0 {
					want = int(math.Floor(math.Min(r, 0.5) * float64(n)))
				}
				assert.Len(t, eval, want)
				assert.Equal(t, n, len(train)+len(eval))
				if want == 0 {
					assert.Nil(t, eval, "eval must be nil, not empty")
				}
			})
		}
	}
}

func TestSplitTrainEval_PreservesOrder(t *testing.T) {
	data := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	train, eval := SplitTrainEval(data, 0.2)

	require.Len(t, eval, 2)
	assert.Equal(t, []string{"a", "b"}, eval)
	assert.Equal(t, []string{"c", "d", "e", "f", "g", "h", "i", "j"}, train)
}
