package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatmulRangeMatchesNaiveDotProduct(t *testing.T) {
	x := []float32{1, 2, 3}
	w := []float32{ // 2x3, row-major
		1, 0, 0,
		0, 1, 1,
	}
	xout := make([]float32, 2)
	MatmulRange(xout, x, w, 0, 2, 3)
	assert.Equal(t, []float32{1, 5}, xout)
}

func TestMatmulRangePartialRangeLeavesRestUntouched(t *testing.T) {
	x := []float32{1, 1}
	w := []float32{1, 1, 2, 2, 3, 3}
	xout := []float32{99, 99, 99}
	MatmulRange(xout, x, w, 1, 2, 2)
	assert.Equal(t, float32(99), xout[0])
	assert.Equal(t, float32(4), xout[1])
	assert.Equal(t, float32(99), xout[2])
}

func TestMatmulRangeIndependentOfPartitioning(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	w := make([]float32, 5*4)
	for i := range w {
		w[i] = float32(i%7) - 3
	}
	full := make([]float32, 5)
	MatmulRange(full, x, w, 0, 5, 4)

	split := make([]float32, 5)
	MatmulRange(split, x, w, 0, 2, 4)
	MatmulRange(split, x, w, 2, 5, 4)
	assert.Equal(t, full, split)
}

func TestQuantizeRoundsToNearestAndScalesByGroupMax(t *testing.T) {
	x := []float32{127, -127, 63.5, 0}
	qx := make([]int8, 4)
	qs := make([]float32, 1)
	Quantize(qx, qs, x, 4)

	assert.Equal(t, float32(1), qs[0])
	assert.Equal(t, int8(127), qx[0])
	assert.Equal(t, int8(-127), qx[1])
	assert.Equal(t, int8(64), qx[2])
}

func TestQuantMatmulRangeMatchesDequantizedFloatMatmul(t *testing.T) {
	x := []float32{10, -5, 3, 8}
	w := []float32{2, -1, 4, -3, 1, 1, 1, 1}
	groupSize := 4

	xq := make([]int8, len(x))
	xs := make([]float32, len(x)/groupSize)
	Quantize(xq, xs, x, groupSize)

	wq := make([]int8, len(w))
	ws := make([]float32, len(w)/groupSize)
	Quantize(wq, ws, w, groupSize)

	want := make([]float32, 2)
	MatmulRange(want, x, w, 0, 2, 4)

	got := make([]float32, 2)
	QuantMatmulRange(got, xq, xs, wq, ws, 0, 2, 4, groupSize)

	for i := range want {
		diff := want[i] - got[i]
		if diff < 0 {
			diff = -diff
		}
		// Quantization introduces bounded rounding error, not bit equality.
		assert.Less(t, diff, float32(2.0))
	}
}
