// Package kernel implements the float and int8-grouped matmul inner loops
// dispatched by the worker pool. Every function here operates on a single
// contiguous output row-range [i, dlim) so the pool can partition the
// output dimension across threads without the kernel knowing about
// threading at all — grounded on session.c's _session_matmul/
// _session_matmul_qt.
//
// These loops are deliberately plain Go: spec.md's thread-count invariance
// property (bit-identical output regardless of worker count) requires a
// pure function of the row range, which rules out delegating to a BLAS
// library whose internal blocking could vary with call shape.
package kernel

import "math"

// MatmulRange computes xout[i:dlim] = w[i*n:dlim*n] · x, where w is the
// d×n row-major weight matrix's flat backing slice and x has length n.
// xout must have length d; only indices [i, dlim) are written.
func MatmulRange(xout, x, w []float32, i, dlim, n int) {
	wOff := i * n
	for ; i < dlim; i++ {
		var f float32
		row := w[wOff : wOff+n]
		for j, xv := range x {
			f += row[j] * xv
		}
		xout[i] = f
		wOff += n
	}
}

// QuantMatmulRange computes the grouped-int8 equivalent of MatmulRange: x
// is already quantized (xq, xs) with group size groupSize; w is the
// quantized d×n weight matrix (wq, ws). Accumulation happens in int32 per
// group exactly as session.c's _session_matmul_qt does, to keep the result
// independent of floating-point summation order across thread counts.
func QuantMatmulRange(xout []float32, xq []int8, xs []float32, wq []int8, ws []float32, i, dlim, n, groupSize int) {
	for ; i < dlim; i++ {
		var val float32
		rowOff := i * n
		groups := n / groupSize
		for g := 0; g < groups; g++ {
			off := g * groupSize
			var ival int32
			for k := 0; k < groupSize; k++ {
				ival += int32(xq[off+k]) * int32(wq[rowOff+off+k])
			}
			val += float32(ival) * ws[(rowOff+off)/groupSize] * xs[off/groupSize]
		}
		xout[i] = val
	}
}

// Quantize fills qx/qs (group-quantized int8 + per-group float32 scale)
// from x, grouped by groupSize, exactly as session.c's quantize(): each
// group's scale is its max absolute value divided by 127, and elements are
// rounded (not truncated) when quantized.
func Quantize(qx []int8, qs []float32, x []float32, groupSize int) {
	groups := len(x) / groupSize
	const qmax = 127.0
	for g := 0; g < groups; g++ {
		off := g * groupSize
		var wmax float32
		for i := 0; i < groupSize; i++ {
			if v := abs32(x[off+i]); v > wmax {
				wmax = v
			}
		}
		scale := wmax / qmax
		qs[g] = scale
		for i := 0; i < groupSize; i++ {
			qx[off+i] = int8(math.Round(float64(x[off+i] / scale)))
		}
	}
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
