package weights

// QuantTensor is a logical int8-grouped tensor slice: int8 quantized
// values paired with one float32 scale per group_size consecutive values.
// Dequantization is q[i] * s[i/group_size] (spec.md §3).
type QuantTensor struct {
	Q []int8
	S []float32
}

// Dequantize writes the full dequantized tensor into out, which must have
// len(out) == len(t.Q).
func (t QuantTensor) Dequantize(out []float32, groupSize int) {
	for i, q := range t.Q {
		out[i] = float32(q) * t.S[i/groupSize]
	}
}
