package weights

import (
	"errors"
	"fmt"
	"math"

	"github.com/havenmast/llamacore/checkpoint"
)

// ErrCacheMiss marks a span that the weight cache could not supply — a
// read failure or a failed allocation under budget pressure (spec §4.1,
// §7). forward wraps it with context and returns it from Step; runtime's
// session step logs the error and ends the session.
var ErrCacheMiss = errors.New("weight span unavailable")

// Model is the resolved set of tensor handles for a checkpoint, plus the
// Source that serves their byte spans. It does not own the vocabulary —
// that lives in the tokenizer package — only the numeric weights.
//
// Every resolve method below requests exactly the byte range the forward
// engine's call site needs — one layer's weight row, one token's
// embedding row — rather than an entire multi-layer tensor at once. This
// matches session.c's clamma_weight_cache call sites, where the cache
// request size is always scoped to what that one matmul/rmsnorm call
// actually reads, which is what makes the cache's byte budget (§4.1,
// Testable Property 6) meaningful: a whole-tensor request would defeat
// the budget for any model whose single tensor exceeds cache_limit.
type Model struct {
	Config checkpoint.Config
	Specs  []checkpoint.TensorSpec
	Source *Source

	byName map[string]checkpoint.TensorSpec
}

// NewModel indexes specs (as produced by checkpoint.Layout) against src.
func NewModel(cfg checkpoint.Config, specs []checkpoint.TensorSpec, src *Source) *Model {
	byName := make(map[string]checkpoint.TensorSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	return &Model{Config: cfg, Specs: specs, Source: src, byName: byName}
}

func (m *Model) spec(name string) (checkpoint.TensorSpec, error) {
	s, ok := m.byName[name]
	if !ok {
		return checkpoint.TensorSpec{}, fmt.Errorf("weights: unknown tensor %q", name)
	}
	return s, nil
}

// floatRow fetches length float32 elements starting relOff elements into
// the named tensor's float32 body.
func (m *Model) floatRow(name string, relOff, length int) ([]float32, error) {
	spec, err := m.spec(name)
	if err != nil {
		return nil, err
	}
	b := m.Source.Span(spec.Offset+int64(relOff)*4, int64(length)*4)
	if b == nil {
		return nil, fmt.Errorf("weights: %w: %s[%d:%d]", ErrCacheMiss, name, relOff, relOff+length)
	}
	return bytesToFloat32(b), nil
}

// quantRow fetches length int8 elements plus their length/groupSize
// scales from the named quantized tensor, at the given element offset.
// Within one quantized tensor's span, all layers' q-bytes are stored
// contiguously first (spec.Elems bytes total), then all layers' s-floats
// (checkpoint.int8Layout) — so the scale sub-span for a q range starting
// at relOff is found at byte offset spec.Elems + (relOff/groupSize)*4.
func (m *Model) quantRow(name string, relOff, length, groupSize int) (QuantTensor, error) {
	spec, err := m.spec(name)
	if err != nil {
		return QuantTensor{}, err
	}
	qBytes := m.Source.Span(spec.Offset+int64(relOff), int64(length))
	sOff := int64(spec.Elems) + int64(relOff/groupSize)*4
	sLen := int64(length/groupSize) * 4
	sBytes := m.Source.Span(spec.Offset+sOff, sLen)
	if qBytes == nil || sBytes == nil {
		return QuantTensor{}, fmt.Errorf("weights: %w: %s[%d:%d]", ErrCacheMiss, name, relOff, relOff+length)
	}
	return QuantTensor{Q: bytesToInt8(qBytes), S: bytesToFloat32(sBytes)}, nil
}

// EmbeddingRowFloat returns token's dim-length embedding row in float
// mode, grounded on clamma_session_forward's content_row resolve.
func (m *Model) EmbeddingRowFloat(token int) ([]float32, error) {
	return m.floatRow("token_embedding_table", token*m.Config.Dim, m.Config.Dim)
}

// EmbeddingRowQuant returns token's dim-length embedding row in
// int8-grouped mode, from the q_tokens tensor.
func (m *Model) EmbeddingRowQuant(token int) (QuantTensor, error) {
	return m.quantRow("q_tokens", token*m.Config.Dim, m.Config.Dim, m.Config.GroupSize)
}

// NormWeight returns one layer's dim-length RMSNorm weight row (for
// rms_att_weight/rms_ffn_weight), or the single rms_final_weight tensor
// when layer is 0 and name has no per-layer replication.
func (m *Model) NormWeight(name string, layer int) ([]float32, error) {
	return m.floatRow(name, layer*m.Config.Dim, m.Config.Dim)
}

// WeightMatrixFloat returns layer's d×n float32 weight matrix (d output
// rows of n inputs, row-major, flat length n*d), grounded on the
// (txi_t *)w + l*n*d pointer arithmetic session.c uses ahead of every
// session_matmul dispatch. layer=0 also correctly addresses a
// non-per-layer tensor (wcls, or the embedding table reused as the
// classifier) since the element offset is then 0.
func (m *Model) WeightMatrixFloat(name string, layer, n, d int) ([]float32, error) {
	return m.floatRow(name, layer*n*d, n*d)
}

// WeightMatrixQuant is WeightMatrixFloat's int8-grouped equivalent.
func (m *Model) WeightMatrixQuant(name string, layer, n, d int) (QuantTensor, error) {
	return m.quantRow(name, layer*n*d, n*d, m.Config.GroupSize)
}

// bytesToFloat32 reinterprets b (must be little-endian, len(b)%4==0) as a
// []float32.
func bytesToFloat32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := checkpoint.Endian.Uint32(b[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func bytesToInt8(b []byte) []int8 {
	out := make([]int8, len(b))
	for i, v := range b {
		out[i] = int8(v)
	}
	return out
}
