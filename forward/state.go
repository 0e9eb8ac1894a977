// Package forward implements the one-token transformer forward pass:
// RMSNorm, QKV projection, RoPE, grouped-query attention, output
// projection, SwiGLU feed-forward, and the classifier head. Grounded
// line-for-line on session.c's clamma_session_forward.
package forward

import (
	"github.com/havenmast/llamacore/checkpoint"
	"github.com/havenmast/llamacore/workerpool"
)

// State holds one session's activation scratch buffers and KV cache.
// The float32 buffers are sliced out of one contiguous arena, matching
// spec §3's "all session buffers are allocated as one block" — only the
// quantized scratch (int8 values and their float32 group scales) is
// allocated separately.
type State struct {
	arena []float32

	X, Xb, Xb2 []float32 // dim
	Hb, Hb2    []float32 // hidden_dim
	Q          []float32 // dim
	Att        []float32 // n_heads * seq_len
	KeyCache   []float32 // n_layers * seq_len * kv_dim
	ValueCache []float32 // n_layers * seq_len * kv_dim
	Logits     []float32 // vocab_size

	Xq  []int8    // dim, quantized scratch for attention/ffn-up inputs
	Xqs []float32 // dim / group_size
	Hq  []int8    // hidden_dim, quantized scratch for ffn-down input
	Hqs []float32 // hidden_dim / group_size

	Ticket *workerpool.Ticket
}

// ArenaFloats returns the float32-buffer element count NewState allocates
// as one block, for capacity planning (runtime.SessionFootprint).
func ArenaFloats(cfg checkpoint.Config) int {
	kvDim := cfg.KVDim()
	return 3*cfg.Dim + // x, xb, xb2
		2*cfg.HiddenDim + // hb, hb2
		cfg.Dim + // q
		cfg.NHeads*cfg.SeqLen + // att
		2*cfg.NLayers*cfg.SeqLen*kvDim + // key_cache, value_cache
		cfg.VocabSize // logits
}

// NewState allocates a State for cfg. If cfg.Version is int8-grouped, the
// quantized scratch buffers are sized too; otherwise they're left nil.
func NewState(cfg checkpoint.Config) *State {
	kvDim := cfg.KVDim()
	s := &State{arena: make([]float32, ArenaFloats(cfg)), Ticket: workerpool.NewTicket()}

	off := 0
	take := func(n int) []float32 {
		s := s.arena[off : off+n]
		off += n
		return s
	}

	s.X = take(cfg.Dim)
	s.Xb = take(cfg.Dim)
	s.Xb2 = take(cfg.Dim)
	s.Hb = take(cfg.HiddenDim)
	s.Hb2 = take(cfg.HiddenDim)
	s.Q = take(cfg.Dim)
	s.Att = take(cfg.NHeads * cfg.SeqLen)
	s.KeyCache = take(cfg.NLayers * cfg.SeqLen * kvDim)
	s.ValueCache = take(cfg.NLayers * cfg.SeqLen * kvDim)
	s.Logits = take(cfg.VocabSize)

	if cfg.Version == checkpoint.VersionInt8Grouped {
		s.Xq = make([]int8, cfg.Dim)
		s.Xqs = make([]float32, cfg.Dim/cfg.GroupSize)
		s.Hq = make([]int8, cfg.HiddenDim)
		s.Hqs = make([]float32, cfg.HiddenDim/cfg.GroupSize)
	}

	return s
}
