package forward

import (
	"fmt"
	"math"

	"github.com/havenmast/llamacore/checkpoint"
	"github.com/havenmast/llamacore/kernel"
	"github.com/havenmast/llamacore/logutil"
	"github.com/havenmast/llamacore/sample"
	"github.com/havenmast/llamacore/weights"
	"github.com/havenmast/llamacore/workerpool"
)

// BOS is the sentinel token ID returned by Step when a weight-cache miss
// makes the step unable to complete (§7's RuntimeTransient conflation,
// preserved verbatim per SPEC_FULL's Open Question decision — flagged
// here rather than re-architected into a distinct error channel).
const BOS = 0

// Step runs one token through every transformer layer and either returns
// the prompt token unchanged (isPrompt) or samples and returns the next
// token. It mutates state's scratch buffers and KV cache in place.
func Step(model *weights.Model, pool *workerpool.Pool, state *State, sampler *sample.Sampler, token, pos int, isPrompt bool) (int, error) {
	cfg := model.Config
	kvDim := cfg.KVDim()
	kvMul := cfg.KVMul()
	headSize := cfg.HeadSize()

	if err := embed(model, state, token); err != nil {
		return BOS, err
	}

	for l := 0; l < cfg.NLayers; l++ {
		loff := l * cfg.SeqLen * kvDim
		kRow := state.KeyCache[loff+pos*kvDim : loff+pos*kvDim+kvDim]
		vRow := state.ValueCache[loff+pos*kvDim : loff+pos*kvDim+kvDim]

		if err := rmsnormLayer(model, state, state.Xb, state.X, "rms_att_weight", l); err != nil {
			return BOS, err
		}
		logutil.Trace("dispatch qkv", "layer", l, "pos", pos)
		if err := dispatchQKV(model, pool, state, l, kRow, vRow); err != nil {
			return BOS, err
		}
		state.Ticket.Wait()

		rope(state.Q, kRow, pos, headSize, kvDim, cfg.Dim)

		attention(state, l, pos, cfg, kvMul, headSize, loff)

		logutil.Trace("dispatch wo", "layer", l, "pos", pos)
		if err := dispatchWO(model, pool, state, l); err != nil {
			return BOS, err
		}
		state.Ticket.Wait()

		addResidual(state.X, state.Xb2)

		if err := rmsnormLayer(model, state, state.Xb, state.X, "rms_ffn_weight", l); err != nil {
			return BOS, err
		}
		logutil.Trace("dispatch ffn up", "layer", l, "pos", pos)
		if err := dispatchFFNUp(model, pool, state, l); err != nil {
			return BOS, err
		}
		state.Ticket.Wait()

		swiglu(state.Hb, state.Hb2)

		logutil.Trace("dispatch ffn down", "layer", l, "pos", pos)
		if err := dispatchFFNDown(model, pool, state, l); err != nil {
			return BOS, err
		}
		state.Ticket.Wait()

		addResidual(state.X, state.Xb)
	}

	if err := rmsnormFinal(model, state); err != nil {
		return BOS, err
	}
	logutil.Trace("dispatch classifier", "pos", pos)
	if err := dispatchClassifier(model, pool, state); err != nil {
		return BOS, err
	}
	state.Ticket.Wait()

	if isPrompt {
		return token, nil
	}
	return sampler.Sample(state.Logits), nil
}

func embed(model *weights.Model, state *State, token int) error {
	if model.Config.Version == checkpoint.VersionFloat {
		row, err := model.EmbeddingRowFloat(token)
		if err != nil {
			return fmt.Errorf("forward: embed: %w", err)
		}
		copy(state.X, row)
		return nil
	}

	qt, err := model.EmbeddingRowQuant(token)
	if err != nil {
		return fmt.Errorf("forward: embed: %w", err)
	}
	qt.Dequantize(state.X, model.Config.GroupSize)
	return nil
}

// rmsnormLayer normalizes x (length dim) into out using layer l's named
// weight tensor, grounded on session.c's session_rmsnorm. The weight
// tensor is always float32 in both checkpoint versions (§6).
func rmsnormLayer(model *weights.Model, state *State, out, x []float32, weightName string, l int) error {
	w, err := model.NormWeight(weightName, l)
	if err != nil {
		return fmt.Errorf("forward: rmsnorm %s: %w", weightName, err)
	}
	rmsnorm(out, x, w)
	return nil
}

func rmsnormFinal(model *weights.Model, state *State) error {
	w, err := model.NormWeight("rms_final_weight", 0)
	if err != nil {
		return fmt.Errorf("forward: rmsnorm final: %w", err)
	}
	rmsnorm(state.X, state.X, w)
	return nil
}

func rmsnorm(out, x, w []float32) {
	var ss float32
	for _, v := range x {
		ss += v * v
	}
	ss /= float32(len(x))
	ss += 1e-5
	ss = 1.0 / float32(math.Sqrt(float64(ss)))
	for i := range x {
		out[i] = w[i] * (ss * x[i])
	}
}

func dispatchQKV(model *weights.Model, pool *workerpool.Pool, state *State, l int, kRow, vRow []float32) error {
	cfg := model.Config
	kvDim := cfg.KVDim()

	if cfg.Version == checkpoint.VersionFloat {
		wqL, err := model.WeightMatrixFloat("wq", l, cfg.Dim, cfg.Dim)
		if err != nil {
			return err
		}
		wkL, err := model.WeightMatrixFloat("wk", l, cfg.Dim, kvDim)
		if err != nil {
			return err
		}
		wvL, err := model.WeightMatrixFloat("wv", l, cfg.Dim, kvDim)
		if err != nil {
			return err
		}
		return errFirst(
			pool.Dispatch(state.Ticket, cfg.Dim, func(i, dlim int) {
				kernel.MatmulRange(state.Q, state.Xb, wqL, i, dlim, cfg.Dim)
			}),
			pool.Dispatch(state.Ticket, kvDim, func(i, dlim int) {
				kernel.MatmulRange(kRow, state.Xb, wkL, i, dlim, cfg.Dim)
			}),
			pool.Dispatch(state.Ticket, kvDim, func(i, dlim int) {
				kernel.MatmulRange(vRow, state.Xb, wvL, i, dlim, cfg.Dim)
			}),
		)
	}

	kernel.Quantize(state.Xq, state.Xqs, state.Xb, cfg.GroupSize)
	wqL, err := model.WeightMatrixQuant("wq", l, cfg.Dim, cfg.Dim)
	if err != nil {
		return err
	}
	wkL, err := model.WeightMatrixQuant("wk", l, cfg.Dim, kvDim)
	if err != nil {
		return err
	}
	wvL, err := model.WeightMatrixQuant("wv", l, cfg.Dim, kvDim)
	if err != nil {
		return err
	}
	return errFirst(
		pool.Dispatch(state.Ticket, cfg.Dim, func(i, dlim int) {
			kernel.QuantMatmulRange(state.Q, state.Xq, state.Xqs, wqL.Q, wqL.S, i, dlim, cfg.Dim, cfg.GroupSize)
		}),
		pool.Dispatch(state.Ticket, kvDim, func(i, dlim int) {
			kernel.QuantMatmulRange(kRow, state.Xq, state.Xqs, wkL.Q, wkL.S, i, dlim, cfg.Dim, cfg.GroupSize)
		}),
		pool.Dispatch(state.Ticket, kvDim, func(i, dlim int) {
			kernel.QuantMatmulRange(vRow, state.Xq, state.Xqs, wvL.Q, wvL.S, i, dlim, cfg.Dim, cfg.GroupSize)
		}),
	)
}

func dispatchWO(model *weights.Model, pool *workerpool.Pool, state *State, l int) error {
	cfg := model.Config
	if cfg.Version == checkpoint.VersionFloat {
		woL, err := model.WeightMatrixFloat("wo", l, cfg.Dim, cfg.Dim)
		if err != nil {
			return err
		}
		return pool.Dispatch(state.Ticket, cfg.Dim, func(i, dlim int) {
			kernel.MatmulRange(state.Xb2, state.Xb, woL, i, dlim, cfg.Dim)
		})
	}
	kernel.Quantize(state.Xq, state.Xqs, state.Xb, cfg.GroupSize)
	woL, err := model.WeightMatrixQuant("wo", l, cfg.Dim, cfg.Dim)
	if err != nil {
		return err
	}
	return pool.Dispatch(state.Ticket, cfg.Dim, func(i, dlim int) {
		kernel.QuantMatmulRange(state.Xb2, state.Xq, state.Xqs, woL.Q, woL.S, i, dlim, cfg.Dim, cfg.GroupSize)
	})
}

func dispatchFFNUp(model *weights.Model, pool *workerpool.Pool, state *State, l int) error {
	cfg := model.Config
	if cfg.Version == checkpoint.VersionFloat {
		w1L, err := model.WeightMatrixFloat("w1", l, cfg.Dim, cfg.HiddenDim)
		if err != nil {
			return err
		}
		w3L, err := model.WeightMatrixFloat("w3", l, cfg.Dim, cfg.HiddenDim)
		if err != nil {
			return err
		}
		return errFirst(
			pool.Dispatch(state.Ticket, cfg.HiddenDim, func(i, dlim int) {
				kernel.MatmulRange(state.Hb, state.Xb, w1L, i, dlim, cfg.Dim)
			}),
			pool.Dispatch(state.Ticket, cfg.HiddenDim, func(i, dlim int) {
				kernel.MatmulRange(state.Hb2, state.Xb, w3L, i, dlim, cfg.Dim)
			}),
		)
	}
	kernel.Quantize(state.Xq, state.Xqs, state.Xb, cfg.GroupSize)
	w1L, err := model.WeightMatrixQuant("w1", l, cfg.Dim, cfg.HiddenDim)
	if err != nil {
		return err
	}
	w3L, err := model.WeightMatrixQuant("w3", l, cfg.Dim, cfg.HiddenDim)
	if err != nil {
		return err
	}
	return errFirst(
		pool.Dispatch(state.Ticket, cfg.HiddenDim, func(i, dlim int) {
			kernel.QuantMatmulRange(state.Hb, state.Xq, state.Xqs, w1L.Q, w1L.S, i, dlim, cfg.Dim, cfg.GroupSize)
		}),
		pool.Dispatch(state.Ticket, cfg.HiddenDim, func(i, dlim int) {
			kernel.QuantMatmulRange(state.Hb2, state.Xq, state.Xqs, w3L.Q, w3L.S, i, dlim, cfg.Dim, cfg.GroupSize)
		}),
	)
}

func dispatchFFNDown(model *weights.Model, pool *workerpool.Pool, state *State, l int) error {
	cfg := model.Config
	if cfg.Version == checkpoint.VersionFloat {
		w2L, err := model.WeightMatrixFloat("w2", l, cfg.HiddenDim, cfg.Dim)
		if err != nil {
			return err
		}
		return pool.Dispatch(state.Ticket, cfg.Dim, func(i, dlim int) {
			kernel.MatmulRange(state.Xb, state.Hb, w2L, i, dlim, cfg.HiddenDim)
		})
	}
	kernel.Quantize(state.Hq, state.Hqs, state.Hb, cfg.GroupSize)
	w2L, err := model.WeightMatrixQuant("w2", l, cfg.HiddenDim, cfg.Dim)
	if err != nil {
		return err
	}
	return pool.Dispatch(state.Ticket, cfg.Dim, func(i, dlim int) {
		kernel.QuantMatmulRange(state.Xb, state.Hq, state.Hqs, w2L.Q, w2L.S, i, dlim, cfg.HiddenDim, cfg.GroupSize)
	})
}

func dispatchClassifier(model *weights.Model, pool *workerpool.Pool, state *State) error {
	cfg := model.Config

	if cfg.Version == checkpoint.VersionFloat {
		name, n := "wcls", cfg.Dim
		if cfg.SharedClassifier {
			name = "token_embedding_table"
		}
		w, err := model.WeightMatrixFloat(name, 0, n, cfg.VocabSize)
		if err != nil {
			return err
		}
		return pool.Dispatch(state.Ticket, cfg.VocabSize, func(i, dlim int) {
			kernel.MatmulRange(state.Logits, state.X, w, i, dlim, cfg.Dim)
		})
	}

	kernel.Quantize(state.Xq, state.Xqs, state.X, cfg.GroupSize)
	name := "wcls"
	if cfg.SharedClassifier {
		name = "q_tokens"
	}
	w, err := model.WeightMatrixQuant(name, 0, cfg.Dim, cfg.VocabSize)
	if err != nil {
		return err
	}
	return pool.Dispatch(state.Ticket, cfg.VocabSize, func(i, dlim int) {
		kernel.QuantMatmulRange(state.Logits, state.Xq, state.Xqs, w.Q, w.S, i, dlim, cfg.Dim, cfg.GroupSize)
	})
}

// rope applies relative positional rotation to q (length dim) and the
// current position's k row (length kvDim), grounded on session.c's RoPE
// loop: head_dim resets every head_size elements, and k is only rotated
// for the first kvDim elements of each pair index (do_k).
func rope(q, k []float32, pos, headSize, kvDim, dim int) {
	for i := 0; i < dim; i += 2 {
		headDim := i % headSize
		doK := 1
		if i < kvDim {
			doK = 2
		}
		freq := 1.0 / math.Pow(10000.0, float64(headDim)/float64(headSize))
		val := float64(pos) * freq
		fcr := float32(math.Cos(val))
		fci := float32(math.Sin(val))

		v0, v1 := q[i], q[i+1]
		q[i] = v0*fcr - v1*fci
		q[i+1] = v0*fci + v1*fcr

		if doK == 2 {
			v0, v1 = k[i], k[i+1]
			k[i] = v0*fcr - v1*fci
			k[i+1] = v0*fci + v1*fcr
		}
	}
}

// attention computes multi-head grouped-query attention for layer l at
// position pos, writing the weighted value sum into state.Xb. Grounded on
// session.c's per-head score/softmax/weighted-sum loop.
func attention(state *State, l, pos int, cfg checkpoint.Config, kvMul, headSize, loff int) {
	kvDim := cfg.KVDim()
	scale := float32(math.Sqrt(float64(headSize)))

	for h := 0; h < cfg.NHeads; h++ {
		q := state.Q[h*headSize : h*headSize+headSize]
		att := state.Att[h*cfg.SeqLen : h*cfg.SeqLen+cfg.SeqLen]

		for n := 0; n <= pos; n++ {
			kOff := loff + n*kvDim + (h/kvMul)*headSize
			k := state.KeyCache[kOff : kOff+headSize]
			var score float32
			for i := range q {
				score += q[i] * k[i]
			}
			att[n] = score / scale
		}

		sample.Softmax(att[:pos+1])

		xb := state.Xb[h*headSize : h*headSize+headSize]
		for i := range xb {
			xb[i] = 0
		}
		for n := 0; n <= pos; n++ {
			vOff := loff + n*kvDim + (h/kvMul)*headSize
			v := state.ValueCache[vOff : vOff+headSize]
			a := att[n]
			for i := range xb {
				xb[i] += a * v[i]
			}
		}
	}
}

func addResidual(x, delta []float32) {
	for i := range x {
		x[i] += delta[i]
	}
}

// swiglu applies SiLU(hb) * hb2 into hb in place, grounded on session.c's
// SwiGLU non-linearity loop.
func swiglu(hb, hb2 []float32) {
	for i := range hb {
		v := hb[i]
		hb[i] = (v * (1.0 / (1.0 + float32(math.Exp(float64(-v)))))) * hb2[i]
	}
}

func errFirst(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
