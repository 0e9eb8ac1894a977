package forward

import (
	"testing"

	"github.com/havenmast/llamacore/checkpoint"
	"github.com/havenmast/llamacore/sample"
	"github.com/havenmast/llamacore/weights"
	"github.com/havenmast/llamacore/workerpool"
	"github.com/stretchr/testify/require"
)

// tinyFloatModel builds an in-memory float-mode model small enough to
// forward-pass by hand-checking shapes, not exact values.
func tinyFloatModel(t *testing.T) (*weights.Model, checkpoint.Config) {
	t.Helper()
	cfg := checkpoint.Config{
		Dim: 4, HiddenDim: 8, NLayers: 2, NHeads: 2, NKVHeads: 2,
		VocabSize: 6, SeqLen: 8, SharedClassifier: true, Version: checkpoint.VersionFloat,
	}
	specs, err := checkpoint.Layout(cfg)
	require.NoError(t, err)

	var total int64
	for _, s := range specs {
		total += s.ByteLen
	}
	body := make([]byte, total)
	for i := range body {
		// Deterministic small nonzero pattern, avoids degenerate all-zero
		// RMSNorm/softmax behavior.
		body[i] = byte((i%13)+1) % 251
	}

	src := weights.NewAbsoluteSource(body)
	model := weights.NewModel(cfg, specs, src)
	return model, cfg
}

func TestStepIsPromptReturnsTokenUnchanged(t *testing.T) {
	model, cfg := tinyFloatModel(t)
	state := NewState(cfg)
	pool := workerpool.New(2)
	pool.Start()
	defer pool.Stop()

	sampler := sample.NewSampler(0, 0, sample.NewRNG(1), cfg.VocabSize)

	got, err := Step(model, pool, state, sampler, 3, 0, true)
	require.NoError(t, err)
	require.Equal(t, 3, got)
}

func TestStepGeneratingSamplesWithinVocab(t *testing.T) {
	model, cfg := tinyFloatModel(t)
	state := NewState(cfg)
	pool := workerpool.New(2)
	pool.Start()
	defer pool.Stop()

	sampler := sample.NewSampler(0, 0, sample.NewRNG(1), cfg.VocabSize)

	got, err := Step(model, pool, state, sampler, 2, 0, false)
	require.NoError(t, err)
	require.True(t, got >= 0 && got < cfg.VocabSize)
}

func TestStepIsDeterministicGivenSameRNGSeed(t *testing.T) {
	run := func() int {
		model, cfg := tinyFloatModel(t)
		state := NewState(cfg)
		pool := workerpool.New(3)
		pool.Start()
		defer pool.Stop()
		sampler := sample.NewSampler(0.8, 0, sample.NewRNG(55), cfg.VocabSize)
		got, err := Step(model, pool, state, sampler, 1, 0, false)
		require.NoError(t, err)
		return got
	}
	a := run()
	b := run()
	require.Equal(t, a, b)
}

func TestStepThreadCountInvariance(t *testing.T) {
	runWithThreads := func(threads int) []float32 {
		model, cfg := tinyFloatModel(t)
		state := NewState(cfg)
		pool := workerpool.New(threads)
		pool.Start()
		defer pool.Stop()
		sampler := sample.NewSampler(0, 0, sample.NewRNG(1), cfg.VocabSize)
		_, err := Step(model, pool, state, sampler, 0, 0, true)
		require.NoError(t, err)
		out := make([]float32, len(state.Logits))
		copy(out, state.Logits)
		return out
	}

	base := runWithThreads(1)
	for _, tc := range []int{2, 3, 4} {
		got := runWithThreads(tc)
		require.Equal(t, len(base), len(got))
		for i := range base {
			require.InDelta(t, base[i], got[i], 1e-4, "threads=%d index=%d", tc, i)
		}
	}
}

// TestStepKVCacheConsistencyAcrossInterleavedSessions exercises the
// KV-cache consistency property (§8 property 4): a session's prompt-then-
// generate token sequence must come out the same whether it runs to
// completion uninterrupted or is interleaved, StepNext-style, with an
// unrelated session's steps between every call. Since each State owns its
// own KeyCache/ValueCache arrays, nothing an unrelated session does to its
// own state may perturb this one's cache.
func TestStepKVCacheConsistencyAcrossInterleavedSessions(t *testing.T) {
	prompt := []int{1, 2, 3}

	runSession := func(pool *workerpool.Pool, other func()) []int {
		model, cfg := tinyFloatModel(t)
		state := NewState(cfg)
		sampler := sample.NewSampler(0, 0, sample.NewRNG(7), cfg.VocabSize)

		var generated []int
		token := prompt[0]
		pos := 0
		for ; pos < 7; pos++ {
			isPrompt := pos+1 < len(prompt)
			next, err := Step(model, pool, state, sampler, token, pos, isPrompt)
			require.NoError(t, err)
			if other != nil {
				other()
			}
			if isPrompt {
				token = prompt[pos+1]
			} else {
				generated = append(generated, next)
				token = next
			}
		}
		return generated
	}

	pool := workerpool.New(2)
	pool.Start()
	defer pool.Stop()

	uninterrupted := runSession(pool, nil)

	otherModel, otherCfg := tinyFloatModel(t)
	otherState := NewState(otherCfg)
	otherSampler := sample.NewSampler(0.8, 0.9, sample.NewRNG(99), otherCfg.VocabSize)
	otherPos := 0
	interleaved := runSession(pool, func() {
		_, err := Step(otherModel, pool, otherState, otherSampler, 4, otherPos, false)
		require.NoError(t, err)
		otherPos++
	})

	require.Equal(t, uninterrupted, interleaved)
}

