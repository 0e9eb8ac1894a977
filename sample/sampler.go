// Package sample implements argmax, multinomial, and nucleus (top-p)
// sampling over a logits vector, plus the xorshift* RNG that drives them.
// Grounded on sampler.c's clamma_sampler_sample and its three sample_*
// helpers, pinned exactly per Testable Property 3 (sampler determinism).
package sample

import (
	"math"
	"sort"
)

// RNG is the xorshift* generator sampler.c's random_u32/random_f32 define.
// It is not the teacher's math/rand/v2 PCG: the spec's determinism
// property requires this exact bit sequence.
type RNG struct {
	state uint64
}

// NewRNG seeds an RNG. A zero seed is valid input but, like the original,
// will never produce a varying sequence if it ever reaches the all-zero
// state — callers should seed with a nonzero value.
func NewRNG(seed uint64) *RNG {
	return &RNG{state: seed}
}

// Uint32 advances the xorshift* state and returns the next 32-bit draw.
func (r *RNG) Uint32() uint32 {
	r.state ^= r.state >> 12
	r.state ^= r.state << 25
	r.state ^= r.state >> 27
	return uint32((r.state * 0x2545F4914F6CDD1D) >> 32)
}

// Float32 returns a draw in [0, 1).
func (r *RNG) Float32() float32 {
	return float32(r.Uint32()>>8) / 16777216.0
}

// Softmax normalizes x in place into a probability distribution, using the
// max-subtraction numerical-stability trick from session.c's
// session_softmax.
func Softmax(x []float32) {
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}
	for i := range x {
		x[i] /= sum
	}
}

// Sampler holds one session's sampling configuration and RNG state.
// temperature == 0 means greedy argmax; topP outside (0, 1) means plain
// multinomial sampling over the full distribution.
type Sampler struct {
	Temperature float32
	TopP        float32
	RNG         *RNG

	probIndex []probIndex // scratch buffer, sized vocab_size
}

type probIndex struct {
	index int
	prob  float32
}

// NewSampler allocates a Sampler with a probIndex scratch buffer sized for
// vocabSize, matching the session-buffer preallocation in spec §3.
func NewSampler(temperature, topP float32, rng *RNG, vocabSize int) *Sampler {
	return &Sampler{
		Temperature: temperature,
		TopP:        topP,
		RNG:         rng,
		probIndex:   make([]probIndex, vocabSize),
	}
}

// Sample draws the next token ID from logits, mutating logits in place
// (temperature scaling and softmax), exactly as clamma_sampler_sample
// does. The caller owns logits' lifetime for the duration of the call.
func (s *Sampler) Sample(logits []float32) int {
	coin := s.RNG.Float32()

	if s.Temperature == 0 {
		return argmax(logits)
	}

	for i := range logits {
		logits[i] /= s.Temperature
	}
	Softmax(logits)

	if s.TopP <= 0 || s.TopP >= 1 {
		return sampleMult(logits, coin)
	}
	return s.sampleTopP(logits, coin)
}

func argmax(probs []float32) int {
	maxI := 0
	maxP := probs[0]
	for i, p := range probs[1:] {
		if p > maxP {
			maxI = i + 1
			maxP = p
		}
	}
	return maxI
}

func sampleMult(probs []float32, coin float32) int {
	var cdf float32
	for i, p := range probs {
		cdf += p
		if coin < cdf {
			return i
		}
	}
	return len(probs) - 1 // rounding-error guard
}

// sampleTopP implements nucleus sampling: crop candidates below the
// cutoff (1-topp)/(n-1), sort descending by probability, truncate once
// cumulative probability exceeds topp, then sample from the truncated set
// re-normalized by its own cumulative mass. Grounded on sampler.c's
// sample_topp.
func (s *Sampler) sampleTopP(probs []float32, coin float32) int {
	n := len(probs)
	cutoff := (1.0 - s.TopP) / float32(n-1)

	cand := s.probIndex[:0]
	for i, p := range probs {
		if p >= cutoff {
			cand = append(cand, probIndex{index: i, prob: p})
		}
	}

	sort.Slice(cand, func(i, j int) bool { return cand[i].prob > cand[j].prob })

	lastIdx := len(cand) - 1
	var cumulative float32
	for i, c := range cand {
		cumulative += c.prob
		if cumulative > s.TopP {
			lastIdx = i
			break
		}
	}

	r := coin * cumulative
	var cdf float32
	for i := 0; i <= lastIdx; i++ {
		cdf += cand[i].prob
		if r < cdf {
			return cand[i].index
		}
	}
	return cand[lastIdx].index
}
