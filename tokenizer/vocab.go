// Package tokenizer implements the SentencePiece-compatible byte-pair
// vocabulary used by the model: binary vocab loading, greedy BPE encoding,
// and escape-aware decoding.
package tokenizer

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	// TokenBOS and TokenEOS are the fixed sentinel IDs every vocabulary
	// reserves, matching the original's TOK_BOS/TOK_EOS.
	TokenBOS = 1
	TokenEOS = 2

	// byteFallbackOffset is added to a raw byte value to map it into the
	// vocabulary's reserved <unk>/<s>/</s> + 256-byte tail (§4.2).
	byteFallbackOffset = 3
)

// Vocab is a loaded tokenizer: piece strings, their merge scores, and a
// piece-sorted index for binary-search lookup.
type Vocab struct {
	pieces []string
	scores []float32

	// sortedIdx[i] is a vocabulary ID; sortedIdx is ordered by pieces[id]
	// so Encode's str_lookup can binary-search it.
	sortedIdx []int
}

// Load reads the binary vocabulary format: a little-endian uint32
// max_token_length header, then size records of {float32 score, uint32 len,
// len bytes of UTF-8 piece text}, grounded on vocab.c's
// clamma_vocab_construct.
func Load(r io.Reader, size int) (*Vocab, error) {
	var maxTokenLen uint32
	if err := binary.Read(r, binary.LittleEndian, &maxTokenLen); err != nil {
		return nil, fmt.Errorf("tokenizer: read max_token_length: %w", err)
	}

	v := &Vocab{
		pieces: make([]string, size),
		scores: make([]float32, size),
	}

	for i := 0; i < size; i++ {
		if err := binary.Read(r, binary.LittleEndian, &v.scores[i]); err != nil {
			return nil, fmt.Errorf("tokenizer: read score[%d]: %w", i, err)
		}
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("tokenizer: read len[%d]: %w", i, err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("tokenizer: read piece[%d]: %w", i, err)
		}
		v.pieces[i] = string(buf)
	}

	v.sortedIdx = make([]int, size)
	for i := range v.sortedIdx {
		v.sortedIdx[i] = i
	}
	sort.Slice(v.sortedIdx, func(i, j int) bool {
		return v.pieces[v.sortedIdx[i]] < v.pieces[v.sortedIdx[j]]
	})

	return v, nil
}

// Size returns the number of pieces in the vocabulary.
func (v *Vocab) Size() int { return len(v.pieces) }

// Piece returns the literal piece text for id.
func (v *Vocab) Piece(id int) string { return v.pieces[id] }

// Score returns the merge score for id.
func (v *Vocab) Score(id int) float32 { return v.scores[id] }

// lookup binary-searches the piece-sorted index for str, returning its ID
// or -1 if absent. Mirrors vocab.c's str_lookup/bsearch.
func (v *Vocab) lookup(str string) int {
	lo, hi := 0, len(v.sortedIdx)
	for lo < hi {
		mid := (lo + hi) / 2
		if v.pieces[v.sortedIdx[mid]] < str {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(v.sortedIdx) && v.pieces[v.sortedIdx[lo]] == str {
		return v.sortedIdx[lo]
	}
	return -1
}
