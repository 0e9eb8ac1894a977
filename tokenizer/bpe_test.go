package tokenizer

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildVocab writes a minimal binary vocabulary with the given
// (piece, score) pairs in index order, for use as a test fixture.
func buildVocab(t *testing.T, pieces []string, scores []float32) *Vocab {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(8)))
	for i, p := range pieces {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, scores[i]))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(p))))
		buf.WriteString(p)
	}
	v, err := Load(&buf, len(pieces))
	require.NoError(t, err)
	return v
}

func byteFallbackVocab(t *testing.T) (*Vocab, []string, []float32) {
	pieces := []string{"<unk>", "<s>", "</s>"}
	scores := []float32{0, 0, 0}
	for b := 0; b < 256; b++ {
		pieces = append(pieces, string([]byte{byte(b)}))
		scores = append(scores, 0)
	}
	pieces = append(pieces, " ", "a", "b", "ab", " a", " ab")
	scores = append(scores, 0, 0, 0, 1, 2, 3)
	return buildVocab(t, pieces, scores), pieces, scores
}

func TestEncodeMergesGreedilyByScore(t *testing.T) {
	v, _, _ := byteFallbackVocab(t)
	ids := v.Encode("ab", false, false)

	// " "+"a"+"b" merges to " a"+"b" (score 2), then the >2-tokens guard
	// (vocab.c:269) stops before the final " a"+"b" -> " ab" merge (score 3).
	var got []string
	for _, id := range ids {
		got = append(got, v.Piece(id))
	}
	assert.Equal(t, []string{" a", "b"}, got)
}

func TestEncodeByteFallbackForUnknownText(t *testing.T) {
	v, _, _ := byteFallbackVocab(t)
	ids := v.Encode("\xff", false, false)
	require.Len(t, ids, 2) // dummy prefix + fallback byte
	assert.Equal(t, int(0xff)+byteFallbackOffset, ids[1])
}

func TestEncodeBOSAndEOS(t *testing.T) {
	v, _, _ := byteFallbackVocab(t)
	ids := v.Encode("a", true, true)
	require.True(t, len(ids) >= 2)
	assert.Equal(t, TokenBOS, ids[0])
	assert.Equal(t, TokenEOS, ids[len(ids)-1])
}

func TestDecodeStripsLeadingSpaceAfterBOS(t *testing.T) {
	v, _, _ := byteFallbackVocab(t)
	spaceA := v.lookup(" a")
	require.NotEqual(t, -1, spaceA)
	assert.Equal(t, "a", v.Decode(TokenBOS, spaceA))
	assert.Equal(t, " a", v.Decode(TokenEOS, spaceA))
}

func TestDecodeHexEscape(t *testing.T) {
	pieces := []string{"<unk>", "<s>", "</s>", "<0x41>"}
	scores := []float32{0, 0, 0, 0}
	v := buildVocab(t, pieces, scores)
	assert.Equal(t, "A", v.Decode(0, 3))
}

func TestEncodeDecodeRoundTripAscii(t *testing.T) {
	v, _, _ := byteFallbackVocab(t)
	ids := v.Encode("ababab", true, true)

	var out string
	prev := TokenBOS
	for _, id := range ids {
		if id == TokenBOS || id == TokenEOS {
			prev = id
			continue
		}
		out += v.Decode(prev, id)
		prev = id
	}
	assert.Equal(t, "ababab", out)
}
