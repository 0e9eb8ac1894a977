package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Endian matches the little-endian layout used by every checkpoint version,
// following the teacher's encoding/binary convention in
// nikolaydubina-llama2.go's checkpoint reader.
var Endian = binary.LittleEndian

const (
	int8MagicV2      uint32 = 0x616b3432
	int8HeaderVersion uint32 = 2
	int8HeaderSize           = 256
	float32HeaderSize        = 7 * 4
)

// Header is the result of sniffing and parsing a checkpoint's leading bytes:
// the resolved Config plus the byte offset at which tensor data begins.
type Header struct {
	Config    Config
	DataStart int64
}

// ReadHeader sniffs the first bytes of r to decide between the v1 float and
// v2 int8-grouped layouts (§6), and parses the appropriate header.
func ReadHeader(r io.Reader) (Header, error) {
	var probe [int8HeaderSize]byte
	n, err := io.ReadFull(r, probe[:4*2])
	if err != nil {
		return Header{}, fmt.Errorf("checkpoint: read magic: %w", err)
	}
	_ = n
	magic := Endian.Uint32(probe[0:4])
	maybeVersion := Endian.Uint32(probe[4:8])

	if magic == int8MagicV2 && maybeVersion == int8HeaderVersion {
		return readInt8Header(r, probe[:8])
	}
	return readFloatHeader(r, probe[:8])
}

// readFloatHeader parses the 7×uint32 v1 header; the 8 bytes already
// consumed during sniffing are the first two fields (dim, hidden_dim).
func readFloatHeader(r io.Reader, already []byte) (Header, error) {
	var rest [float32HeaderSize - 8]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Header{}, fmt.Errorf("checkpoint: read float header: %w", err)
	}
	buf := append(append([]byte{}, already...), rest[:]...)

	var raw [7]int32
	for i := range raw {
		raw[i] = int32(Endian.Uint32(buf[i*4 : i*4+4]))
	}

	cfg := Config{
		Dim:              int(raw[0]),
		HiddenDim:        int(raw[1]),
		NLayers:          int(raw[2]),
		NHeads:           int(raw[3]),
		NKVHeads:         int(raw[4]),
		VocabSize:        int(raw[5]),
		SeqLen:           int(raw[6]),
		SharedClassifier: true,
		Version:          VersionFloat,
	}
	// Negative vocab_size is the sentinel for an unshared classifier head
	// (§6): "biy yikes" per the original author's own comment, preserved
	// in nikolaydubina-llama2.go's main.go.
	if cfg.VocabSize < 0 {
		cfg.SharedClassifier = false
		cfg.VocabSize = -cfg.VocabSize
	}

	return Header{Config: cfg, DataStart: float32HeaderSize}, nil
}

// readInt8Header parses the 256-byte v2 int8-grouped header.
func readInt8Header(r io.Reader, already []byte) (Header, error) {
	var rest [int8HeaderSize - 8]byte
	if _, err := io.ReadFull(r, rest[:]); err != nil {
		return Header{}, fmt.Errorf("checkpoint: read int8 header: %w", err)
	}
	buf := append(append([]byte{}, already...), rest[:]...)

	var raw [7]uint32
	for i := range raw {
		raw[i] = Endian.Uint32(buf[8+i*4 : 8+i*4+4])
	}

	sharedClassifier := buf[8+7*4] != 0
	groupSizeOff := 8 + 7*4 + 1
	groupSize := uint32(buf[groupSizeOff]) |
		uint32(buf[groupSizeOff+1])<<8 |
		uint32(buf[groupSizeOff+2])<<16 |
		uint32(buf[groupSizeOff+3])<<24

	cfg := Config{
		Dim:              int(raw[0]),
		HiddenDim:        int(raw[1]),
		NLayers:          int(raw[2]),
		NHeads:           int(raw[3]),
		NKVHeads:         int(raw[4]),
		VocabSize:        int(raw[5]),
		SeqLen:           int(raw[6]),
		GroupSize:        int(groupSize),
		SharedClassifier: sharedClassifier,
		Version:          VersionInt8Grouped,
	}

	return Header{Config: cfg, DataStart: int8HeaderSize}, nil
}

// TensorKind distinguishes a plain float32 tensor from a (q,s) quantized
// pair when walking the on-disk tensor layout.
type TensorKind int

const (
	KindFloat TensorKind = iota
	KindQuantized
)

// TensorSpec describes one logical tensor's position in the on-disk body,
// in the exact order each version lays tensors out (§6). Offset is relative
// to Header.DataStart.
type TensorSpec struct {
	Name      string
	Kind      TensorKind
	Elems     int // element count (for KindQuantized, count of q[]; s[] is Elems/GroupSize)
	Layers    int // not filled in by Layout: 0 for every spec it returns
	Offset    int64
	ByteLen   int64
}

// Layout walks the fixed tensor order for cfg.Version and returns each
// tensor's element count and byte offset from Header.DataStart, so the
// weights package can hand each one to the weight cache as a span request.
func Layout(cfg Config) ([]TensorSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Version == VersionFloat {
		return floatLayout(cfg), nil
	}
	return int8Layout(cfg), nil
}

func floatLayout(cfg Config) []TensorSpec {
	hs := cfg.HeadSize()
	L := cfg.NLayers
	specs := []TensorSpec{
		{Name: "token_embedding_table", Elems: cfg.VocabSize * cfg.Dim},
		{Name: "rms_att_weight", Elems: L * cfg.Dim},
		{Name: "wq", Elems: L * cfg.Dim * (cfg.NHeads * hs)},
		{Name: "wk", Elems: L * cfg.Dim * (cfg.NKVHeads * hs)},
		{Name: "wv", Elems: L * cfg.Dim * (cfg.NKVHeads * hs)},
		{Name: "wo", Elems: L * (cfg.NHeads * hs) * cfg.Dim},
		{Name: "rms_ffn_weight", Elems: L * cfg.Dim},
		{Name: "w1", Elems: L * cfg.Dim * cfg.HiddenDim},
		{Name: "w2", Elems: L * cfg.HiddenDim * cfg.Dim},
		{Name: "w3", Elems: L * cfg.Dim * cfg.HiddenDim},
		{Name: "rms_final_weight", Elems: cfg.Dim},
		// legacy RoPE frequency tables: present on disk, never read.
		{Name: "freq_cis_real", Elems: cfg.SeqLen * hs / 2},
		{Name: "freq_cis_imag", Elems: cfg.SeqLen * hs / 2},
	}
	if !cfg.SharedClassifier {
		specs = append(specs, TensorSpec{Name: "wcls", Elems: cfg.VocabSize * cfg.Dim})
	}
	for i := range specs {
		specs[i].Kind = KindFloat
		specs[i].ByteLen = int64(specs[i].Elems) * 4
	}
	assignOffsets(specs)
	return specs
}

func int8Layout(cfg Config) []TensorSpec {
	hs := cfg.HeadSize()
	L := cfg.NLayers
	specs := []TensorSpec{
		{Name: "rms_att_weight", Kind: KindFloat, Elems: L * cfg.Dim},
		{Name: "rms_ffn_weight", Kind: KindFloat, Elems: L * cfg.Dim},
		{Name: "rms_final_weight", Kind: KindFloat, Elems: cfg.Dim},
		{Name: "q_tokens", Kind: KindQuantized, Elems: cfg.VocabSize * cfg.Dim},
		{Name: "wq", Kind: KindQuantized, Elems: L * cfg.Dim * (cfg.NHeads * hs)},
		{Name: "wk", Kind: KindQuantized, Elems: L * cfg.Dim * (cfg.NKVHeads * hs)},
		{Name: "wv", Kind: KindQuantized, Elems: L * cfg.Dim * (cfg.NKVHeads * hs)},
		{Name: "wo", Kind: KindQuantized, Elems: L * (cfg.NHeads * hs) * cfg.Dim},
		{Name: "w1", Kind: KindQuantized, Elems: L * cfg.Dim * cfg.HiddenDim},
		{Name: "w2", Kind: KindQuantized, Elems: L * cfg.HiddenDim * cfg.Dim},
		{Name: "w3", Kind: KindQuantized, Elems: L * cfg.Dim * cfg.HiddenDim},
	}
	if !cfg.SharedClassifier {
		specs = append(specs, TensorSpec{Name: "wcls", Kind: KindQuantized, Elems: cfg.VocabSize * cfg.Dim})
	}
	for i := range specs {
		if specs[i].Kind == KindFloat {
			specs[i].ByteLen = int64(specs[i].Elems) * 4
		} else {
			// q[Elems] int8 bytes + s[Elems/group_size] float32 scales.
			specs[i].ByteLen = int64(specs[i].Elems) + int64(specs[i].Elems/cfg.GroupSize)*4
		}
	}
	assignOffsets(specs)
	return specs
}

func assignOffsets(specs []TensorSpec) {
	var ofs int64
	for i := range specs {
		specs[i].Offset = ofs
		ofs += specs[i].ByteLen
	}
}
