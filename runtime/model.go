// Package runtime is the embeddable facade: Model and Session lifecycles,
// the engine-scoped registries that replace the original's process-wide
// globals (§9), the round-robin scheduler, and cancellation.
package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/havenmast/llamacore/checkpoint"
	"github.com/havenmast/llamacore/envconfig"
	"github.com/havenmast/llamacore/forward"
	"github.com/havenmast/llamacore/tokenizer"
	"github.com/havenmast/llamacore/weights"
	"github.com/havenmast/llamacore/workerpool"
)

// APIVersion pins the embeddable API surface that ModelConfig.APIVersion
// is checked against at construction (§6, §9's "clamma_api_version
// mismatch rejection").
const APIVersion = 1

// ModelKind selects the prompt-wrapping convention (§6).
type ModelKind int

const (
	ModelGen ModelKind = iota
	ModelChat
)

// ModelConfig is the construction struct for NewModel (§6's "Embeddable
// API"). Threads, CacheLimit and MaxSessions fall back to envconfig's
// defaults when left zero.
type ModelConfig struct {
	Name           string
	CheckpointPath string
	TokenizerPath  string
	// SearchPaths is tried, in order, after CheckpointPath/TokenizerPath
	// fail to open literally (§9 supplemented feature).
	SearchPaths []string
	AccessMode  weights.AccessMode
	// Base is required when AccessMode is weights.AccessAbsolute: the
	// caller already holds the checkpoint resident at this address.
	Base        []byte
	CacheLimit  int64
	MaxSessions int
	Threads     int
	Kind        ModelKind
	APIVersion  int
}

// Model is an immutable, constructed checkpoint: config, weights, vocab,
// and the worker pool and weight source it owns. Safe for concurrent use
// by multiple sessions (§5: "Model ... shared freely; no lock needed for
// reads").
type Model struct {
	ID     uuid.UUID
	Name   string
	Config checkpoint.Config
	Kind   ModelKind

	Weights *weights.Model
	Vocab   *tokenizer.Vocab
	Pool    *workerpool.Pool

	footprint int64

	sessionLimit *semaphore.Weighted // nil when unbounded

	source *weights.Source
	file   *os.File
}

// NewModel constructs and fully initializes a Model. On any failure it
// tears down whatever was already opened/allocated and returns a nil
// Model, per §7's ConfigInvalid/IOFailure teardown rule.
func NewModel(cfg ModelConfig) (*Model, error) {
	if cfg.APIVersion != APIVersion {
		return nil, newError(ConfigInvalid, "NewModel", fmt.Errorf("api version %d, want %d", cfg.APIVersion, APIVersion))
	}

	threads := cfg.Threads
	if threads == 0 {
		threads = envconfig.Threads
	}
	cacheLimit := cfg.CacheLimit
	if cacheLimit == 0 {
		cacheLimit = envconfig.CacheLimit
	}
	maxSessions := cfg.MaxSessions
	if maxSessions == 0 {
		maxSessions = envconfig.MaxSessions
	}

	m := &Model{ID: uuid.New(), Name: cfg.Name, Kind: cfg.Kind}

	hdr, f, err := openCheckpointHeader(cfg)
	if err != nil {
		return nil, err
	}
	m.file = f
	m.Config = hdr.Config

	specs, err := checkpoint.Layout(hdr.Config)
	if err != nil {
		m.closeFile()
		return nil, newError(ConfigInvalid, "NewModel", err)
	}

	src, err := buildSource(cfg.AccessMode, cfg.Base, f, hdr.DataStart, cacheLimit)
	if err != nil {
		m.closeFile()
		return nil, err
	}
	m.source = src
	m.Weights = weights.NewModel(hdr.Config, specs, src)

	vocabFile, err := openWithSearchPaths(cfg.TokenizerPath, cfg.SearchPaths)
	if err != nil {
		m.teardown()
		return nil, newError(IOFailure, "NewModel", fmt.Errorf("open tokenizer %s: %w", cfg.TokenizerPath, err))
	}
	defer vocabFile.Close()

	vocab, err := tokenizer.Load(vocabFile, hdr.Config.VocabSize)
	if err != nil {
		m.teardown()
		return nil, newError(IOFailure, "NewModel", fmt.Errorf("load tokenizer: %w", err))
	}
	m.Vocab = vocab

	m.Pool = workerpool.New(threads)
	m.Pool.Start()

	if maxSessions > 0 {
		m.sessionLimit = semaphore.NewWeighted(int64(maxSessions))
	}

	m.footprint = SessionFootprint(hdr.Config)

	slog.Info("model loaded",
		"name", cfg.Name,
		"access", cfg.AccessMode,
		"version", hdr.Config.Version,
		"dim", hdr.Config.Dim,
		"hidden_dim", hdr.Config.HiddenDim,
		"n_layers", hdr.Config.NLayers,
		"n_heads", hdr.Config.NHeads,
		"n_kv_heads", hdr.Config.NKVHeads,
		"seq_len", hdr.Config.SeqLen,
		"vocab_size", hdr.Config.VocabSize,
		"threads", threads,
		"session_bytes", m.footprint,
	)

	return m, nil
}

// Destroy releases the model's worker pool, weight source and open file.
// Safe to call once; the caller is responsible for destroying all of the
// model's sessions first (§3's lifecycle ordering).
func (m *Model) Destroy() {
	if m.Pool != nil {
		m.Pool.Stop()
	}
	m.teardown()
}

func (m *Model) teardown() {
	if m.source != nil {
		m.source.Close()
		m.source = nil
	}
	m.closeFile()
}

func (m *Model) closeFile() {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
}

// openCheckpointHeader opens CheckpointPath (falling back through
// SearchPaths), reads and parses its header, and returns the file still
// open; the weight source later reads the body by absolute offset from
// Header.DataStart.
func openCheckpointHeader(cfg ModelConfig) (checkpoint.Header, *os.File, error) {
	if cfg.AccessMode == weights.AccessAbsolute {
		if len(cfg.Base) == 0 {
			return checkpoint.Header{}, nil, newError(ConfigInvalid, "NewModel", fmt.Errorf("absolute-address access requires Base"))
		}
		hdr, err := checkpoint.ReadHeader(&sliceReader{b: cfg.Base})
		if err != nil {
			return checkpoint.Header{}, nil, newError(IOFailure, "NewModel", err)
		}
		return hdr, nil, nil
	}

	f, err := openWithSearchPaths(cfg.CheckpointPath, cfg.SearchPaths)
	if err != nil {
		return checkpoint.Header{}, nil, newError(IOFailure, "NewModel", fmt.Errorf("open checkpoint %s: %w", cfg.CheckpointPath, err))
	}
	hdr, err := checkpoint.ReadHeader(f)
	if err != nil {
		f.Close()
		return checkpoint.Header{}, nil, newError(IOFailure, "NewModel", err)
	}
	return hdr, f, nil
}

// openWithSearchPaths tries path literally, then path joined under each of
// searchPaths in order (§9's search-path fallback supplement).
func openWithSearchPaths(path string, searchPaths []string) (*os.File, error) {
	if f, err := os.Open(path); err == nil {
		return f, nil
	}
	var lastErr error
	for _, dir := range searchPaths {
		f, err := os.Open(filepath.Join(dir, path))
		if err == nil {
			return f, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%s: not found", path)
}

// buildSource constructs the weights.Source for the chosen access mode.
func buildSource(mode weights.AccessMode, base []byte, f *os.File, dataStart int64, cacheLimit int64) (*weights.Source, error) {
	switch mode {
	case weights.AccessAbsolute:
		return weights.NewAbsoluteSource(base[dataStart:]), nil
	case weights.AccessMmap:
		info, err := f.Stat()
		if err != nil {
			return nil, newError(IOFailure, "NewModel", err)
		}
		src, err := weights.NewMmapSource(int(f.Fd()), dataStart, int(info.Size()-dataStart))
		if err != nil {
			return nil, newError(IOFailure, "NewModel", err)
		}
		return src, nil
	default: // AccessReadCache
		return weights.NewReadCacheSource(&offsetReaderAt{ra: f, base: dataStart}, cacheLimit), nil
	}
}

// offsetReaderAt translates reads against a tensor body starting at base
// into absolute reads against the underlying file.
type offsetReaderAt struct {
	ra   *os.File
	base int64
}

func (o *offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.ra.ReadAt(p, o.base+off)
}

// sliceReader adapts a []byte to io.Reader for checkpoint.ReadHeader when
// the model is already resident (AccessAbsolute).
type sliceReader struct {
	b []byte
	i int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.i >= len(s.b) {
		return 0, fmt.Errorf("sliceReader: short buffer")
	}
	n := copy(p, s.b[s.i:])
	s.i += n
	return n, nil
}

// SessionFootprint returns the byte size clamma_txf_session_size computes
// for cfg: the float32 activation/KV-cache arena, the sampler's probIndex
// scratch, and (int8-grouped only) the quantized scratch buffers. Exposed
// for capacity planning ahead of NewSession (§9 supplemented feature).
func SessionFootprint(cfg checkpoint.Config) int64 {
	const probIndexBytes = 16 // int index + float32 prob, machine-word aligned

	size := int64(forward.ArenaFloats(cfg)) * 4
	size += int64(cfg.VocabSize) * probIndexBytes

	if cfg.Version == checkpoint.VersionInt8Grouped {
		size += int64(cfg.Dim) + int64(cfg.Dim/cfg.GroupSize)*4
		size += int64(cfg.HiddenDim) + int64(cfg.HiddenDim/cfg.GroupSize)*4
	}

	return size
}
