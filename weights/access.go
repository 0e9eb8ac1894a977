// Package weights resolves a model's tensor handles into byte spans under
// one of three access modes, and implements the byte-budgeted read-cache
// used when neither mmap nor a caller-supplied base address is available.
package weights

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// AccessMode selects how the model's weight bytes are reached.
type AccessMode int

const (
	// AccessMmap maps the checkpoint file into the process's address space;
	// spans are zero-copy slices into the mapping.
	AccessMmap AccessMode = iota
	// AccessAbsolute treats the model as already resident at a caller-
	// supplied base address; spans are zero-copy slices into it.
	AccessAbsolute
	// AccessReadCache has no resident mapping; spans are served from an
	// on-demand, byte-budgeted read cache backed by pread that evicts its
	// oldest entries first.
	AccessReadCache
)

func (m AccessMode) String() string {
	switch m {
	case AccessMmap:
		return "mmap"
	case AccessAbsolute:
		return "absolute-address"
	case AccessReadCache:
		return "read-cache"
	default:
		return "unknown"
	}
}

// Source is the backing store a Model resolves spans against: either a
// resident base (mmap or caller-supplied address) or a ReaderAt plus a
// byte-budgeted cache for on-demand reads.
type Source struct {
	Mode AccessMode

	// resident holds the full body for AccessMmap/AccessAbsolute.
	resident []byte
	mmapped  []byte // non-nil only when this Source owns an unix.Mmap mapping

	// ra and cache serve AccessReadCache.
	ra    io.ReaderAt
	cache *Cache
}

// NewMmapSource maps fd's contents (from offset 0 through dataStart+size)
// read-only and slices the tensor body out at dataStart. mmap(2) requires
// the mapping offset to be a multiple of the page size, which dataStart
// (a header length, e.g. 28 or 256 bytes) never is; mapping from 0 and
// slicing afterward sidesteps that instead of rounding dataStart down and
// re-deriving an in-page adjustment.
func NewMmapSource(fd int, dataStart int64, size int) (*Source, error) {
	b, err := unix.Mmap(fd, 0, int(dataStart)+size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("weights: mmap: %w", err)
	}
	return &Source{Mode: AccessMmap, resident: b[dataStart:], mmapped: b}, nil
}

// NewAbsoluteSource wraps a caller-supplied, already-resident base address.
// The caller retains ownership of base's backing memory.
func NewAbsoluteSource(base []byte) *Source {
	return &Source{Mode: AccessAbsolute, resident: base}
}

// NewReadCacheSource builds a Source that serves spans on demand from ra,
// evicting the byte-budgeted cache as needed.
func NewReadCacheSource(ra io.ReaderAt, cacheLimit int64) *Source {
	return &Source{Mode: AccessReadCache, ra: ra, cache: NewCache(ra, cacheLimit)}
}

// Close releases any mmap mapping owned by the Source. No-op otherwise.
func (s *Source) Close() error {
	if s.mmapped != nil {
		err := unix.Munmap(s.mmapped)
		s.mmapped = nil
		return err
	}
	return nil
}

// Span returns the byte range [offset, offset+length) of the tensor body.
// For mmap/absolute modes this is a zero-copy slice with no locking; for
// read-cache mode it may block on a cache miss (pread) and returns a
// nil slice on failure, which callers treat as a fatal per-step error
// (spec §4.1).
func (s *Source) Span(offset int64, length int64) []byte {
	switch s.Mode {
	case AccessMmap, AccessAbsolute:
		if offset < 0 || offset+length > int64(len(s.resident)) {
			return nil
		}
		return s.resident[offset : offset+length]
	default:
		return s.cache.Get(offset, length)
	}
}
