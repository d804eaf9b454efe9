// Package index implements the read-only table-of-contents lookup: three
// parallel memory-mapped arrays (keys, offsets, lengths) searched by binary
// probe. See _examples/original_source/src/toc.rs for the layout this
// mirrors.
package index

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/protostore/internal/constants"
	"github.com/behrlich/protostore/internal/keys"
)

// mapping holds one mmap'd file's bytes so it can be unmapped on Close.
type mapping struct {
	data []byte
}

// Index is a read-only, memory-mapped table of contents. It is safe for
// concurrent use by multiple goroutines; all operations are read-only after
// Open returns.
type Index struct {
	uuids   []keys.Key
	offsets []uint64
	lengths []uint16
	maxLen  uint16

	maps []mapping
}

// Open memory-maps the three TOC files under dir and validates their sizes
// agree. Byte order is host-endian: the files are produced and consumed on
// the same architecture, exactly like the original implementation's
// transmute-based load, so no endianness conversion is performed here.
func Open(dir string) (*Index, error) {
	uuidBytes, uuidMap, err := mapFile(dir, constants.TOCUUIDsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("index: open %s: %w", dir, err)
		}
		return nil, &MalformedIndexError{Path: dir, Inner: err}
	}

	n := len(uuidBytes) / keys.Size
	if len(uuidBytes)%keys.Size != 0 {
		unix.Munmap(uuidMap.data)
		return nil, &MalformedIndexError{Path: dir, Inner: fmt.Errorf("uuids file size %d is not a multiple of %d", len(uuidBytes), keys.Size)}
	}

	offsetBytes, offsetMap, err := mapFile(dir, constants.TOCOffsetsFile)
	if err != nil {
		unix.Munmap(uuidMap.data)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("index: open %s: %w", dir, err)
		}
		return nil, &MalformedIndexError{Path: dir, Inner: err}
	}
	if len(offsetBytes) != n*8 {
		unix.Munmap(uuidMap.data)
		unix.Munmap(offsetMap.data)
		return nil, &MalformedIndexError{Path: dir, Inner: fmt.Errorf("offsets file has %d entries, want %d", len(offsetBytes)/8, n)}
	}

	lengthBytes, lengthMap, err := mapFile(dir, constants.TOCLengthsFile)
	if err != nil {
		unix.Munmap(uuidMap.data)
		unix.Munmap(offsetMap.data)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("index: open %s: %w", dir, err)
		}
		return nil, &MalformedIndexError{Path: dir, Inner: err}
	}
	if len(lengthBytes) != n*2 {
		unix.Munmap(uuidMap.data)
		unix.Munmap(offsetMap.data)
		unix.Munmap(lengthMap.data)
		return nil, &MalformedIndexError{Path: dir, Inner: fmt.Errorf("lengths file has %d entries, want %d", len(lengthBytes)/2, n)}
	}

	idx := &Index{
		maps: []mapping{uuidMap, offsetMap, lengthMap},
	}
	if n > 0 {
		idx.uuids = unsafe.Slice((*keys.Key)(unsafe.Pointer(&uuidBytes[0])), n)
		idx.offsets = unsafe.Slice((*uint64)(unsafe.Pointer(&offsetBytes[0])), n)
		idx.lengths = unsafe.Slice((*uint16)(unsafe.Pointer(&lengthBytes[0])), n)
	}

	if !sort.SliceIsSorted(idx.uuids, func(i, j int) bool { return idx.uuids[i].Less(idx.uuids[j]) }) {
		idx.Close()
		return nil, &MalformedIndexError{Path: dir, Inner: fmt.Errorf("keys are not strictly ascending")}
	}

	for _, l := range idx.lengths {
		if l > idx.maxLen {
			idx.maxLen = l
		}
	}

	return idx, nil
}

// Lookup returns the stored offset and length for key, or ok=false if the
// key is not present.
func (idx *Index) Lookup(key keys.Key) (offset uint64, length uint16, ok bool) {
	n := len(idx.uuids)
	i := sort.Search(n, func(i int) bool { return !idx.uuids[i].Less(key) })
	if i >= n || idx.uuids[i] != key {
		return 0, 0, false
	}
	return idx.offsets[i], idx.lengths[i], true
}

// MaxLength returns the largest value length recorded in the index, 0 if
// the index is empty.
func (idx *Index) MaxLength() uint16 { return idx.maxLen }

// Len returns the number of entries in the index.
func (idx *Index) Len() int { return len(idx.uuids) }

// Close unmaps the backing files.
func (idx *Index) Close() error {
	var firstErr error
	for _, m := range idx.maps {
		if m.data == nil {
			continue
		}
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	idx.maps = nil
	idx.uuids = nil
	idx.offsets = nil
	idx.lengths = nil
	return firstErr
}

func mapFile(dir, name string) ([]byte, mapping, error) {
	path := dir + "/" + name
	f, err := os.Open(path)
	if err != nil {
		return nil, mapping{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, mapping{}, err
	}
	size := int(st.Size())
	if size == 0 {
		return nil, mapping{data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, mapping{}, fmt.Errorf("mmap %s: %w", path, err)
	}
	return data, mapping{data: data}, nil
}

// MalformedIndexError reports that the on-disk TOC files are present but
// truncated, inconsistently sized, or unsorted. A missing TOC file is a
// plain filesystem error instead (see Open), since that disposition —
// no index has been built yet — is distinct from a corrupt one.
type MalformedIndexError struct {
	Path  string
	Inner error
}

func (e *MalformedIndexError) Error() string {
	return fmt.Sprintf("malformed index at %s: %v", e.Path, e.Inner)
}

func (e *MalformedIndexError) Unwrap() error { return e.Inner }
