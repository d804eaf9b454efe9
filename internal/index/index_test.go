package index

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/protostore/internal/constants"
	"github.com/behrlich/protostore/internal/keys"
)

func writeTOC(t *testing.T, dir string, ids []keys.Key, offsets []uint64, lengths []uint16) {
	t.Helper()

	uuidBuf := make([]byte, 0, len(ids)*keys.Size)
	for _, id := range ids {
		uuidBuf = append(uuidBuf, id[:]...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TOCUUIDsFile), uuidBuf, 0o644))

	offsetBuf := make([]byte, len(offsets)*8)
	for i, o := range offsets {
		binary.NativeEndian.PutUint64(offsetBuf[i*8:], o)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TOCOffsetsFile), offsetBuf, 0o644))

	lengthBuf := make([]byte, len(lengths)*2)
	for i, l := range lengths {
		binary.NativeEndian.PutUint16(lengthBuf[i*2:], l)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TOCLengthsFile), lengthBuf, 0o644))
}

func keyOf(last byte) keys.Key {
	var k keys.Key
	k[keys.Size-1] = last
	return k
}

func TestOpenLookupHappyPath(t *testing.T) {
	dir := t.TempDir()
	ids := []keys.Key{keyOf(1), keyOf(2), keyOf(5)}
	writeTOC(t, dir, ids, []uint64{0, 4, 8}, []uint16{4, 4, 4})

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, 3, idx.Len())
	assert.EqualValues(t, 4, idx.MaxLength())

	off, ln, ok := idx.Lookup(keyOf(2))
	require.True(t, ok)
	assert.EqualValues(t, 4, off)
	assert.EqualValues(t, 4, ln)
}

func TestLookupUnknownKey(t *testing.T) {
	dir := t.TempDir()
	writeTOC(t, dir, []keys.Key{keyOf(1), keyOf(2), keyOf(5)}, []uint64{0, 4, 8}, []uint16{4, 4, 4})

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	_, _, ok := idx.Lookup(keyOf(3))
	assert.False(t, ok)

	_, _, ok = idx.Lookup(keyOf(99))
	assert.False(t, ok)
}

func TestOpenRejectsMismatchedLengths(t *testing.T) {
	dir := t.TempDir()
	writeTOC(t, dir, []keys.Key{keyOf(1), keyOf(2)}, []uint64{0}, []uint16{4, 4})

	_, err := Open(dir)
	require.Error(t, err)
	var malformed *MalformedIndexError
	assert.ErrorAs(t, err, &malformed)
}

func TestOpenRejectsUnsortedKeys(t *testing.T) {
	dir := t.TempDir()
	writeTOC(t, dir, []keys.Key{keyOf(5), keyOf(1)}, []uint64{0, 4}, []uint16{4, 4})

	_, err := Open(dir)
	require.Error(t, err)
}

func TestOpenEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	writeTOC(t, dir, nil, nil, nil)

	idx, err := Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, 0, idx.Len())
	assert.EqualValues(t, 0, idx.MaxLength())
	_, _, ok := idx.Lookup(keyOf(1))
	assert.False(t, ok)
}
