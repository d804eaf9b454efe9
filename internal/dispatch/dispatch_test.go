package dispatch

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/protostore/internal/aio/ring"
	"github.com/behrlich/protostore/internal/constants"
	"github.com/behrlich/protostore/internal/index"
	"github.com/behrlich/protostore/internal/keys"
	"github.com/behrlich/protostore/internal/protocol"
)

// memRing backs every lane's session with the same in-memory file so reads
// issued through different lanes observe consistent data. It completes
// synchronously on PrepareRead/PrepareWrite, so RegisterEventFD's fd is
// signaled there rather than at Submit, matching when a completion
// actually becomes visible to PeekCQE.
type memRing struct {
	mu       sync.Mutex
	file     []byte
	staged   []ring.CQE
	eventFD  int
	hasEvent bool
}

func (r *memRing) notify() {
	if !r.hasEvent {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(r.eventFD, buf[:])
}

func (r *memRing) PrepareRead(fd int, buf []byte, offset uint64, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(buf, r.file[offset:])
	r.staged = append(r.staged, ring.CQE{UserData: userData, Res: int32(n)})
	r.notify()
	return nil
}

func (r *memRing) PrepareWrite(fd int, buf []byte, offset uint64, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(r.file[offset:], buf)
	r.staged = append(r.staged, ring.CQE{UserData: userData, Res: int32(n)})
	r.notify()
	return nil
}

func (r *memRing) Submit() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.staged)
	return uint32(n), nil
}

func (r *memRing) PeekCQE() (ring.CQE, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.staged) == 0 {
		return ring.CQE{}, false, nil
	}
	c := r.staged[0]
	r.staged = r.staged[1:]
	return c, true, nil
}

func (r *memRing) WaitCQE() (ring.CQE, error) {
	for {
		if c, ok, _ := r.PeekCQE(); ok {
			return c, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *memRing) RegisterEventFD(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventFD = fd
	r.hasEvent = true
	return nil
}
func (r *memRing) Close() error { return nil }

func keyOf(last byte) keys.Key {
	var k keys.Key
	k[keys.Size-1] = last
	return k
}

func TestDispatcherRoundTripsReadOverTCP(t *testing.T) {
	dir := t.TempDir()

	id := keyOf(7)
	uuidBuf := id[:]
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TOCUUIDsFile), uuidBuf, 0o644))
	offsetBuf := make([]byte, 8)
	binary.NativeEndian.PutUint64(offsetBuf, 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TOCOffsetsFile), offsetBuf, 0o644))
	lengthBuf := make([]byte, 2)
	binary.NativeEndian.PutUint16(lengthBuf, 5)
	require.NoError(t, os.WriteFile(filepath.Join(dir, constants.TOCLengthsFile), lengthBuf, 0o644))

	idx, err := index.Open(dir)
	require.NoError(t, err)
	defer idx.Close()

	shared := &memRing{file: make([]byte, 4096)}
	copy(shared.file[0:5], []byte("howdy"))

	d, err := New(Config{
		ListenAddr:    "127.0.0.1:0",
		NumTCPThreads: 2,
		MaxQueueDepth: 8,
		MaxBodyLen:    constants.DefaultMaxBodyLen,
		Index:         idx,
		NewRing:       func(ring.Config) (ring.Ring, error) { return shared, nil },
	})
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	var addr net.Addr
	for i := 0; i < 50; i++ {
		if addr = d.Addr(); addr != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, addr, "dispatcher did not bind a listener in time")

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr.String())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	req := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint64(req[0:8], 1)
	req[8] = byte(protocol.OpRead)
	copy(req[9:9+keys.Size], id[:])
	binary.BigEndian.PutUint32(req[9+keys.Size:], 0)
	_, err = conn.Write(req)
	require.NoError(t, err)

	header := make([]byte, protocol.ResponseHeaderSize)
	_, err = readFull(conn, header)
	require.NoError(t, err)
	bodyLen := binary.BigEndian.Uint32(header[8:12])
	body := make([]byte, bodyLen)
	_, err = readFull(conn, body)
	require.NoError(t, err)

	assert.Equal(t, "howdy", string(body))

	cancel()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
