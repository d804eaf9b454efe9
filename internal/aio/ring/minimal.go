package ring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI constants (include/uapi/linux/io_uring.h). Mirrored here
// rather than imported because this is the dependency-free default ring;
// see giouring.go for the library-backed alternative.
const (
	ioUringOpRead  = 22
	ioUringOpWrite = 23

	ioringEnterGetEvents = 1 << 0

	ioringFeatSingleMMap = 1 << 0

	ioringOffSQRing = 0x00000000
	ioringOffCQRing = 0x08000000
	ioringOffSQEs   = 0x10000000

	ioringRegisterEventFD = 4
)

type sqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	UserAddr                                                        uint64
}

type cqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	UserAddr                                                        uint64
}

type ioUringParams struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        sqringOffsets
	CQOff        cqringOffsets
}

// sqe mirrors struct io_uring_sqe for the plain read/write opcodes this
// ring uses; the command-specific union fields used by URING_CMD are
// omitted.
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	FD          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_           uint64
}

// cqe mirrors struct io_uring_cqe.
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type minimalRing struct {
	fd     int
	params ioUringParams

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead, sqTail, sqMask, sqArray unsafe.Pointer
	cqHead, cqTail, cqMask          unsafe.Pointer
	cqes                            unsafe.Pointer

	sqPending uint32 // staged but not yet submitted
}

// New creates the default ring implementation using raw io_uring syscalls.
func New(cfg Config) (Ring, error) {
	params := ioUringParams{SQEntries: cfg.Entries}

	fd, _, errno := syscall.Syscall(unix.SYS_IO_URING_SETUP, uintptr(cfg.Entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &minimalRing{fd: int(fd), params: params}
	if err := r.mmapRings(); err != nil {
		syscall.Close(int(fd))
		return nil, err
	}
	return r, nil
}

func (r *minimalRing) mmapRings() error {
	sqRingSize := r.params.SQOff.Array + r.params.SQEntries*4
	cqRingSize := r.params.CQOff.CQEs + r.params.CQEntries*uint32(unsafe.Sizeof(cqe{}))

	singleMMap := r.params.Features&ioringFeatSingleMMap != 0
	if singleMMap && cqRingSize < sqRingSize {
		cqRingSize = sqRingSize
	}

	sqMem, err := unix.Mmap(r.fd, ioringOffSQRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqMem = sqMem

	var cqMem []byte
	if singleMMap {
		cqMem = sqMem
	} else {
		cqMem, err = unix.Mmap(r.fd, ioringOffCQRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMem)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
	}
	r.cqMem = cqMem

	sqeMem, err := unix.Mmap(r.fd, ioringOffSQEs, int(r.params.SQEntries)*int(unsafe.Sizeof(sqe{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		if !singleMMap {
			unix.Munmap(cqMem)
		}
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqeMem = sqeMem

	sqBase := unsafe.Pointer(&sqMem[0])
	r.sqHead = unsafe.Add(sqBase, r.params.SQOff.Head)
	r.sqTail = unsafe.Add(sqBase, r.params.SQOff.Tail)
	r.sqMask = unsafe.Add(sqBase, r.params.SQOff.RingMask)
	r.sqArray = unsafe.Add(sqBase, r.params.SQOff.Array)

	cqBase := unsafe.Pointer(&cqMem[0])
	r.cqHead = unsafe.Add(cqBase, r.params.CQOff.Head)
	r.cqTail = unsafe.Add(cqBase, r.params.CQOff.Tail)
	r.cqMask = unsafe.Add(cqBase, r.params.CQOff.RingMask)
	r.cqes = unsafe.Add(cqBase, r.params.CQOff.CQEs)

	return nil
}

func (r *minimalRing) prepare(opcode uint8, fd int, buf []byte, offset uint64, userData uint64) error {
	tail := atomic.LoadUint32((*uint32)(r.sqTail))
	head := atomic.LoadUint32((*uint32)(r.sqHead))
	if tail-head >= r.params.SQEntries {
		return ErrRingFull
	}
	mask := *(*uint32)(r.sqMask)
	idx := tail & mask

	slot := (*sqe)(unsafe.Add(unsafe.Pointer(&r.sqeMem[0]), uintptr(idx)*unsafe.Sizeof(sqe{})))
	*slot = sqe{
		Opcode:   opcode,
		FD:       int32(fd),
		Off:      offset,
		UserData: userData,
	}
	if len(buf) > 0 {
		slot.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		slot.Len = uint32(len(buf))
	}

	arraySlot := (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
	*arraySlot = idx

	atomic.StoreUint32((*uint32)(r.sqTail), tail+1)
	r.sqPending++
	return nil
}

func (r *minimalRing) PrepareRead(fd int, buf []byte, offset uint64, userData uint64) error {
	return r.prepare(ioUringOpRead, fd, buf, offset, userData)
}

func (r *minimalRing) PrepareWrite(fd int, buf []byte, offset uint64, userData uint64) error {
	return r.prepare(ioUringOpWrite, fd, buf, offset, userData)
}

func (r *minimalRing) Submit() (uint32, error) {
	toSubmit := r.sqPending
	if toSubmit == 0 {
		return 0, nil
	}
	n, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit), 0, 0, 0, 0)
	if errno != 0 {
		if errno == syscall.EINTR || errno == syscall.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("io_uring_enter: %w", errno)
	}
	r.sqPending -= uint32(n)
	return uint32(n), nil
}

func (r *minimalRing) peekLocked() (CQE, bool) {
	head := atomic.LoadUint32((*uint32)(r.cqHead))
	tail := atomic.LoadUint32((*uint32)(r.cqTail))
	if head == tail {
		return CQE{}, false
	}
	mask := *(*uint32)(r.cqMask)
	idx := head & mask
	slot := (*cqe)(unsafe.Add(r.cqes, uintptr(idx)*unsafe.Sizeof(cqe{})))
	out := CQE{UserData: slot.UserData, Res: slot.Res}
	atomic.StoreUint32((*uint32)(r.cqHead), head+1)
	return out, true
}

func (r *minimalRing) PeekCQE() (CQE, bool, error) {
	c, ok := r.peekLocked()
	return c, ok, nil
}

func (r *minimalRing) WaitCQE() (CQE, error) {
	for {
		if c, ok := r.peekLocked(); ok {
			return c, nil
		}
		_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), 0, 1, ioringEnterGetEvents, 0, 0)
		if errno != 0 && errno != syscall.EINTR {
			return CQE{}, fmt.Errorf("io_uring_enter wait: %w", errno)
		}
	}
}

func (r *minimalRing) RegisterEventFD(fd int) error {
	_, _, errno := syscall.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), ioringRegisterEventFD, uintptr(unsafe.Pointer(&fd)), 1, 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register eventfd: %w", errno)
	}
	return nil
}

func (r *minimalRing) Close() error {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
	}
	if r.cqMem != nil && &r.cqMem[0] != &r.sqMem[0] {
		unix.Munmap(r.cqMem)
	}
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
	}
	return syscall.Close(r.fd)
}
