//go:build giouring

package ring

import (
	"fmt"

	"github.com/pawelgaczynski/giouring"
)

// giouringRing wraps github.com/pawelgaczynski/giouring, the teacher
// repo's own declared io_uring dependency. The teacher's matching-named
// internal/uring/iouring.go (also gated behind the "giouring" build tag)
// imported an unrelated, undeclared library instead (iceber/iouring-go);
// this file fixes that mismatch by actually using the go.mod dependency
// the build tag is named after.
type giouringRing struct {
	ring *giouring.Ring
}

// New creates a ring backed by liburing via cgo-free bindings.
func New(cfg Config) (Ring, error) {
	r, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, fmt.Errorf("giouring.CreateRing: %w", err)
	}
	return &giouringRing{ring: r}, nil
}

func (g *giouringRing) PrepareRead(fd int, buf []byte, offset uint64, userData uint64) error {
	sqe := g.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepareRead(int32(fd), buf, offset)
	sqe.SetUserData(userData)
	return nil
}

func (g *giouringRing) PrepareWrite(fd int, buf []byte, offset uint64, userData uint64) error {
	sqe := g.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepareWrite(int32(fd), buf, offset)
	sqe.SetUserData(userData)
	return nil
}

func (g *giouringRing) Submit() (uint32, error) {
	n, err := g.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("giouring submit: %w", err)
	}
	return uint32(n), nil
}

func (g *giouringRing) PeekCQE() (CQE, bool, error) {
	cqe, err := g.ring.PeekCQE()
	if err != nil {
		return CQE{}, false, nil
	}
	out := CQE{UserData: cqe.UserData, Res: cqe.Res}
	g.ring.SeenCQE(cqe)
	return out, true, nil
}

func (g *giouringRing) WaitCQE() (CQE, error) {
	cqe, err := g.ring.WaitCQE()
	if err != nil {
		return CQE{}, fmt.Errorf("giouring wait: %w", err)
	}
	out := CQE{UserData: cqe.UserData, Res: cqe.Res}
	g.ring.SeenCQE(cqe)
	return out, nil
}

func (g *giouringRing) RegisterEventFD(fd int) error {
	return g.ring.RegisterEventFd(fd)
}

func (g *giouringRing) Close() error {
	g.ring.QueueExit()
	return nil
}
