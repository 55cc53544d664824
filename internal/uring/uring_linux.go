//go:build linux
// +build linux

package uring

import (
	"errors"
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// acceptAddr is the peer-address scratch space an accept SQE writes into.
// It must outlive the kernel operation, so it is pinned per identifier.
type acceptAddr struct {
	addr syscall.RawSockaddrAny
	len  uint32
}

// connectAddr pins the raw target address of a connect SQE.
type connectAddr struct {
	raw syscall.RawSockaddrAny
	len uint64
}

// ringQueue implements Queue on io_uring via giouring.
type ringQueue struct {
	ring    *giouring.Ring
	entries uint32
	cqes    []*giouring.CompletionQueueEvent

	// Kernel-visible memory pinned per outstanding identifier: accept
	// address buffers, connect sockaddrs and timeout specs. Entries are
	// dropped when the matching CQE is reaped.
	pinned map[uint64]any
}

// New creates an io_uring backed queue with the given number of submission
// entries.
func New(entries uint32) (Queue, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("io_uring setup: %w", err)
	}
	return &ringQueue{
		ring:    ring,
		entries: entries,
		cqes:    make([]*giouring.CompletionQueueEvent, entries*2),
		pinned:  make(map[uint64]any),
	}, nil
}

// Available probes whether the kernel supports io_uring.
func Available() bool {
	ring, err := giouring.CreateRing(4)
	if err != nil {
		return false
	}
	ring.QueueExit()
	return true
}

func (q *ringQueue) Prepare(req SQERequest) error {
	// Anything that can fail happens before an SQE is taken: a consumed but
	// unprepared entry would be submitted by the next Flush with stale
	// opcode and user_data from a previous ring lap.
	var ca *connectAddr
	if req.Code == Connect {
		var err error
		ca, err = rawSockaddr(req.Addr)
		if err != nil {
			return err
		}
	}

	sqe := q.ring.GetSQE()
	if sqe == nil {
		return ErrSQFull
	}

	switch req.Code {
	case Nop:
		sqe.PrepareNop()

	case Accept:
		aa := &acceptAddr{len: uint32(unsafe.Sizeof(syscall.RawSockaddrAny{}))}
		q.pinned[req.ID] = aa
		sqe.PrepareAccept(
			req.FD,
			uintptr(unsafe.Pointer(&aa.addr)),
			uint64(uintptr(unsafe.Pointer(&aa.len))),
			0,
		)

	case Connect:
		q.pinned[req.ID] = ca
		sqe.PrepareConnect(req.FD, (*syscall.Sockaddr)(unsafe.Pointer(&ca.raw)), ca.len)

	case Read:
		sqe.PrepareRead(req.FD, uintptr(unsafe.Pointer(&req.Buf[0])), uint32(len(req.Buf)), req.Offset)

	case Write:
		sqe.PrepareWrite(req.FD, uintptr(unsafe.Pointer(&req.Buf[0])), uint32(len(req.Buf)), req.Offset)

	case Close:
		sqe.PrepareClose(req.FD)

	case Timeout:
		ts := new(syscall.Timespec)
		*ts = syscall.NsecToTimespec(req.Dur.Nanoseconds())
		q.pinned[req.ID] = ts
		sqe.PrepareTimeout(ts, 0, 0)

	case Cancel:
		sqe.PrepareCancel64(req.Target, 0)

	default:
		sqe.PrepareNop()
	}

	sqe.SetData64(req.ID)
	return nil
}

func (q *ringQueue) Flush() (uint, error) {
	for {
		n, err := q.ring.Submit()
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return 0, fmt.Errorf("io_uring submit: %w", err)
		}
		return n, nil
	}
}

func (q *ringQueue) Wait(timeout time.Duration, out []CQE) (int, error) {
	if timeout > 0 {
		ts := syscall.NsecToTimespec(timeout.Nanoseconds())
		if _, err := q.ring.WaitCQEs(1, &ts, nil); err != nil {
			// Timing out or being interrupted with nothing ready is a
			// normal empty round.
			if !errors.Is(err, syscall.ETIME) && !errors.Is(err, syscall.EINTR) && !errors.Is(err, syscall.EAGAIN) {
				return 0, fmt.Errorf("io_uring wait: %w", err)
			}
		}
	}

	n := int(q.ring.PeekBatchCQE(q.cqes))
	if n == 0 {
		return 0, nil
	}
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		cqe := q.cqes[i]
		out[i] = CQE{ID: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}
		delete(q.pinned, cqe.UserData)
	}
	q.ring.CQAdvance(uint32(n))
	return n, nil
}

func (q *ringQueue) Close() error {
	q.ring.QueueExit()
	q.pinned = nil
	return nil
}

// rawSockaddr converts a unix.Sockaddr into the raw form a connect SQE
// needs. Only the address families the loop supports are handled.
func rawSockaddr(sa unix.Sockaddr) (*connectAddr, error) {
	ca := &connectAddr{}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		raw := (*syscall.RawSockaddrInet4)(unsafe.Pointer(&ca.raw))
		raw.Family = syscall.AF_INET
		raw.Port = htons(uint16(a.Port))
		raw.Addr = a.Addr
		ca.len = syscall.SizeofSockaddrInet4
	case *unix.SockaddrInet6:
		raw := (*syscall.RawSockaddrInet6)(unsafe.Pointer(&ca.raw))
		raw.Family = syscall.AF_INET6
		raw.Port = htons(uint16(a.Port))
		raw.Addr = a.Addr
		raw.Scope_id = a.ZoneId
		ca.len = syscall.SizeofSockaddrInet6
	case *unix.SockaddrUnix:
		raw := (*syscall.RawSockaddrUnix)(unsafe.Pointer(&ca.raw))
		raw.Family = syscall.AF_UNIX
		if len(a.Name) >= len(raw.Path) {
			return nil, fmt.Errorf("unix socket path too long: %q", a.Name)
		}
		for i := 0; i < len(a.Name); i++ {
			raw.Path[i] = int8(a.Name[i])
		}
		ca.len = uint64(2 + len(a.Name) + 1)
	default:
		return nil, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
	return ca, nil
}

// htons converts a port to network byte order.
func htons(p uint16) uint16 {
	return p<<8 | p>>8
}
