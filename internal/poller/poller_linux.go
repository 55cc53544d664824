// Package poller binds the edge-triggered readiness facility (epoll) for
// the poll backend. Interest is one-shot: after a descriptor reports ready
// the caller must call Set again to re-arm whatever interest remains.
package poller

import (
	"fmt"

	"time"

	"golang.org/x/sys/unix"
)

// Interest is a bitmask of readiness directions.
type Interest uint8

const (
	In  Interest = 1 << iota // readable
	Out                      // writable
)

// Event reports readiness for one descriptor. Closed covers error and
// hang-up conditions; the caller re-attempts the operation to surface the
// concrete errno.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Closed   bool
}

// Poller wraps one epoll instance.
type Poller struct {
	epfd       int
	registered map[int]Interest
	events     []unix.EpollEvent
}

// New creates a poller.
func New(eventBatch int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Poller{
		epfd:       epfd,
		registered: make(map[int]Interest),
		events:     make([]unix.EpollEvent, eventBatch),
	}, nil
}

// Set replaces the interest mask for fd. A zero mask removes the
// descriptor from the interest set. Registration is edge-triggered and
// one-shot: a wake disarms the descriptor until the next Set.
func (p *Poller) Set(fd int, interest Interest) error {
	if interest == 0 {
		if _, ok := p.registered[fd]; !ok {
			return nil
		}
		delete(p.registered, fd)
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("epoll ctl del: %w", err)
		}
		return nil
	}

	ev := unix.EpollEvent{
		Events: unix.EPOLLET | unix.EPOLLONESHOT | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if interest&In != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if interest&Out != 0 {
		ev.Events |= unix.EPOLLOUT
	}

	op := unix.EPOLL_CTL_ADD
	if _, ok := p.registered[fd]; ok {
		// Still in the set even after a one-shot wake disarmed it.
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	p.registered[fd] = interest
	return nil
}

// Registered returns the last interest mask set for fd, if any.
func (p *Poller) Registered(fd int) (Interest, bool) {
	i, ok := p.registered[fd]
	return i, ok
}

// Wait blocks up to timeout for readiness notifications and fills out.
// A negative timeout blocks indefinitely. Interruption by a signal is a
// normal empty round.
func (p *Poller) Wait(timeout time.Duration, out []Event) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if timeout > 0 && ms == 0 {
			ms = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	if n > len(out) {
		n = len(out)
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		out[i] = Event{
			FD:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Closed:   ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		}
	}
	return n, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.registered = nil
	return unix.Close(p.epfd)
}
