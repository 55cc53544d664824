//go:build linux
// +build linux

package aio

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-aio/internal/logging"
)

func newPollLoop(t *testing.T) *Loop {
	t.Helper()
	metrics := NewMetrics()
	b, err := newPollBackend(logging.Default(), metrics)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Metrics = metrics
	l := NewWithBackend(b, cfg)
	t.Cleanup(func() { l.Close() })
	return l
}

func nonBlockingPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// tickUntil drives the loop until done reports true or the deadline passes.
func tickUntil(t *testing.T, l *Loop, done *bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !*done {
		require.NoError(t, l.Tick(10*time.Millisecond))
		if time.Now().After(deadline) {
			t.Fatal("loop made no progress before deadline")
		}
	}
}

func TestPollReadyDescriptorDispatchesSameTick(t *testing.T) {
	l := newPollLoop(t)
	r, w := nonBlockingPipe(t)

	_, err := unix.Write(w, []byte("hello"))
	require.NoError(t, err)

	var got Result
	done := false
	buf := make([]byte, 64)
	c := NewCompletion(Read(r, buf), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))

	// Data is already there: the optimistic attempt succeeds and the result
	// is delivered without waiting.
	require.NoError(t, l.Tick(0))
	require.True(t, done)
	require.NoError(t, got.Err)
	assert.Equal(t, "hello", string(buf[:got.N]))
}

func TestPollWouldBlockThenReady(t *testing.T) {
	l := newPollLoop(t)
	r, w := nonBlockingPipe(t)

	var got Result
	done := false
	buf := make([]byte, 64)
	c := NewCompletion(Read(r, buf), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))

	// Nothing to read yet; the attempt blocks and the op parks.
	require.NoError(t, l.Tick(0))
	require.False(t, done)
	assert.Equal(t, uint64(1), l.Metrics().WouldBlock.Load())
	assert.Equal(t, 1, l.Pending())

	_, err := unix.Write(w, []byte("later"))
	require.NoError(t, err)

	tickUntil(t, l, &done)
	require.NoError(t, got.Err)
	assert.Equal(t, 5, got.N)
	assert.Equal(t, 0, l.Pending())
}

func TestPollShortReadIsSuccess(t *testing.T) {
	l := newPollLoop(t)
	r, w := nonBlockingPipe(t)

	_, err := unix.Write(w, []byte("ten bytes!"))
	require.NoError(t, err)

	var got Result
	done := false
	c := NewCompletion(Read(r, make([]byte, 4096)), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))
	require.NoError(t, l.Tick(0))

	require.True(t, done)
	require.NoError(t, got.Err)
	assert.Equal(t, 10, got.N, "a short read is a success, not an error")
}

func TestPollDuplicateDirectionRejected(t *testing.T) {
	l := newPollLoop(t)
	r, _ := nonBlockingPipe(t)

	require.NoError(t, l.Submit(NewCompletion(Read(r, make([]byte, 8)), nil, nil)))

	err := l.Submit(NewCompletion(Read(r, make([]byte, 8)), nil, nil))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidState))

	// The other direction on the same descriptor is fine.
	require.NoError(t, l.Submit(NewCompletion(Write(r, []byte("x")), nil, nil)))
}

func TestPollAcceptEndToEnd(t *testing.T) {
	l := newPollLoop(t)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(lfd) })
	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Bind(lfd, sa))
	require.NoError(t, unix.Listen(lfd, 8))
	bound, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	port := bound.(*unix.SockaddrInet4).Port

	var got Result
	done := false
	c := NewCompletion(Accept(lfd), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))
	require.NoError(t, l.Tick(0))
	require.False(t, done, "no client yet")

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tickUntil(t, l, &done)
	require.NoError(t, got.Err)
	require.GreaterOrEqual(t, got.FD, 0)
	unix.Close(got.FD)
}

func TestPollConnectRefused(t *testing.T) {
	l := newPollLoop(t)

	// Grab a port that nothing listens on by binding and closing.
	probe, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(probe, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	bound, err := unix.Getsockname(probe)
	require.NoError(t, err)
	port := bound.(*unix.SockaddrInet4).Port
	require.NoError(t, unix.Close(probe))

	cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(cfd) })

	var got Result
	done := false
	target := &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	c := NewCompletion(Connect(cfd, target), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))

	tickUntil(t, l, &done)
	require.Error(t, got.Err)
	assert.True(t, IsCode(got.Err, ErrCodeConnRefused))
	assert.False(t, IsFatal(got.Err))

	// Retrying with the same Completion must issue a fresh connect rather
	// than re-reading the consumed SO_ERROR verdict, so the retry cannot
	// masquerade as a success.
	done = false
	got = Result{}
	require.NoError(t, l.Submit(c))
	tickUntil(t, l, &done)
	require.Error(t, got.Err, "retried connect on a dead socket reported success")
}

func TestPollCancelPendingRead(t *testing.T) {
	l := newPollLoop(t)
	r, _ := nonBlockingPipe(t)

	var got Result
	done := false
	c := NewCompletion(Read(r, make([]byte, 8)), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))
	require.NoError(t, l.Tick(0))
	require.False(t, done)

	require.NoError(t, l.Cancel(c))
	require.False(t, done, "cancellation is never synchronous")

	require.NoError(t, l.Tick(0))
	require.True(t, done)
	assert.True(t, IsCode(got.Err, ErrCodeCanceled))
	assert.Equal(t, 0, l.Pending())
}

func TestPollTimeoutOperation(t *testing.T) {
	l := newPollLoop(t)

	var got Result
	done := false
	c := NewCompletion(Timeout(20*time.Millisecond), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))

	start := time.Now()
	deadline := time.Now().Add(2 * time.Second)
	for !done && time.Now().Before(deadline) {
		// The timer deadline bounds the wait, so a long timeout does not
		// delay expiry.
		require.NoError(t, l.Tick(time.Second))
	}
	require.True(t, done)
	require.NoError(t, got.Err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestPollCloseOperation(t *testing.T) {
	l := newPollLoop(t)
	r, _ := nonBlockingPipe(t)

	done := false
	var got Result
	c := NewCompletion(Close(r), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))
	require.NoError(t, l.Tick(0))

	require.True(t, done)
	require.NoError(t, got.Err)
	// The descriptor is gone now.
	buf := make([]byte, 1)
	_, err := unix.Read(r, buf)
	assert.Equal(t, unix.EBADF, err)
}

func TestPollPeerCloseSurfacesAsResult(t *testing.T) {
	l := newPollLoop(t)
	r, w := nonBlockingPipe(t)

	var got Result
	done := false
	c := NewCompletion(Read(r, make([]byte, 8)), nil, func(_ *Loop, _ *Completion, res Result) {
		got = res
		done = true
	})
	require.NoError(t, l.Submit(c))
	require.NoError(t, l.Tick(0))
	require.False(t, done)

	require.NoError(t, unix.Close(w))

	tickUntil(t, l, &done)
	// EOF arrives as a successful zero-byte read.
	require.NoError(t, got.Err)
	assert.Equal(t, 0, got.N)
}

func TestPollReentrantEchoRoundTrip(t *testing.T) {
	l := newPollLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	done := false
	buf := make([]byte, 64)
	read := NewCompletion(Read(fds[0], buf), nil, func(l *Loop, _ *Completion, res Result) {
		require.NoError(t, res.Err)
		// Echo back from inside the callback; lands next tick.
		echo := NewCompletion(Write(fds[0], buf[:res.N]), nil, func(_ *Loop, _ *Completion, res Result) {
			require.NoError(t, res.Err)
			done = true
		})
		require.NoError(t, l.Submit(echo))
	})
	require.NoError(t, l.Submit(read))

	tickUntil(t, l, &done)

	reply := make([]byte, 64)
	n, err := unix.Read(fds[1], reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply[:n]))
}
