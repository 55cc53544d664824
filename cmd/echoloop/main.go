//go:build linux
// +build linux

// echoloop is a TCP echo server built on the aio event loop. Each worker
// owns one loop, one SO_REUSEPORT listening socket, and one arena of
// connection state, so no locks are needed anywhere on the data path.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	aio "github.com/behrlich/go-aio"
	"github.com/behrlich/go-aio/internal/arena"
	"github.com/behrlich/go-aio/internal/logging"
)

const connBufSize = 32 * 1024

func main() {
	var (
		addr    = flag.String("addr", "127.0.0.1:9000", "Listen address")
		backend = flag.String("backend", "auto", "Backend: auto, ring, or poll")
		workers = flag.Int("workers", runtime.NumCPU(), "Number of loop workers")
		stats   = flag.Duration("stats", 10*time.Second, "Stats logging interval (0 disables)")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	host, port, err := splitAddr(*addr)
	if err != nil {
		log.Fatalf("Invalid address '%s': %v", *addr, err)
	}

	metrics := aio.NewMetrics()
	var stop atomic.Bool
	var wg sync.WaitGroup

	for i := 0; i < *workers; i++ {
		w, err := newWorker(i, host, port, aio.BackendKind(*backend), *stats, metrics, logger, &stop)
		if err != nil {
			logger.Error("failed to start worker", "worker", i, "error", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run()
		}()
	}

	logger.Info("echo server listening",
		"addr", *addr,
		"workers", *workers,
		"backend", *backend)
	fmt.Printf("Listening on %s with %d workers\n", *addr, *workers)
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	stop.Store(true)
	wg.Wait()

	snap := metrics.Snapshot()
	logger.Info("final stats",
		"dispatched", snap.Dispatched,
		"accepts", snap.AcceptOps,
		"read_bytes", snap.ReadBytes,
		"write_bytes", snap.WriteBytes,
		"errors", snap.OpErrors,
		"avg_latency_ns", snap.AvgLatencyNs)
}

// conn holds the per-connection echo state. It lives in the worker's arena
// and is addressed by handle, never by pointer, from completion callbacks.
type conn struct {
	fd      int
	buf     []byte
	out     []byte // unwritten tail of the current echo
	closing bool
}

type worker struct {
	id       int
	loop     *aio.Loop
	conns    *arena.Arena[conn]
	inflight map[*aio.Completion]struct{}
	listenFD int
	stats    time.Duration
	logger   *logging.Logger
	stop     *atomic.Bool
	draining bool
}

func newWorker(id int, host string, port int, kind aio.BackendKind, stats time.Duration, metrics *aio.Metrics, logger *logging.Logger, stop *atomic.Bool) (*worker, error) {
	fd, err := listenSocket(host, port)
	if err != nil {
		return nil, err
	}

	cfg := aio.DefaultConfig()
	cfg.Backend = kind
	cfg.Logger = logger
	cfg.Metrics = metrics
	loop, err := aio.New(cfg)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &worker{
		id:       id,
		loop:     loop,
		conns:    arena.New[conn](64),
		inflight: make(map[*aio.Completion]struct{}),
		listenFD: fd,
		stats:    stats,
		logger:   logger,
		stop:     stop,
	}, nil
}

// listenSocket opens a non-blocking listening socket with SO_REUSEPORT so
// every worker binds the same address and the kernel spreads accepts.
func listenSocket(host string, port int) (int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return -1, fmt.Errorf("cannot parse host %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return -1, fmt.Errorf("only IPv4 listen addresses are supported, got %q", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// run drives the loop until shutdown. The loop is single-threaded, so the
// worker pins itself to one OS thread for the duration.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer unix.Close(w.listenFD)

	w.submit(aio.NewCompletion(aio.Accept(w.listenFD), arena.None, w.onAccept))
	if w.stats > 0 {
		w.submit(aio.NewCompletion(aio.Timeout(w.stats), arena.None, w.onStats))
	}

	for w.loop.State() != aio.LoopStopped {
		if w.stop.Load() && !w.draining {
			w.beginDrain()
		}
		if err := w.loop.Tick(aio.DefaultWaitTimeout); err != nil {
			w.logger.Error("loop stopped", "worker", w.id, "error", err)
			return
		}
	}
}

// beginDrain cancels everything outstanding so the drain can complete. The
// canceled callbacks still run, each observing a Canceled result.
func (w *worker) beginDrain() {
	w.draining = true
	w.loop.RequestShutdown()
	for c := range w.inflight {
		if err := w.loop.Cancel(c); err != nil {
			w.logger.WithError(err).Warn("cancel failed")
		}
	}
}

func (w *worker) submit(c *aio.Completion) bool {
	if err := w.loop.Submit(c); err != nil {
		w.logger.WithError(err).Error("submit failed", "worker", w.id)
		return false
	}
	w.inflight[c] = struct{}{}
	return true
}

func (w *worker) onAccept(l *aio.Loop, c *aio.Completion, res aio.Result) {
	delete(w.inflight, c)
	if res.Err != nil {
		if !aio.IsCode(res.Err, aio.ErrCodeCanceled) {
			w.logger.WithError(res.Err).Warn("accept failed", "worker", w.id)
		}
		if !w.draining {
			w.submit(aio.NewCompletion(aio.Accept(w.listenFD), arena.None, w.onAccept))
		}
		return
	}

	h := w.conns.Alloc(conn{fd: res.FD, buf: make([]byte, connBufSize)})
	w.logger.Debug("accepted connection", "worker", w.id, "fd", res.FD)
	w.submitRead(h)

	if !w.draining {
		w.submit(aio.NewCompletion(aio.Accept(w.listenFD), arena.None, w.onAccept))
	}
}

func (w *worker) submitRead(h arena.Handle) {
	cn, err := w.conns.Get(h)
	if err != nil {
		return
	}
	if err := w.conns.Pin(h); err != nil {
		return
	}
	if !w.submit(aio.NewCompletion(aio.Read(cn.fd, cn.buf), h, w.onRead)) {
		w.conns.Unpin(h)
	}
}

func (w *worker) onRead(l *aio.Loop, c *aio.Completion, res aio.Result) {
	delete(w.inflight, c)
	h := c.Context().(arena.Handle)
	defer w.conns.Unpin(h)

	cn, err := w.conns.Get(h)
	if err != nil {
		return
	}
	if res.Err != nil || res.N == 0 {
		w.closeConn(h, cn)
		return
	}

	cn.out = cn.buf[:res.N]
	w.submitWrite(h, cn)
}

func (w *worker) submitWrite(h arena.Handle, cn *conn) {
	if err := w.conns.Pin(h); err != nil {
		return
	}
	if !w.submit(aio.NewCompletion(aio.Write(cn.fd, cn.out), h, w.onWrite)) {
		w.conns.Unpin(h)
	}
}

func (w *worker) onWrite(l *aio.Loop, c *aio.Completion, res aio.Result) {
	delete(w.inflight, c)
	h := c.Context().(arena.Handle)
	defer w.conns.Unpin(h)

	cn, err := w.conns.Get(h)
	if err != nil {
		return
	}
	if res.Err != nil {
		w.closeConn(h, cn)
		return
	}

	// A short write leaves a tail to push before reading again.
	cn.out = cn.out[res.N:]
	if len(cn.out) > 0 {
		w.submitWrite(h, cn)
		return
	}
	if w.draining {
		w.closeConn(h, cn)
		return
	}
	w.submitRead(h)
}

func (w *worker) closeConn(h arena.Handle, cn *conn) {
	if cn.closing {
		return
	}
	cn.closing = true
	fd := cn.fd
	if err := w.conns.Pin(h); err != nil {
		unix.Close(fd)
		return
	}
	if !w.submit(aio.NewCompletion(aio.Close(fd), h, w.onClose)) {
		w.conns.Unpin(h)
		unix.Close(fd)
		w.conns.Release(h)
	}
}

func (w *worker) onClose(l *aio.Loop, c *aio.Completion, res aio.Result) {
	delete(w.inflight, c)
	h := c.Context().(arena.Handle)
	w.conns.Unpin(h)
	w.conns.Release(h)
	w.logger.Debug("connection closed", "worker", w.id)
}

func (w *worker) onStats(l *aio.Loop, c *aio.Completion, res aio.Result) {
	delete(w.inflight, c)
	if res.Err != nil || w.draining {
		return
	}
	snap := l.Metrics().Snapshot()
	w.logger.Info("stats",
		"worker", w.id,
		"conns", w.conns.Len(),
		"dispatched", snap.Dispatched,
		"read_bytes", snap.ReadBytes,
		"write_bytes", snap.WriteBytes,
		"p99_latency_ns", snap.LatencyP99Ns)
	w.submit(aio.NewCompletion(aio.Timeout(w.stats), arena.None, w.onStats))
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
