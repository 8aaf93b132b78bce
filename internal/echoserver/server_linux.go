//go:build linux

// Package echoserver implements the multiplexed echo server: a fixed pool
// of worker goroutines sharing one edge-triggered readiness instance,
// per spec §4.2.
package echoserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/andrewburian/echoload/internal/logging"
	"github.com/andrewburian/echoload/internal/metrics"
	"github.com/andrewburian/echoload/internal/readiness"
	"golang.org/x/sys/unix"
)

const (
	defaultThreads    = 4
	defaultBufferSize = 1024
	defaultBacklog    = 1024
)

// Server owns the listening socket and the worker pool that drains it.
type Server struct {
	mu       sync.RWMutex
	addr     string
	threads  int
	bufSize  int
	backlog  int
	logger   *slog.Logger
	readyOnce sync.Once
	readyCh  chan struct{}
	errCh    chan error

	poller   *readiness.Poller
	listenFd int

	shuttingDown atomic.Bool
	active       atomic.Int64
	accepted     atomic.Uint64

	wg sync.WaitGroup
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		threads: defaultThreads,
		bufSize: defaultBufferSize,
		backlog: defaultBacklog,
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":7000"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithThreads(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.threads = n
		}
	}
}
func WithBufferSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.bufSize = n
		}
	}
}
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	metrics.IncError(mapErrToMetric(err))
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve binds the listen socket, registers it with a fresh readiness
// instance, and runs the worker pool until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	fd, boundAddr, err := listenSocket(s.addr, s.backlog)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrap)
		return wrap
	}
	s.listenFd = fd
	s.mu.Lock()
	s.addr = boundAddr
	s.mu.Unlock()

	poller, err := readiness.New()
	if err != nil {
		_ = unix.Close(fd)
		wrap := fmt.Errorf("%w: %v", ErrReadiness, err)
		s.setError(wrap)
		return wrap
	}
	s.poller = poller
	if err := poller.Add(fd); err != nil {
		_ = unix.Close(fd)
		_ = poller.Close()
		wrap := fmt.Errorf("%w: %v", ErrReadiness, err)
		s.setError(wrap)
		return wrap
	}

	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr(), "threads", s.threads)

	for i := 0; i < s.threads; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}

	<-ctx.Done()
	s.shuttingDown.Store(true)
	_ = unix.Close(s.listenFd)
	_ = s.poller.Close()
	s.wg.Wait()
	s.logger.Info("shutdown_summary", "accepted", s.accepted.Load(), "active", s.active.Load())
	return nil
}

// Shutdown is an alternative to cancelling the context passed to Serve,
// kept for callers that manage lifetime outside of a single context.
func (s *Server) Shutdown(context.Context) error {
	if s.shuttingDown.CompareAndSwap(false, true) {
		if s.listenFd != 0 {
			_ = unix.Close(s.listenFd)
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
	}
	s.wg.Wait()
	return nil
}

// workerLoop is one of the T worker threads sharing the readiness
// instance. Go's scheduler moves a goroutine blocked in epoll_wait off its
// OS thread, so a pool of these goroutines behaves like the spec's fixed
// pool of OS threads without this package managing threads directly.
// Closing the poller does not wake a blocked Wait, so each Wait is bounded
// and the worker checks for shutdown after it returns.
func (s *Server) workerLoop(id int) {
	defer s.wg.Done()
	buf := make([]byte, s.bufSize)
	batch := readiness.NewBatch(256)
	for {
		events, err := s.poller.Wait(batch, 100)
		if s.shuttingDown.Load() {
			return
		}
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrReadiness, err)
			s.setError(wrap)
			s.logger.Error("readiness_wait_failed", "worker", id, "error", wrap)
			return
		}
		fatal := false
		for _, ev := range events {
			if ev.Fd == s.listenFd {
				if s.acceptLoop() {
					fatal = true
				}
				continue
			}
			s.handleDataEvent(ev, buf)
		}
		if fatal {
			return
		}
	}
}

// acceptLoop accepts connections until accept4 reports would-block. Any
// other errno is fatal to the calling worker, per spec §4.2 (the original
// source's inverted "errno != EAGAIN || errno != EWOULDBLOCK" check is
// always true; the intended predicate — fatal only if errno is neither —
// is what's implemented here). It returns true on such a fatal error, and
// the worker exits once the rest of its current event batch is handled.
func (s *Server) acceptLoop() (fatal bool) {
	for {
		nfd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			if s.shuttingDown.Load() {
				return false
			}
			metrics.IncAcceptError()
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			s.setError(wrap)
			s.logger.Error("accept_failed", "error", wrap)
			return true
		}
		if err := s.poller.Add(nfd); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		s.accepted.Add(1)
		n := s.active.Add(1)
		metrics.IncAccepted()
		metrics.SetActiveConnections(int(n))
	}
}

// handleDataEvent dispatches one readiness event for an accepted
// connection: error or hangup closes it; readability drains it to EAGAIN.
func (s *Server) handleDataEvent(ev readiness.Event, buf []byte) {
	if ev.Error {
		s.closeConn(ev.Fd)
		return
	}
	closeNeeded := false
	if ev.Readable {
		closeNeeded = s.drainAndEcho(ev.Fd, buf)
	}
	if closeNeeded || ev.HangUp {
		s.closeConn(ev.Fd)
	}
}

func (s *Server) closeConn(fd int) {
	_ = unix.Close(fd)
	n := s.active.Add(-1)
	metrics.IncClosed()
	metrics.SetActiveConnections(int(n))
}

// drainAndEcho reads fd into buf until it fills (flush and continue),
// would-block (success, socket stays open), a 0-byte read (peer shutdown,
// caller should close), or any other error (caller should close).
func (s *Server) drainAndEcho(fd int, buf []byte) (shouldClose bool) {
	pos := 0
	for {
		n, err := unix.Read(fd, buf[pos:])
		switch {
		case n > 0:
			pos += n
			if pos == len(buf) {
				if !writeAll(fd, buf[:pos]) {
					return true
				}
				metrics.AddBytesEchoed(pos)
				pos = 0
			}
			continue
		case n == 0:
			if pos > 0 {
				if writeAll(fd, buf[:pos]) {
					metrics.AddBytesEchoed(pos)
				}
			}
			return true
		default:
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if pos > 0 {
					if !writeAll(fd, buf[:pos]) {
						return true
					}
					metrics.AddBytesEchoed(pos)
				}
				return false
			}
			return true
		}
	}
}

// writeAll writes the full buffer to fd, looping over partial writes and
// retrying on EINTR. Returns false if a non-recoverable write error
// occurred (the caller closes the connection in that case).
func writeAll(fd int, data []byte) bool {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false
		}
		data = data[n:]
	}
	return true
}

// listenSocket creates a non-blocking, edge-triggered-ready TCP listen
// socket bound to addr ("host:port" or ":port"), returning its raw file
// descriptor and the address it ended up bound to (resolving port 0 to
// the kernel-assigned port).
func listenSocket(addr string, backlog int) (fd int, bound string, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, "", fmt.Errorf("split host:port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, "", fmt.Errorf("parse port: %w", err)
	}
	ip := net.IPv4zero
	if host != "" {
		if parsed := net.ParseIP(host); parsed != nil {
			ip = parsed.To4()
		}
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, "", fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return 0, "", fmt.Errorf("setsockopt reuseaddr: %w", err)
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, &sa); err != nil {
		_ = unix.Close(fd)
		return 0, "", fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return 0, "", fmt.Errorf("listen: %w", err)
	}
	boundSA, err := unix.Getsockname(fd)
	if err == nil {
		if in4, ok := boundSA.(*unix.SockaddrInet4); ok {
			port = in4.Port
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return 0, "", fmt.Errorf("set nonblock: %w", err)
	}
	return fd, fmt.Sprintf("%s:%d", host, port), nil
}
