//go:build !linux

// Package echoserver implements the multiplexed echo server. The
// edge-triggered readiness loop this spec requires is Linux epoll
// specific (see internal/readiness); this stub keeps the package
// importable elsewhere for cross-compiling the other binaries.
package echoserver

import (
	"context"
	"log/slog"

	"github.com/andrewburian/echoload/internal/readiness"
)

type Server struct {
	addr    string
	readyCh chan struct{}
	errCh   chan error
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{readyCh: make(chan struct{}), errCh: make(chan error, 1)}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) ServerOption  { return func(s *Server) { s.addr = a } }
func WithThreads(n int) ServerOption        { return func(s *Server) {} }
func WithBufferSize(n int) ServerOption     { return func(s *Server) {} }
func WithLogger(l *slog.Logger) ServerOption { return func(s *Server) {} }

func (s *Server) Addr() string              { return s.addr }
func (s *Server) Ready() <-chan struct{}    { return s.readyCh }
func (s *Server) Errors() <-chan error      { return s.errCh }
func (s *Server) ActiveConnections() int64  { return 0 }

func (s *Server) Serve(ctx context.Context) error   { return readiness.ErrUnsupportedPlatform }
func (s *Server) Shutdown(ctx context.Context) error { return nil }
