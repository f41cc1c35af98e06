package rtsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
)

// ConnHandler serves one accepted connection. The connection is closed when
// it returns.
type ConnHandler func(ctx context.Context, conn *ServerConn)

// Server accepts RTSP connections and hands each to a ConnHandler.
type Server struct {
	Addr    string
	Handler ConnHandler
	Options []ServerConnOption
	Logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Listen opens the listening socket without serving it yet.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is cancelled, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("rtsp server listening", slog.String("address", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting rtsp connection: %w", err)
		}

		opts := append([]ServerConnOption{WithLogger(logger)}, s.Options...)
		sc := NewServerConn(conn, opts...)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer sc.Close()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("rtsp connection panicked",
						slog.Any("panic", rec),
						slog.String("remote_addr", conn.RemoteAddr().String()),
						slog.String("stack", string(debug.Stack())),
					)
				}
			}()
			connCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			s.Handler(connCtx, sc)
		}()
	}
}
