// Package httputil provides a small context-aware wrapper around net/http servers.
package httputil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPServer is a wrapped http.Server that is started on an explicit listener,
// and can be stopped gracefully with a context.
type HTTPServer struct {
	listener net.Listener
	srv      *http.Server
	closed   atomic.Bool
	srvErr   chan error
}

// StartHTTPServer starts an HTTP server on the given address and serves the handler.
// The returned server is already accepting connections when the error is nil.
func StartHTTPServer(addr string, handler http.Handler) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	out := &HTTPServer{
		listener: listener,
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: time.Minute,
		},
		srvErr: make(chan error, 1),
	}
	go func() {
		out.srvErr <- out.srv.Serve(listener)
	}()
	return out, nil
}

// Addr returns the address the server is listening on.
func (s *HTTPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop shuts the server down gracefully, waiting for in-flight requests,
// until the context expires, at which point it force-closes.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		if errors.Is(err, ctx.Err()) {
			return s.srv.Close()
		}
		return err
	}
	if err := <-s.srvErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
