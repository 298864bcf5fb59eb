package rest

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const shutdownTimeout = 10 * time.Second

// HTTPService runs an HTTP server as a suture.Service.
type HTTPService struct {
	addr    string
	handler http.Handler

	readyOnce sync.Once
	ready     chan struct{}

	mu    sync.Mutex
	bound net.Addr
}

// NewHTTPService creates a service serving h on addr with h2c support.
func NewHTTPService(addr string, h http.Handler) *HTTPService {
	return &HTTPService{
		addr:    addr,
		handler: h2c.NewHandler(h, &http2.Server{}),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the server listens for the first time.
func (s *HTTPService) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before the server listens.
func (s *HTTPService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.bound = ln.Addr()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", ln.Addr())
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server error")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}
	zlog.Info().Msg("Server stopped")
	return nil
}

// String implements fmt.Stringer for suture.
func (s *HTTPService) String() string {
	return "http"
}
