package csms

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chargefleet/csms/internal/config"
	"go.uber.org/zap"
)

// Server owns the process lifecycle: the HTTP listener serving both
// the operator API and the WebSocket routes, plus the heartbeat
// watchdog goroutine.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	sessions *SessionServer
	api      *HTTPAPI

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	httpShutdown func(ctx context.Context) error
}

// NewServer assembles a server around already wired components. The
// session server must share ctx so cancellation tears down every
// live session.
func NewServer(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) SetSessionServer(sessions *SessionServer) {
	s.sessions = sessions
}

func (s *Server) SetHTTPAPI(api *HTTPAPI) {
	s.api = api
}

// Start binds the listener and launches the watchdog. It returns an
// error if startup fails.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("csms starting",
		zap.Int("port", s.cfg.Server.Port),
		zap.Int("heartbeat_interval_sec", s.cfg.Server.HeartbeatIntervalSec),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sessions.Run()
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server starting", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	s.httpShutdown = httpSrv.Shutdown

	return nil
}

// Stop gracefully shuts the server down: HTTP first so no new
// sessions arrive, then the watchdog and every live session via
// context cancellation.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.mu.Unlock()

	s.logger.Info("csms shutting down gracefully")

	if s.httpShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpShutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("csms shutdown complete")
	case <-time.After(10 * time.Second):
		s.logger.Warn("csms shutdown timeout exceeded")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Context() context.Context {
	return s.ctx
}
