package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/alerts"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/limits"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/metrics"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/session"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/rs/zerolog"
)

const (
	// Default time allowed to write a frame to the peer
	defaultWriteWait = 5 * time.Second

	// Default read deadline, refreshed on every frame. The pool's ping
	// interval must be shorter than this.
	defaultPongWait = 60 * time.Second

	// How long Shutdown waits for read pumps to finish
	drainTimeout = 10 * time.Second
)

// Dependencies are the components the transport drives. Manager is required.
type Dependencies struct {
	Manager *session.Manager
	Metrics *metrics.Collector
	Alerts  *alerts.Service
	Logger  zerolog.Logger
}

// Server accepts WebSocket upgrades on /ws and serves the administrative API.
type Server struct {
	config     types.ServerConfig
	logger     zerolog.Logger
	listener   net.Listener
	httpServer *http.Server

	manager *session.Manager
	metrics *metrics.Collector
	alerts  *alerts.Service

	// Rate limiting
	connectionRateLimiter *limits.ConnectionRateLimiter

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup // read pumps
	serveWg      sync.WaitGroup // accept loop
	shuttingDown int32          // Atomic flag for graceful shutdown
}

func NewServer(config types.ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Manager == nil {
		return nil, errors.New("server requires a session manager")
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = session.DefaultMaxMessageBytes
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaultWriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.With().Str("component", "server").Logger()

	s := &Server{
		config:  config,
		logger:  logger,
		manager: deps.Manager,
		metrics: deps.Metrics,
		alerts:  deps.Alerts,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Initialize connection rate limiter (if enabled)
	if config.ConnectionRateLimitEnabled {
		s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnRateLimitIPBurst,
			IPRate:      config.ConnRateLimitIPRate,
			IPTTL:       5 * time.Minute,
			GlobalBurst: config.ConnRateLimitGlobalBurst,
			GlobalRate:  config.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		logger.Info().Msg("Connection rate limiting enabled")
	}

	logger.Info().
		Str("addr", config.Addr).
		Int("max_message_bytes", config.MaxMessageBytes).
		Dur("pong_wait", config.PongWait).
		Bool("admin_auth", config.AdminToken != "").
		Msg("Server initialized")

	return s, nil
}

// Handler returns the HTTP routes: the upgrade endpoint, health, Prometheus
// and the administrative API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", monitoring.HandleMetrics) // Prometheus metrics endpoint

	api := http.NewServeMux()
	s.registerAPI(api)
	mux.Handle("/api/", s.requireAdmin(api))

	return mux
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Server listening")

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
		BaseContext:    func(net.Listener) context.Context { return s.ctx },
	}

	s.serveWg.Add(1)
	go func() {
		defer monitoring.RecoverPanic(s.logger, "httpServe", nil)
		defer s.serveWg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	return nil
}

// Addr is the bound listen address, useful when configured with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting upgrades, closes every live connection with 1001
// and waits for the read pumps to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")

	// Set shutdown flag to reject new connections
	atomic.StoreInt32(&s.shuttingDown, 1)

	var shutdownErr error
	if s.httpServer != nil {
		s.logger.Info().Msg("Closing listener (no new connections accepted)")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
		s.serveWg.Wait()
	}

	closed := s.manager.Shutdown()
	s.logger.Info().
		Int("closed_connections", closed).
		Msg("Closed active connections")

	// Cancel context to stop in-flight inbound handling
	s.cancel()

	if s.connectionRateLimiter != nil {
		s.connectionRateLimiter.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := time.NewTimer(drainTimeout)
	defer drain.Stop()

	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
	case <-drain.C:
		s.logger.Warn().Msg("Read pumps still running after drain timeout")
	case <-ctx.Done():
		s.logger.Warn().Err(ctx.Err()).Msg("Shutdown deadline reached before read pumps drained")
	}
	return shutdownErr
}
