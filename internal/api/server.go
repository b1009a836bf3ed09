package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/audit"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/config"
	"github.com/nerrad567/treeow-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/treeow-bridge/internal/state"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultCommandWait bounds how long a waiting command request blocks.
const defaultCommandWait = 30 * time.Second

// Source is the synchronizer surface the API reads and commands through.
// *state.Synchronizer satisfies it.
type Source interface {
	Devices() []*device.Device
	Device(deviceID string) (*device.Device, error)
	Bindings(deviceID string) ([]capability.Binding, error)
	View(deviceID string) (device.State, error)
	SubmitChange(ctx context.Context, deviceID string, values map[string]any) (*command.Pending, error)
	SubmitFan(ctx context.Context, deviceID string, in command.Intent) (*command.Pending, error)
	Discover(ctx context.Context) error
	Status() state.Status
}

// Republisher re-announces every entity to the home-automation platform.
type Republisher interface {
	PublishAll()
}

// ConnectionChecker reports transport connectivity for the health endpoint.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	Logger      *logging.Logger
	Source      Source
	History     device.HistoryRepository // optional
	Audit       audit.Repository         // optional
	Republisher Republisher              // optional
	MQTT        ConnectionChecker        // optional
	CommandWait time.Duration
	Version     string
}

// Server is the operator HTTP API server.
//
// It manages the HTTP listener, routes and middleware.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	logger      *logging.Logger
	source      Source
	history     device.HistoryRepository
	audit       audit.Repository
	republisher Republisher
	mqtt        ConnectionChecker
	commandWait time.Duration
	version     string
	server      *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("state source is required")
	}
	if deps.Config.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if deps.CommandWait <= 0 {
		deps.CommandWait = defaultCommandWait
	}

	return &Server{
		cfg:         deps.Config,
		logger:      deps.Logger,
		source:      deps.Source,
		history:     deps.History,
		audit:       deps.Audit,
		republisher: deps.Republisher,
		mqtt:        deps.MQTT,
		commandWait: deps.CommandWait,
		version:     deps.Version,
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
