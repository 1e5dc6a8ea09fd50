package service

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-pipeline/cache"
	"github.com/saiset-co/sai-pipeline/config"
	"github.com/saiset-co/sai-pipeline/logger"
	"github.com/saiset-co/sai-pipeline/metrics"
	"github.com/saiset-co/sai-pipeline/router"
	"github.com/saiset-co/sai-pipeline/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service assembles the configured components into one runnable unit:
// configuration, logging, metrics, the response store and the router. All
// dependencies are wired explicitly through constructors; nothing is kept
// in process-wide state.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	config         types.ConfigManager
	loggerManager  types.LoggerManager
	metricsManager types.MetricsManager
	store          types.Store
	router         *router.Router

	state           atomic.Value
	shutdownTimeout time.Duration
}

// NewService builds every component from the configuration file at
// configPath. The store and metrics sections may be disabled; the service
// then runs without them. The router is created but not finalized, so the
// caller can register middlewares and routes before Start.
func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, types.Errorf(types.ErrConfigNotFound, "path: %s", configPath)
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	cfg, err := config.NewConfigurationManager(configPath)
	if err != nil {
		cancel()
		return nil, err
	}

	loggerManager, err := logger.NewManager(cfg)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create logger")
	}

	metricsManager, err := metrics.NewManager(cfg, loggerManager)
	if err != nil && !types.IsError(err, types.ErrMetricsIsDisabled) {
		cancel()
		return nil, types.WrapError(err, "failed to create metrics manager")
	}

	store, err := cache.NewStore(serviceCtx, cfg, loggerManager, metricsManager)
	if err != nil && !types.IsError(err, types.ErrStoreIsDisabled) {
		cancel()
		return nil, types.WrapError(err, "failed to create store")
	}

	rt, err := router.NewRouter(router.Deps{
		Logger:      loggerManager,
		Metrics:     metricsManager,
		Store:       store,
		CacheConfig: cfg.GetConfig().ResponseCache,
	})
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to create router")
	}

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          cfg,
		loggerManager:   loggerManager,
		metricsManager:  metricsManager,
		store:           store,
		router:          rt,
		shutdownTimeout: 30 * time.Second,
	}
	service.state.Store(StateStopped)

	return service, nil
}

func (s *Service) Config() types.ConfigManager   { return s.config }
func (s *Service) Logger() types.Logger          { return s.loggerManager }
func (s *Service) Metrics() types.MetricsManager { return s.metricsManager }
func (s *Service) Store() types.Store            { return s.store }
func (s *Service) Router() *router.Router        { return s.router }
func (s *Service) Context() context.Context      { return s.ctx }

// Start brings up every component and finalizes the router. Middleware and
// route registration is closed once Start returns.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrAlreadyRunning
	}

	s.loggerManager.Info("Starting service")

	if err := s.startComponents(); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	if err := s.router.Finalize(); err != nil {
		s.stopComponents()
		s.setState(StateStopped)
		return err
	}

	s.setState(StateRunning)
	s.loggerManager.Info("Service started successfully")

	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	s.loggerManager.Info("Stopping service")
	s.cancel()

	if err := s.stopComponents(); err != nil {
		s.loggerManager.Error("Error during service shutdown", zap.Error(err))
	}

	s.setState(StateStopped)
	s.loggerManager.Info("Service stopped gracefully")

	return nil
}

// Dispatch routes one connection through the finalized middleware stacks.
func (s *Service) Dispatch(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
	return s.router.Dispatch(ctx, scope, receive, send)
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) startComponents() error {
	if err := s.loggerManager.Start(); err != nil {
		return types.WrapError(err, "failed to start logger")
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Start(); err != nil {
			return types.WrapError(err, "failed to start metrics manager")
		}
	}

	if s.store != nil {
		if err := s.store.Start(); err != nil {
			return types.WrapError(err, "failed to start store")
		}
	}

	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	group, _ := errgroup.WithContext(ctx)

	if s.store != nil {
		group.Go(func() error {
			return s.store.Stop()
		})
	}

	if s.metricsManager != nil {
		group.Go(func() error {
			return s.metricsManager.Stop()
		})
	}

	err := group.Wait()

	// Logger goes down last so shutdown errors are still logged.
	if stopErr := s.loggerManager.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}

	return err
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) {
	s.state.Store(newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
