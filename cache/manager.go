package cache

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-pipeline/types"
)

var customStoreCreators = make(map[string]types.StoreCreator)

// RegisterStore makes a custom store backend available to NewStore under
// the given type name. Call it before NewStore; registration is not
// synchronized.
func RegisterStore(storeName string, creator types.StoreCreator) {
	customStoreCreators[storeName] = creator
}

// NewStore builds the configured store backend, wraps it with operation
// metrics, and schedules the expired-entry sweep when the backend supports
// bulk expiry and a sweep schedule is configured.
func NewStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.Store, error) {
	storeConfig := config.GetConfig().Store

	if storeConfig == nil || !storeConfig.Enabled {
		return nil, types.ErrStoreIsDisabled
	}

	var impl types.Store
	var err error

	switch storeConfig.Type {
	case "memory":
		impl, err = NewMemoryStore(ctx, logger, storeConfig)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, storeConfig)
	case "clover":
		impl, err = NewCloverStore(ctx, logger, storeConfig)
	default:
		if creator, exists := customStoreCreators[storeConfig.Type]; exists {
			impl, err = creator(storeConfig)
		} else {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", storeConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	instrumented := newInstrumentedStore(logger, metrics, impl)

	if expiring, ok := impl.(types.ExpiringStore); ok && storeConfig.SweepSchedule != "" {
		if err := instrumented.scheduleSweep(ctx, expiring, storeConfig.SweepSchedule); err != nil {
			return nil, err
		}
	}

	return instrumented, nil
}

type instrumentedStore struct {
	impl    types.Store
	logger  types.Logger
	metrics types.MetricsManager
	sweeper *cron.Cron
}

func newInstrumentedStore(logger types.Logger, metrics types.MetricsManager, impl types.Store) *instrumentedStore {
	return &instrumentedStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *instrumentedStore) scheduleSweep(ctx context.Context, expiring types.ExpiringStore, schedule string) error {
	s.sweeper = cron.New()

	_, err := s.sweeper.AddFunc(schedule, func() {
		if err := expiring.DeleteExpired(ctx); err != nil {
			s.logger.Error("Store sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return types.WrapError(err, "invalid sweep schedule")
	}

	s.logger.Info("Store sweep scheduled", zap.String("schedule", schedule))
	return nil
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := s.impl.Get(ctx, key)
	duration := time.Since(start)

	result := "miss"
	if err != nil {
		result = "error"
	} else if value != nil {
		result = "hit"
	}

	s.recordMetric("get", result, duration)
	return value, err
}

func (s *instrumentedStore) Set(ctx context.Context, key string, value []byte, expiresIn time.Duration) error {
	start := time.Now()
	err := s.impl.Set(ctx, key, value, expiresIn)
	duration := time.Since(start)

	s.recordMetric("set", resultOf(err), duration)
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.impl.Delete(ctx, key)
	duration := time.Since(start)

	s.recordMetric("delete", resultOf(err), duration)
	return err
}

func (s *instrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := s.impl.Exists(ctx, key)
	duration := time.Since(start)

	s.recordMetric("exists", resultOf(err), duration)
	return exists, err
}

func (s *instrumentedStore) ExpiresIn(ctx context.Context, key string) (time.Duration, error) {
	start := time.Now()
	ttl, err := s.impl.ExpiresIn(ctx, key)
	duration := time.Since(start)

	result := resultOf(err)
	if types.IsError(err, types.ErrStoreKeyNotFound) {
		result = "miss"
	}

	s.recordMetric("expires_in", result, duration)
	return ttl, err
}

func (s *instrumentedStore) Start() error {
	start := time.Now()
	err := s.impl.Start()
	duration := time.Since(start)

	s.recordMetric("start", resultOf(err), duration)

	if err == nil && s.sweeper != nil {
		s.sweeper.Start()
	}

	return err
}

func (s *instrumentedStore) Stop() error {
	if s.sweeper != nil {
		stopCtx := s.sweeper.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("Store sweep stop timeout")
		}
	}

	return s.impl.Stop()
}

func (s *instrumentedStore) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("store_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
