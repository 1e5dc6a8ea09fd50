package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-pipeline/types"
	"github.com/saiset-co/sai-pipeline/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	MaxEntries      int    `json:"max_entries"`
	CleanupInterval string `json:"cleanup_interval"`
}

type memoryEntry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore is the in-process store backend. Entries carry their own
// expiration; a zero expiresAt means the entry never expires. When the entry
// limit is reached the oldest entry is evicted first.
type MemoryStore struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *MemoryConfig
	logger          types.Logger
	data            map[string]*memoryEntry
	evictions       uint64
	mu              sync.RWMutex
	state           atomic.Value
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	entryPool       sync.Pool
	shutdownTimeout time.Duration
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.Store, error) {
	var memConfig = &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: "5m",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	storeCtx, cancel := context.WithCancel(ctx)

	store := &MemoryStore{
		ctx:             storeCtx,
		cancel:          cancel,
		logger:          logger,
		config:          memConfig,
		data:            make(map[string]*memoryEntry),
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
		entryPool: sync.Pool{
			New: func() interface{} {
				return &memoryEntry{}
			},
		},
	}

	store.state.Store(MemoryStateStopped)

	return store, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	now := time.Now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		return nil, nil
	}

	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		m.mu.RUnlock()
		m.mu.Lock()
		// re-check the full expiry condition: the entry may have been
		// replaced with a never-expiring one while the lock was dropped
		if entry, exists := m.data[key]; exists && !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(m.data, key)
			m.returnEntryToPool(entry)
		}
		m.mu.Unlock()
		return nil, nil
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	m.mu.RUnlock()

	return value, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, expiresIn time.Duration) error {
	if key == "" {
		m.logger.Error("Attempted to set store entry with empty key")
		return types.ErrStoreKeyEmpty
	}

	now := time.Now()
	entry := m.entryPool.Get().(*memoryEntry)
	entry.key = key
	entry.value = append(entry.value[:0], value...)
	entry.createdAt = now
	if expiresIn > 0 {
		entry.expiresAt = now.Add(expiresIn)
	} else {
		entry.expiresAt = time.Time{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOneUnsafe()
		}
	}

	if oldEntry, exists := m.data[key]; exists {
		m.returnEntryToPool(oldEntry)
	}

	m.data[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.data[key]; exists {
		delete(m.data, key)
		m.returnEntryToPool(entry)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.data[key]
	if !exists {
		return false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) ExpiresIn(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.data[key]
	if !exists {
		return 0, types.ErrStoreKeyNotFound
	}
	if entry.expiresAt.IsZero() {
		return 0, nil
	}

	remaining := time.Until(entry.expiresAt)
	if remaining <= 0 {
		return 0, types.ErrStoreKeyNotFound
	}
	return remaining, nil
}

// DeleteExpired drops every expired entry in one pass. The store manager
// calls this from the scheduled sweep.
func (m *MemoryStore) DeleteExpired(_ context.Context) error {
	now := time.Now()

	m.mu.Lock()

	var expired []string
	for key, entry := range m.data {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		if entry := m.data[key]; entry != nil {
			m.returnEntryToPool(entry)
		}
		delete(m.data, key)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debug("Expired entries removed", zap.Int("expired_entries", len(expired)))
	}

	return nil
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory store is already running")
		return types.ErrAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	if m.config.CleanupInterval != "" {
		go m.startCleanupRoutine()
	}

	m.logger.Info("Memory store started")
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory store is not running")
		return types.ErrNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case m.stopCleanup <- struct{}{}:
		case <-time.After(time.Second):
		}

		select {
		case <-m.cleanupDone:
			m.logger.Debug("Cleanup routine stopped")
		case <-time.After(5 * time.Second):
			m.logger.Warn("Cleanup routine stop timeout")
		}

		return nil
	})

	g.Go(func() error {
		m.mu.Lock()
		entriesCount := len(m.data)
		for _, entry := range m.data {
			m.returnEntryToPool(entry)
		}
		m.data = make(map[string]*memoryEntry)
		m.mu.Unlock()

		m.logger.Info("Memory store cleared", zap.Int("cleared_entries", entriesCount))
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			m.logger.Warn("Memory store stop timeout, some components may not have stopped gracefully")
		default:
			m.logger.Error("Error during memory store shutdown", zap.Error(err))
		}
	} else {
		m.logger.Info("Memory store stopped gracefully")
	}

	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryStore) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryStore) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryStore) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryStore) returnEntryToPool(entry *memoryEntry) {
	if entry == nil {
		return
	}

	entry.key = ""
	entry.value = entry.value[:0]
	entry.createdAt = time.Time{}
	entry.expiresAt = time.Time{}

	m.entryPool.Put(entry)
}

func (m *MemoryStore) startCleanupRoutine() {
	defer close(m.cleanupDone)

	cleanupInterval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil {
		m.logger.Error("Invalid cleanup interval, using default 5m",
			zap.String("interval", m.config.CleanupInterval),
			zap.Error(err))
		cleanupInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Cleanup routine stopped by context")
			return
		case <-m.stopCleanup:
			m.logger.Debug("Cleanup routine stopped by signal")
			return
		case <-ticker.C:
			if err := m.DeleteExpired(m.ctx); err != nil {
				m.logger.Error("Cleanup failed", zap.Error(err))
			}
		}
	}
}

func (m *MemoryStore) evictOneUnsafe() {
	if len(m.data) == 0 {
		return
	}

	var oldestKey string
	var oldestTime time.Time
	for key, entry := range m.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		m.returnEntryToPool(m.data[oldestKey])
		delete(m.data, oldestKey)
		atomic.AddUint64(&m.evictions, 1)
	}
}
