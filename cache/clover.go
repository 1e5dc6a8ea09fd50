package cache

import (
	"context"
	"encoding/base64"
	"sync/atomic"
	"time"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-pipeline/types"
	"github.com/saiset-co/sai-pipeline/utils"
)

const cloverCollection = "responses"

type CloverState int32

const (
	CloverStateStopped CloverState = iota
	CloverStateStarting
	CloverStateRunning
	CloverStateStopping
)

type CloverConfig struct {
	// Path is the database directory. Empty opens an in-memory database.
	Path string `json:"path"`
}

// CloverStore persists cached responses in a clover document database, one
// document per key. Values are base64 encoded because clover round-trips
// documents through json. Expiration is tracked per document and enforced on
// read and by DeleteExpired.
type CloverStore struct {
	db     *clover.DB
	logger types.Logger
	config *CloverConfig
	state  atomic.Value
}

func NewCloverStore(_ context.Context, logger types.Logger, config *types.StoreConfig) (types.Store, error) {
	var cloverConfig = &CloverConfig{}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, cloverConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover store config")
		}
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreConnectionFailed, "clover at %q: %v", cloverConfig.Path, err)
	}

	exists, err := db.HasCollection(cloverCollection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		if err := db.CreateCollection(cloverCollection); err != nil {
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	store := &CloverStore{
		db:     db,
		logger: logger,
		config: cloverConfig,
	}

	store.state.Store(CloverStateStopped)
	return store, nil
}

func (c *CloverStore) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, types.ErrStoreKeyEmpty
	}

	doc, err := c.db.Query(cloverCollection).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		return nil, types.WrapError(err, "failed to query store entry")
	}
	if doc == nil {
		return nil, nil
	}

	if expired(doc) {
		if err := c.deleteByKey(key); err != nil {
			c.logger.Error("Failed to delete expired entry", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}

	encoded, ok := doc.Get("value").(string)
	if !ok {
		return nil, types.Errorf(types.ErrStoreOperationFailed, "malformed entry for key %q", key)
	}

	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.WrapError(err, "failed to decode store entry")
	}
	return value, nil
}

func (c *CloverStore) Set(_ context.Context, key string, value []byte, expiresIn time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	var expiresAt int64
	if expiresIn > 0 {
		expiresAt = time.Now().Add(expiresIn).UnixNano()
	}

	if err := c.deleteByKey(key); err != nil {
		return err
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("value", base64.StdEncoding.EncodeToString(value))
	doc.Set("created_at", time.Now().UnixNano())
	doc.Set("expires_at", expiresAt)

	if err := c.db.Insert(cloverCollection, doc); err != nil {
		return types.WrapError(err, "failed to insert store entry")
	}
	return nil
}

func (c *CloverStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	return c.deleteByKey(key)
}

func (c *CloverStore) Exists(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, types.ErrStoreKeyEmpty
	}

	doc, err := c.db.Query(cloverCollection).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		return false, types.WrapError(err, "failed to query store entry")
	}
	if doc == nil || expired(doc) {
		return false, nil
	}
	return true, nil
}

func (c *CloverStore) ExpiresIn(_ context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, types.ErrStoreKeyEmpty
	}

	doc, err := c.db.Query(cloverCollection).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		return 0, types.WrapError(err, "failed to query store entry")
	}
	if doc == nil || expired(doc) {
		return 0, types.ErrStoreKeyNotFound
	}

	expiresAt := expiresAtOf(doc)
	if expiresAt == 0 {
		return 0, nil
	}
	return time.Until(time.Unix(0, expiresAt)), nil
}

// DeleteExpired removes every document whose expiration has passed.
func (c *CloverStore) DeleteExpired(_ context.Context) error {
	now := time.Now().UnixNano()

	query := c.db.Query(cloverCollection).
		Where(clover.Field("expires_at").Gt(int64(0)).And(clover.Field("expires_at").LtEq(now)))

	count, err := query.Count()
	if err != nil {
		return types.WrapError(err, "failed to count expired entries")
	}
	if count == 0 {
		return nil
	}

	if err := query.Delete(); err != nil {
		return types.WrapError(err, "failed to delete expired entries")
	}

	c.logger.Debug("Expired entries removed", zap.Int("expired_entries", count))
	return nil
}

func (c *CloverStore) Start() error {
	if !c.transitionState(CloverStateStopped, CloverStateStarting) {
		return types.ErrAlreadyRunning
	}

	defer func() {
		if c.getState() == CloverStateStarting {
			c.setState(CloverStateRunning)
		}
	}()

	c.logger.Info("Clover store started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverStore) Stop() error {
	if !c.transitionState(CloverStateRunning, CloverStateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		c.setState(CloverStateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover store")
	}

	c.logger.Info("Clover store stopped gracefully")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return c.getState() == CloverStateRunning
}

func (c *CloverStore) getState() CloverState {
	return c.state.Load().(CloverState)
}

func (c *CloverStore) setState(newState CloverState) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverStore) transitionState(from, to CloverState) bool {
	return c.state.CompareAndSwap(from, to)
}

func (c *CloverStore) deleteByKey(key string) error {
	err := c.db.Query(cloverCollection).Where(clover.Field("key").Eq(key)).Delete()
	if err != nil {
		return types.WrapError(err, "failed to delete store entry")
	}
	return nil
}

func expired(doc *clover.Document) bool {
	expiresAt := expiresAtOf(doc)
	return expiresAt > 0 && time.Now().UnixNano() > expiresAt
}

func expiresAtOf(doc *clover.Document) int64 {
	switch v := doc.Get("expires_at").(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return 0
	}
}
