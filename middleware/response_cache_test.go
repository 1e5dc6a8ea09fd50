package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/saiset-co/sai-pipeline/types"
)

type stubStore struct {
	data    map[string][]byte
	expires map[string]time.Duration
	setErr  error
}

func newStubStore() *stubStore {
	return &stubStore{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Duration),
	}
}

func (s *stubStore) Get(_ context.Context, key string) ([]byte, error) {
	return s.data[key], nil
}

func (s *stubStore) Set(_ context.Context, key string, value []byte, expiresIn time.Duration) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.data[key] = value
	s.expires[key] = expiresIn
	return nil
}

func (s *stubStore) Delete(_ context.Context, key string) error {
	delete(s.data, key)
	return nil
}

func (s *stubStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.data[key]
	return ok, nil
}

func (s *stubStore) ExpiresIn(_ context.Context, key string) (time.Duration, error) {
	if _, ok := s.data[key]; !ok {
		return 0, types.ErrStoreKeyNotFound
	}
	return s.expires[key], nil
}

func (s *stubStore) Start() error    { return nil }
func (s *stubStore) Stop() error     { return nil }
func (s *stubStore) IsRunning() bool { return true }

func respondingApp(body string) types.App {
	return func(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
		if err := send(ctx, &types.Message{Type: types.MessageResponseStart, Status: 200}); err != nil {
			return err
		}
		return send(ctx, &types.Message{Type: types.MessageResponseBody, Body: []byte(body)})
	}
}

func TestDefaultCacheKeyBuilder(t *testing.T) {
	assert.Equal(t, "/users", DefaultCacheKeyBuilder(&types.Scope{Path: "/users"}))

	// query parameter order does not change the key
	a := DefaultCacheKeyBuilder(&types.Scope{Path: "/users", RawQuery: "a=1&b=2"})
	b := DefaultCacheKeyBuilder(&types.Scope{Path: "/users", RawQuery: "b=2&a=1"})
	assert.Equal(t, a, b)

	// different values produce different keys
	c := DefaultCacheKeyBuilder(&types.Scope{Path: "/users", RawQuery: "a=2&b=2"})
	assert.NotEqual(t, a, c)
}

func TestResponseCache_StoresCompleteResponse(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type:         types.ScopeTypeHTTP,
		Path:         "/users",
		RouteHandler: &types.RouteHandler{Cache: types.CacheDefaultExpiration},
	}

	err = rc.Handle(context.Background(), scope, noopReceive, noopSend, respondingApp("hello"))
	require.NoError(t, err)

	data := store.data["/users"]
	require.NotNil(t, data)

	var messages []*types.Message
	require.NoError(t, msgpack.Unmarshal(data, &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, types.MessageResponseStart, messages[0].Type)
	assert.Equal(t, 200, messages[0].Status)
	assert.Equal(t, []byte("hello"), messages[1].Body)

	assert.Equal(t, 30*time.Second, store.expires["/users"])
}

func TestResponseCache_ExplicitExpirationSeconds(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type:         types.ScopeTypeHTTP,
		Path:         "/users",
		RouteHandler: &types.RouteHandler{Cache: 120},
	}

	require.NoError(t, rc.Handle(context.Background(), scope, noopReceive, noopSend, respondingApp("x")))
	assert.Equal(t, 120*time.Second, store.expires["/users"])
}

func TestResponseCache_CacheForever(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type:         types.ScopeTypeHTTP,
		Path:         "/users",
		RouteHandler: &types.RouteHandler{Cache: types.CacheForever},
	}

	require.NoError(t, rc.Handle(context.Background(), scope, noopReceive, noopSend, respondingApp("x")))
	assert.Equal(t, time.Duration(0), store.expires["/users"])
}

func TestResponseCache_CustomKeyBuilder(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type: types.ScopeTypeHTTP,
		Path: "/users",
		RouteHandler: &types.RouteHandler{
			Cache: types.CacheDefaultExpiration,
			CacheKeyBuilder: func(scope *types.Scope) string {
				return "custom:" + scope.Path
			},
		},
	}

	require.NoError(t, rc.Handle(context.Background(), scope, noopReceive, noopSend, respondingApp("x")))
	assert.Contains(t, store.data, "custom:/users")
	assert.NotContains(t, store.data, "/users")
}

func TestResponseCache_SkipsCachedResponses(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type:            types.ScopeTypeHTTP,
		Path:            "/users",
		ServedFromCache: true,
		RouteHandler:    &types.RouteHandler{Cache: types.CacheDefaultExpiration},
	}

	require.NoError(t, rc.Handle(context.Background(), scope, noopReceive, noopSend, respondingApp("x")))
	assert.Empty(t, store.data)
}

func TestResponseCache_SkipsMidRequestReplay(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type:         types.ScopeTypeHTTP,
		Path:         "/users",
		RouteHandler: &types.RouteHandler{Cache: types.CacheDefaultExpiration},
	}

	// the replay path below this middleware flags the scope only after
	// Handle has entered; the flagged messages must still not be stored
	replayingApp := func(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
		scope.ServedFromCache = true
		if err := send(ctx, &types.Message{Type: types.MessageResponseStart, Status: 200}); err != nil {
			return err
		}
		return send(ctx, &types.Message{Type: types.MessageResponseBody, Body: []byte("replayed")})
	}

	require.NoError(t, rc.Handle(context.Background(), scope, noopReceive, noopSend, replayingApp))
	assert.Empty(t, store.data)
}

func TestResponseCache_SkipsDisabledRoutes(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type:         types.ScopeTypeHTTP,
		Path:         "/users",
		RouteHandler: &types.RouteHandler{Cache: types.CacheDisabled},
	}

	require.NoError(t, rc.Handle(context.Background(), scope, noopReceive, noopSend, respondingApp("x")))
	assert.Empty(t, store.data)
}

func TestResponseCache_WaitsForTerminalBodyMessage(t *testing.T) {
	store := newStubStore()
	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	streaming := func(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
		if err := send(ctx, &types.Message{Type: types.MessageResponseStart, Status: 200}); err != nil {
			return err
		}
		if err := send(ctx, &types.Message{Type: types.MessageResponseBody, Body: []byte("chunk1"), MoreBody: true}); err != nil {
			return err
		}
		// nothing stored while the body is still streaming
		assert.Empty(t, store.data)
		return send(ctx, &types.Message{Type: types.MessageResponseBody, Body: []byte("chunk2")})
	}

	scope := &types.Scope{
		Type:         types.ScopeTypeHTTP,
		Path:         "/stream",
		RouteHandler: &types.RouteHandler{Cache: types.CacheDefaultExpiration},
	}

	require.NoError(t, rc.Handle(context.Background(), scope, noopReceive, noopSend, streaming))

	var messages []*types.Message
	require.NoError(t, msgpack.Unmarshal(store.data["/stream"], &messages))
	assert.Len(t, messages, 3)
}

func TestResponseCache_StoreErrorPropagates(t *testing.T) {
	store := newStubStore()
	store.setErr = types.ErrStoreOperationFailed

	rc, err := NewResponseCache(store, 30)
	require.NoError(t, err)

	scope := &types.Scope{
		Type:         types.ScopeTypeHTTP,
		Path:         "/users",
		RouteHandler: &types.RouteHandler{Cache: types.CacheDefaultExpiration},
	}

	err = rc.Handle(context.Background(), scope, noopReceive, noopSend, respondingApp("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStoreOperationFailed)
}
