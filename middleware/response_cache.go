package middleware

import (
	"context"
	"net/url"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/saiset-co/sai-pipeline/types"
)

// DefaultCacheKeyBuilder derives the cache key from the request path plus
// the sorted, url-encoded query string, so parameter order does not produce
// distinct keys.
func DefaultCacheKeyBuilder(scope *types.Scope) string {
	if scope.RawQuery == "" {
		return scope.Path
	}

	values, err := url.ParseQuery(scope.RawQuery)
	if err != nil {
		return scope.Path + "?" + scope.RawQuery
	}
	return scope.Path + "?" + values.Encode()
}

// ResponseCache captures the complete response message sequence of a cache
// enabled route and stores it under the route's cache key. Replaying stored
// responses is the route's job on the read path; this middleware only covers
// the write path, and steps aside entirely when the response it observes was
// itself served from the cache.
type ResponseCache struct {
	store             types.Store
	defaultExpiration int
}

func NewResponseCache(store types.Store, defaultExpiration int) (*ResponseCache, error) {
	if store == nil {
		return nil, types.Errorf(types.ErrStoreIsDisabled, "response cache requires a store")
	}
	return &ResponseCache{
		store:             store,
		defaultExpiration: defaultExpiration,
	}, nil
}

func (rc *ResponseCache) MiddlewareScopes() []types.ScopeType {
	return []types.ScopeType{types.ScopeTypeHTTP}
}

func (rc *ResponseCache) Handle(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send, next types.App) error {
	handler := scope.RouteHandler
	if handler == nil || handler.Cache == types.CacheDisabled || scope.ServedFromCache {
		return next(ctx, scope, receive, send)
	}

	messages := make([]*types.Message, 0, 2)
	var storeErr error

	// ServedFromCache is re-checked per message, not just at entry: the
	// replay path below this middleware sets it mid-request, and replayed
	// messages must not be stored a second time.
	wrappedSend := func(ctx context.Context, msg *types.Message) error {
		if !scope.ServedFromCache {
			messages = append(messages, msg)

			if msg.Type == types.MessageResponseBody && !msg.MoreBody {
				storeErr = rc.persist(ctx, scope, handler, messages)
			}
		}
		return send(ctx, msg)
	}

	if err := next(ctx, scope, receive, wrappedSend); err != nil {
		return err
	}
	return storeErr
}

func (rc *ResponseCache) persist(ctx context.Context, scope *types.Scope, handler *types.RouteHandler, messages []*types.Message) error {
	keyBuilder := handler.CacheKeyBuilder
	if keyBuilder == nil {
		keyBuilder = DefaultCacheKeyBuilder
	}

	data, err := msgpack.Marshal(messages)
	if err != nil {
		return types.WrapError(err, "failed to encode cached response")
	}

	return rc.store.Set(ctx, keyBuilder(scope), data, rc.expiration(handler.Cache))
}

func (rc *ResponseCache) expiration(policy int) time.Duration {
	switch policy {
	case types.CacheDefaultExpiration:
		return time.Duration(rc.defaultExpiration) * time.Second
	case types.CacheForever:
		return 0
	default:
		return time.Duration(policy) * time.Second
	}
}
