package router

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-pipeline/middleware"
	"github.com/saiset-co/sai-pipeline/types"
)

// Route binds a path to its handler and, once finalized, to the composed
// middleware stack wrapped around it.
type Route struct {
	Path    string
	Handler *types.RouteHandler

	store  types.Store
	logger types.Logger

	// app is the composed stack, set during finalization.
	app types.App
}

func newRoute(path string, handler *types.RouteHandler, store types.Store, logger types.Logger) *Route {
	return &Route{
		Path:    path,
		Handler: handler,
		store:   store,
		logger:  logger,
	}
}

// Handle is the innermost callable of the composed stack. It serves the
// stored response when the route caches and a fresh entry exists, and
// invokes the handler function otherwise. Replayed responses flag the scope
// so the caching layer above does not re-store its own output.
func (r *Route) Handle(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
	if r.Handler.Cache != types.CacheDisabled && r.store != nil {
		served, err := r.replayCached(ctx, scope, send)
		if err != nil {
			return err
		}
		if served {
			return nil
		}
	}

	return r.Handler.Fn(ctx, scope, receive, send)
}

func (r *Route) replayCached(ctx context.Context, scope *types.Scope, send types.Send) (bool, error) {
	keyBuilder := r.Handler.CacheKeyBuilder
	if keyBuilder == nil {
		keyBuilder = middleware.DefaultCacheKeyBuilder
	}

	data, err := r.store.Get(ctx, keyBuilder(scope))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}

	var messages []*types.Message
	if err := msgpack.Unmarshal(data, &messages); err != nil {
		// treat a corrupted entry as a miss; the fresh response overwrites it
		r.logger.Warn("Failed to decode cached response, serving fresh",
			zap.String("path", scope.Path),
			zap.Error(err),
		)
		return false, nil
	}

	scope.ServedFromCache = true
	for _, msg := range messages {
		if err := send(ctx, msg); err != nil {
			return true, err
		}
	}
	return true, nil
}
