package router

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-pipeline/middleware"
	"github.com/saiset-co/sai-pipeline/types"
)

// Router owns the route table and the application-level middleware list. All
// registration happens before Finalize; after it the router is immutable and
// Dispatch is safe for concurrent use.
type Router struct {
	mu        sync.Mutex
	finalized bool

	logger  types.Logger
	metrics types.MetricsManager
	store   types.Store

	cacheConfig *types.ResponseCacheConfig

	middlewares []any
	routes      map[string]*Route
	mounts      []*Route
}

type Deps struct {
	Logger      types.Logger
	Metrics     types.MetricsManager
	Store       types.Store
	CacheConfig *types.ResponseCacheConfig
}

func NewRouter(deps Deps) (*Router, error) {
	if deps.Logger == nil {
		return nil, types.ErrLoggerIsNil
	}

	cacheConfig := deps.CacheConfig
	if cacheConfig == nil {
		cacheConfig = &types.ResponseCacheConfig{DefaultExpiration: 60}
	}

	return &Router{
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		store:       deps.Store,
		cacheConfig: cacheConfig,
		routes:      make(map[string]*Route),
	}, nil
}

// Use appends application-level middleware declarations; they wrap every
// route, outermost first, in registration order.
func (r *Router) Use(middlewares ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return types.ErrRouterFinalized
	}
	r.middlewares = append(r.middlewares, middlewares...)
	return nil
}

func (r *Router) AddRoute(path string, handler *types.RouteHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return types.ErrRouterFinalized
	}
	if handler == nil || handler.Fn == nil {
		return types.ErrHandlerIsNil
	}

	route := newRoute(path, handler, r.store, r.logger)
	r.routes[path] = route
	if handler.IsMount {
		r.mounts = append(r.mounts, route)
	}
	return nil
}

// Finalize validates every route's effective middleware list against the
// declared constraints and composes the per-route stacks. Routes that enable
// caching get the shared response-cache layer appended as their innermost
// declared middleware, so everything the application declared observes the
// cached exchange too.
func (r *Router) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return types.ErrRouterFinalized
	}

	var responseCache *middleware.ResponseCache
	if r.store != nil {
		var err error
		responseCache, err = middleware.NewResponseCache(r.store, r.cacheConfig.DefaultExpiration)
		if err != nil {
			return err
		}
	}

	deps := middleware.StackDeps{Logger: r.logger, Metrics: r.metrics}

	for path, route := range r.routes {
		declared := make([]any, 0, len(r.middlewares)+len(route.Handler.Middlewares)+1)
		declared = append(declared, r.middlewares...)
		declared = append(declared, route.Handler.Middlewares...)

		if route.Handler.Cache != types.CacheDisabled {
			if responseCache == nil {
				return types.Errorf(types.ErrStoreIsDisabled,
					"route %q enables response caching but no store is configured", path)
			}
			declared = append(declared, responseCache)
		}

		if err := middleware.CheckConstraints(declared); err != nil {
			return types.WrapError(err, "route "+path)
		}

		app, err := middleware.BuildStack(route.Handle, declared, deps)
		if err != nil {
			return types.Errorf(types.ErrRouteFinalizationFailed, "route %q: %v", path, err)
		}
		route.app = app
	}

	r.finalized = true
	r.logger.Info("Router finalized",
		zap.Int("routes", len(r.routes)),
		zap.Int("app_middlewares", len(r.middlewares)),
	)
	return nil
}

// Dispatch resolves the scope's path to a route and runs its composed stack.
// Mounted routes match by prefix, longest mount first; everything else
// matches exactly.
func (r *Router) Dispatch(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
	if !r.finalized {
		return types.ErrRouterNotFinalized
	}

	route := r.match(scope.Path)
	if route == nil {
		return types.Errorf(types.ErrRouteNotFound, "no route for path %q", scope.Path)
	}

	scope.RouteHandler = route.Handler
	return route.app(ctx, scope, receive, send)
}

func (r *Router) match(path string) *Route {
	if route, ok := r.routes[path]; ok {
		return route
	}

	var best *Route
	for _, mount := range r.mounts {
		if !strings.HasPrefix(path, mount.Path) {
			continue
		}
		if best == nil || len(mount.Path) > len(best.Path) {
			best = mount
		}
	}
	return best
}
