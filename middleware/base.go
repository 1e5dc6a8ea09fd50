package middleware

import (
	"context"
	"reflect"
	"regexp"

	"github.com/saiset-co/sai-pipeline/types"
)

// Abstract is the stateful middleware base: it is constructed once per
// application build with the next app and its bypass configuration baked in,
// and Compose wraps the middleware body with the bypass check exactly once.
// Middlewares embed it and expose a constructor returning the composed app:
//
//	type Logging struct {
//		middleware.Abstract
//		logger types.Logger
//	}
//
//	func NewLogging(app types.App, logger types.Logger) (types.App, error) {
//		m := &Logging{logger: logger}
//		abstract, err := middleware.NewAbstract(app, middleware.WithName("logging"))
//		if err != nil {
//			return nil, err
//		}
//		m.Abstract = abstract
//		return m.Compose(m.serve), nil
//	}
type Abstract struct {
	App types.App

	name           string
	logger         types.Logger
	scopes         map[types.ScopeType]struct{}
	exclude        []string
	excludeMethods map[string]struct{}
	excludeOptKey  string
	excludePattern *regexp.Regexp
}

type AbstractOption func(*Abstract)

func WithName(name string) AbstractOption {
	return func(a *Abstract) { a.name = name }
}

func WithLogger(logger types.Logger) AbstractOption {
	return func(a *Abstract) { a.logger = logger }
}

func WithScopes(scopes ...types.ScopeType) AbstractOption {
	return func(a *Abstract) { a.scopes = ScopeSet(scopes) }
}

func WithExclude(patterns ...string) AbstractOption {
	return func(a *Abstract) { a.exclude = patterns }
}

func WithExcludeOptKey(key string) AbstractOption {
	return func(a *Abstract) { a.excludeOptKey = key }
}

func WithExcludeMethods(methods ...string) AbstractOption {
	return func(a *Abstract) { a.excludeMethods = MethodSet(methods) }
}

func NewAbstract(app types.App, opts ...AbstractOption) (Abstract, error) {
	if app == nil {
		return Abstract{}, types.ErrHandlerIsNil
	}

	a := Abstract{
		App:    app,
		scopes: ScopeSet(nil, types.ScopeTypeHTTP, types.ScopeTypeWebSocket),
	}

	for _, opt := range opts {
		opt(&a)
	}

	pattern, err := BuildExcludePattern(a.exclude, a.name, a.logger)
	if err != nil {
		return Abstract{}, err
	}
	a.excludePattern = pattern

	return a, nil
}

// Compose returns the ASGI app for this middleware. When the bypass
// predicate fires, the next app receives the untouched scope/receive/send
// triple and body never runs.
func (a *Abstract) Compose(body func(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error) types.App {
	next := a.App

	return func(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
		if ShouldBypass(scope, a.scopes, a.excludeMethods, a.excludeOptKey, a.excludePattern) {
			return next(ctx, scope, receive, send)
		}
		return body(ctx, scope, receive, send)
	}
}

// Adapt reduces a stateless MiddlewareHandler to the factory shape. The
// handler's optional configuration surfaces are read and the exclude pattern
// compiled here, once per application build; the returned factory only
// closes over precomputed values.
func Adapt(h types.MiddlewareHandler, logger types.Logger) (types.MiddlewareFactory, error) {
	if h == nil {
		return nil, types.ErrMiddlewareInvalidType
	}

	var scopeList []types.ScopeType
	if sp, ok := h.(types.ScopesProvider); ok {
		scopeList = sp.MiddlewareScopes()
	}
	scopes := ScopeSet(scopeList, types.ScopeTypeHTTP, types.ScopeTypeWebSocket, types.ScopeTypeASGI)

	var excludeMethods map[string]struct{}
	if mp, ok := h.(types.ExcludeMethodsProvider); ok {
		excludeMethods = MethodSet(mp.ExcludeHTTPMethods())
	}

	var excludeOptKey string
	if op, ok := h.(types.ExcludeOptKeyProvider); ok {
		excludeOptKey = op.ExcludeOptKey()
	}

	var pattern *regexp.Regexp
	if pp, ok := h.(types.ExcludePathProvider); ok {
		var err error
		pattern, err = BuildExcludePattern(pp.ExcludePathPatterns(), middlewareName(h), logger)
		if err != nil {
			return nil, err
		}
	}

	return func(app types.App) types.App {
		return func(ctx context.Context, scope *types.Scope, receive types.Receive, send types.Send) error {
			if ShouldBypass(scope, scopes, excludeMethods, excludeOptKey, pattern) {
				return app(ctx, scope, receive, send)
			}
			return h.Handle(ctx, scope, receive, send, app)
		}
	}, nil
}

func middlewareName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}
