package types

import "context"

// MiddlewareFactory is the closure-based middleware shape: given the next
// app it returns the wrapping app. Every other declaration shape is reduced
// to this one once, at stack-build time.
type MiddlewareFactory func(next App) App

// MiddlewareHandler is the stateless middleware authoring shape. One
// instance is created at startup and shared by every request, so any
// connection-specific state must live inside Handle.
type MiddlewareHandler interface {
	Handle(ctx context.Context, scope *Scope, receive Receive, send Send, next App) error
}

// Optional configuration surfaces a MiddlewareHandler may expose. They are
// read once per application build, never on the request path.

type ScopesProvider interface {
	MiddlewareScopes() []ScopeType
}

type ExcludePathProvider interface {
	ExcludePathPatterns() []string
}

type ExcludeOptKeyProvider interface {
	ExcludeOptKey() string
}

type ExcludeMethodsProvider interface {
	ExcludeHTTPMethods() []string
}
