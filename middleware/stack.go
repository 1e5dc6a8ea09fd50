package middleware

import (
	"github.com/saiset-co/sai-pipeline/types"
)

// StackDeps carries the shared infrastructure the stack builder injects into
// the layers it creates itself.
type StackDeps struct {
	Logger  types.Logger
	Metrics types.MetricsManager
}

// BuildStack composes the middleware declarations around handle, outermost
// first, and returns the resulting entry point. An exception layer is always
// inserted between the declared middlewares and the handler, so every
// middleware observes either a normal exchange or a 500 response, never a
// propagating panic. With no middlewares declared, handle is returned as is.
func BuildStack(handle types.App, middlewares []any, deps StackDeps) (types.App, error) {
	if handle == nil {
		return nil, types.ErrHandlerIsNil
	}
	if len(middlewares) == 0 {
		return handle, nil
	}

	app := NewException(deps.Logger, deps.Metrics).Wrap(handle)

	for i := len(middlewares) - 1; i >= 0; i-- {
		factory, err := resolveDeclaration(middlewares[i], deps.Logger)
		if err != nil {
			return nil, err
		}
		app = factory(app)
	}

	return app, nil
}

// resolveDeclaration normalizes the accepted middleware declaration forms
// into a single factory shape.
func resolveDeclaration(mw any, logger types.Logger) (types.MiddlewareFactory, error) {
	switch m := mw.(type) {
	case types.MiddlewareFactory:
		return m, nil
	case func(types.App) types.App:
		return m, nil
	case *Define:
		return m.Apply, nil
	case types.MiddlewareHandler:
		return Adapt(m, logger)
	default:
		return nil, types.Errorf(types.ErrMiddlewareInvalidType, "unsupported middleware declaration %T", mw)
	}
}
