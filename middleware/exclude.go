package middleware

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-pipeline/types"
)

// BuildExcludePattern compiles a set of path patterns into a single regex,
// joining the alternatives with '|'. Invalid syntax is a fatal configuration
// error. A pattern that matches both the root path and a random path segment
// matches everything, which would disable the middleware on every route;
// that is almost certainly a configuration mistake, so a warning naming the
// middleware is emitted instead of an error.
func BuildExcludePattern(patterns []string, middlewareName string, logger types.Logger) (*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	joined := strings.Join(patterns, "|")

	compiled, err := regexp.Compile(joined)
	if err != nil {
		return nil, types.Errorf(types.ErrExcludePatternInvalid,
			"middleware %s: pattern %q: %v", middlewareName, joined, err)
	}

	if compiled.MatchString("/") && compiled.MatchString("/"+uuid.NewString()) {
		if logger != nil {
			logger.Warn("Middleware exclude pattern matches every path, middleware will never run",
				zap.String("middleware", middlewareName),
				zap.String("pattern", joined))
		}
	}

	return compiled, nil
}

// ShouldBypass decides whether a middleware layer should skip its own logic
// for this request. It is pure, never mutates the scope and runs on the
// request hot path, so every check is a set lookup or a precompiled regex
// match.
func ShouldBypass(
	scope *types.Scope,
	scopes map[types.ScopeType]struct{},
	excludeMethods map[string]struct{},
	excludeOptKey string,
	excludePattern *regexp.Regexp,
) bool {
	if _, ok := scopes[scope.Type]; !ok {
		return true
	}

	if excludeOptKey != "" && scope.RouteHandler != nil {
		if v, ok := scope.RouteHandler.Opt[excludeOptKey]; ok && isTruthy(v) {
			return true
		}
	}

	if len(excludeMethods) > 0 {
		if _, ok := excludeMethods[scope.Method]; ok {
			return true
		}
	}

	if excludePattern != nil {
		path := scope.Path
		if scope.RouteHandler != nil && scope.RouteHandler.IsMount {
			path = scope.RawPath
		}
		if excludePattern.MatchString(path) {
			return true
		}
	}

	return false
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

// ScopeSet materializes a scope-type list into the set form ShouldBypass
// consumes. A nil or empty list falls back to def.
func ScopeSet(scopes []types.ScopeType, def ...types.ScopeType) map[types.ScopeType]struct{} {
	if len(scopes) == 0 {
		scopes = def
	}

	set := make(map[types.ScopeType]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// MethodSet materializes an HTTP method list, normalizing to upper case.
func MethodSet(methods []string) map[string]struct{} {
	if len(methods) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return set
}
