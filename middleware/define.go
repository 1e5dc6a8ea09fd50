package middleware

import (
	"github.com/saiset-co/sai-pipeline/types"
)

// Define pairs a middleware constructor with bound arguments so that the
// constructor runs only at stack-build time, when the next app is known.
type Define struct {
	factory func(next types.App, args ...any) types.App
	args    []any
}

func NewDefine(factory func(next types.App, args ...any) types.App, args ...any) *Define {
	return &Define{factory: factory, args: args}
}

// Apply instantiates the middleware with the accumulated next app.
func (d *Define) Apply(next types.App) types.App {
	return d.factory(next, d.args...)
}
