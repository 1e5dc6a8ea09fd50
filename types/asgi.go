package types

import (
	"context"
)

type ScopeType string

const (
	ScopeTypeHTTP      ScopeType = "http"
	ScopeTypeWebSocket ScopeType = "websocket"
	ScopeTypeLifespan  ScopeType = "lifespan"
	ScopeTypeASGI      ScopeType = "asgi"
)

const (
	MessageResponseStart = "http.response.start"
	MessageResponseBody  = "http.response.body"
	MessageRequest       = "http.request"
	MessageDisconnect    = "http.disconnect"
)

// Message is one event travelling over the receive or send side of a
// connection. Response messages are persisted as-is by the response cache,
// so the struct is msgpack-serializable.
type Message struct {
	Type     string      `msgpack:"type" json:"type"`
	Status   int         `msgpack:"status,omitempty" json:"status,omitempty"`
	Headers  [][2]string `msgpack:"headers,omitempty" json:"headers,omitempty"`
	Body     []byte      `msgpack:"body,omitempty" json:"body,omitempty"`
	MoreBody bool        `msgpack:"more_body,omitempty" json:"more_body,omitempty"`
}

// Scope describes one connection. It is created once per connection by the
// dispatching layer and owned by that connection's task for its whole
// lifetime. Middlewares may read it and, by convention, may mutate State to
// communicate with layers further down the chain.
type Scope struct {
	Type         ScopeType
	Path         string
	RawPath      string
	RawQuery     string
	Method       string
	RouteHandler *RouteHandler

	// State is the mutation side-channel between middleware layers and the
	// handler (user, auth, session and similar keys).
	State map[string]any

	// ServedFromCache is set by the cached-response replay path so that the
	// response cache middleware does not store an already-cached response a
	// second time.
	ServedFromCache bool
}

type Receive func(ctx context.Context) (*Message, error)

type Send func(ctx context.Context, msg *Message) error

// App is the callable contract every component of the engine consumes and
// produces: one connection in, events exchanged over receive/send, failure
// signalled through the returned error.
type App func(ctx context.Context, scope *Scope, receive Receive, send Send) error

// Cache policy sentinels for RouteHandler.Cache. Positive values are an
// explicit expiration in seconds.
const (
	CacheDisabled          = 0
	CacheDefaultExpiration = -1
	CacheForever           = -2
)

type CacheKeyBuilder func(scope *Scope) string

// RouteHandler is the resolved handler object for a request, carried in the
// scope. Opt is the per-handler option mapping middlewares consult for their
// exclude-opt-key bypass.
type RouteHandler struct {
	Name            string
	Opt             map[string]any
	IsMount         bool
	Cache           int
	CacheKeyBuilder CacheKeyBuilder
	Middlewares     []any
	Fn              App
}
