package middleware

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"

	"github.com/saiset-co/sai-pipeline/types"
)

// ConstraintViolationError reports a middleware list that does not satisfy
// the declared constraints: an ordering, uniqueness or first/last violation.
// It is a data problem in the application's middleware list, fixable by
// reordering. Matches types.ErrMiddlewareOrderInvalid.
type ConstraintViolationError struct {
	Kind    string
	First   string
	Second  string
	Indices []int
	msg     string
}

func (e *ConstraintViolationError) Error() string { return e.msg }

func (e *ConstraintViolationError) Unwrap() error { return types.ErrMiddlewareOrderInvalid }

// CycleError reports contradictory constraint declarations: no middleware
// list could ever satisfy them. Unlike an ordering violation this is a logic
// problem in the constraints themselves. Matches
// types.ErrMiddlewareConstraintCycle.
type CycleError struct {
	Middleware string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("middleware constraints contain a cycle involving %q", e.Middleware)
}

func (e *CycleError) Unwrap() error { return types.ErrMiddlewareConstraintCycle }

type edgeKey struct {
	pred any
	succ any
}

type constraintGraph struct {
	// edges map each predecessor to the nodes that must appear after it;
	// both before- and after-constraints are normalized into this form.
	edges map[any][]any

	// kinds remembers, per normalized edge, whether the author wrote it as
	// a before- or an after-constraint, so violation messages can be
	// reconstructed in the original orientation.
	kinds map[edgeKey]string

	// positions records every index at which a node, or any type it embeds,
	// appears in the middleware list. One type may have many instances.
	positions map[any][]int

	names map[any]string

	wantFirst  []any
	wantLast   []any
	wantUnique []any
}

// CheckConstraints validates the fully resolved middleware sequence, exactly
// as it will be nested into the final stack (outermost first), against the
// constraints its members declare. It returns nil when every constraint is
// satisfiable and satisfied, and the first detected violation otherwise.
// It runs once at application startup and is fully synchronous.
func CheckConstraints(middlewares []any) error {
	g, err := buildConstraintGraph(middlewares)
	if err != nil {
		return err
	}

	if err := g.checkUnique(); err != nil {
		return err
	}
	if err := g.checkPinned(len(middlewares)); err != nil {
		return err
	}
	if err := g.detectCycle(); err != nil {
		return err
	}
	return g.checkOrder()
}

func buildConstraintGraph(middlewares []any) (*constraintGraph, error) {
	g := &constraintGraph{
		edges:     make(map[any][]any),
		kinds:     make(map[edgeKey]string),
		positions: make(map[any][]int),
		names:     make(map[any]string),
	}

	for i, mw := range middlewares {
		key := g.register(mw, i)

		cp, ok := mw.(ConstraintsProvider)
		if !ok {
			continue
		}
		constraints := cp.MiddlewareConstraints()
		if constraints.IsEmpty() {
			continue
		}

		if constraints.first {
			g.wantFirst = append(g.wantFirst, key)
		}
		if constraints.last {
			g.wantLast = append(g.wantLast, key)
		}
		if constraints.unique {
			g.wantUnique = append(g.wantUnique, key)
		}

		for _, ref := range constraints.before {
			target, err := ref.Resolve()
			if err != nil {
				return nil, err
			}
			if target == nil {
				continue
			}
			tk := g.identify(target)
			g.edges[key] = append(g.edges[key], tk)
			g.kinds[edgeKey{pred: key, succ: tk}] = "before"
		}

		for _, ref := range constraints.after {
			target, err := ref.Resolve()
			if err != nil {
				return nil, err
			}
			if target == nil {
				continue
			}
			tk := g.identify(target)
			g.edges[tk] = append(g.edges[tk], key)
			g.kinds[edgeKey{pred: tk, succ: key}] = "after"
		}
	}

	return g, nil
}

// register records index i under the middleware's identity and, for struct
// based middlewares, under every type it embeds, so a constraint referencing
// an embedded base matches all middlewares built on it.
func (g *constraintGraph) register(mw any, i int) any {
	key := g.identify(mw)

	if _, ok := mw.(*Define); ok {
		g.positions[key] = append(g.positions[key], i)
		return key
	}

	rv := reflect.ValueOf(mw)
	if rv.Kind() == reflect.Func {
		g.positions[key] = append(g.positions[key], i)
		return key
	}

	for _, ancestor := range ancestorTypes(baseType(reflect.TypeOf(mw))) {
		g.names[ancestor] = typeName(ancestor)
		g.positions[ancestor] = append(g.positions[ancestor], i)
	}
	return key
}

// identify maps a middleware value to its comparable graph node: the
// function pointer for bare factories, the pointer-normalized type for
// everything else.
func (g *constraintGraph) identify(v any) any {
	// a Define is identified by the factory it wraps, not the Define type
	// itself; otherwise every deferred declaration would share one identity
	if d, ok := v.(*Define); ok {
		ptr := reflect.ValueOf(d.factory).Pointer()
		if fn := runtime.FuncForPC(ptr); fn != nil {
			g.names[ptr] = fn.Name()
		}
		return ptr
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func {
		ptr := rv.Pointer()
		if fn := runtime.FuncForPC(ptr); fn != nil {
			g.names[ptr] = fn.Name()
		}
		return ptr
	}

	if t, ok := v.(reflect.Type); ok {
		key := baseType(t)
		g.names[key] = typeName(key)
		return key
	}

	key := baseType(reflect.TypeOf(v))
	g.names[key] = typeName(key)
	return key
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// ancestorTypes returns t plus, recursively, the types of its embedded
// fields. This is the identity chain a subtype registers under, so that a
// constraint referencing an embedded middleware type matches every type
// built on it.
func ancestorTypes(t reflect.Type) []reflect.Type {
	if t == nil {
		return nil
	}

	chain := []reflect.Type{t}
	if t.Kind() != reflect.Struct {
		return chain
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.Anonymous {
			continue
		}
		chain = append(chain, ancestorTypes(baseType(field.Type))...)
	}
	return chain
}

func (g *constraintGraph) checkUnique() error {
	for _, key := range g.wantUnique {
		positions := g.positions[key]
		if len(positions) <= 1 {
			continue
		}
		return &ConstraintViolationError{
			Kind:    "unique",
			First:   g.names[key],
			Indices: append([]int(nil), positions...),
			msg: fmt.Sprintf("middleware constraint violated: %q must be unique but appears at indices %v",
				g.names[key], positions),
		}
	}
	return nil
}

func (g *constraintGraph) checkPinned(total int) error {
	if len(g.wantFirst) > 1 {
		return &ConstraintViolationError{
			Kind:  "first",
			First: g.names[g.wantFirst[0]],
			msg: fmt.Sprintf("middleware constraint violated: multiple middlewares declare themselves first: %s",
				g.nameList(g.wantFirst)),
		}
	}
	if len(g.wantLast) > 1 {
		return &ConstraintViolationError{
			Kind:  "last",
			First: g.names[g.wantLast[0]],
			msg: fmt.Sprintf("middleware constraint violated: multiple middlewares declare themselves last: %s",
				g.nameList(g.wantLast)),
		}
	}

	if len(g.wantFirst) == 1 {
		key := g.wantFirst[0]
		for _, pos := range g.positions[key] {
			if pos != 0 {
				return &ConstraintViolationError{
					Kind:    "first",
					First:   g.names[key],
					Indices: append([]int(nil), g.positions[key]...),
					msg: fmt.Sprintf("middleware constraint violated: %q must be first but was found at indices %v",
						g.names[key], g.positions[key]),
				}
			}
		}
	}

	if len(g.wantLast) == 1 {
		key := g.wantLast[0]
		for _, pos := range g.positions[key] {
			if pos != total-1 {
				return &ConstraintViolationError{
					Kind:    "last",
					First:   g.names[key],
					Indices: append([]int(nil), g.positions[key]...),
					msg: fmt.Sprintf("middleware constraint violated: %q must be last (index %d) but was found at indices %v",
						g.names[key], total-1, g.positions[key]),
				}
			}
		}
	}

	return nil
}

// detectCycle runs a depth-first search over the normalized graph with a
// visiting set (current DFS stack) and a visited set (fully processed
// nodes). A self-referential constraint is a one-node cycle and is caught
// the same way.
func (g *constraintGraph) detectCycle() error {
	visiting := make(map[any]struct{})
	visited := make(map[any]struct{})

	var dfs func(node any) bool
	dfs = func(node any) bool {
		if _, ok := visiting[node]; ok {
			return true
		}
		if _, ok := visited[node]; ok {
			return false
		}

		visiting[node] = struct{}{}
		for _, neighbor := range g.edges[node] {
			if dfs(neighbor) {
				return true
			}
		}
		delete(visiting, node)
		visited[node] = struct{}{}
		return false
	}

	for node := range g.edges {
		if dfs(node) {
			return &CycleError{Middleware: g.names[node]}
		}
	}
	return nil
}

// checkOrder validates every edge with the worst-case comparison: the latest
// instance of the predecessor against the earliest instance of the
// successor. With multiple instances per type this collapses "every A before
// every B" into one numeric check. Nodes referenced by a constraint but
// absent from the stack contribute nothing.
func (g *constraintGraph) checkOrder() error {
	for pred, succs := range g.edges {
		predPositions := g.positions[pred]
		if len(predPositions) == 0 {
			continue
		}
		maxPred := maxOf(predPositions)

		for _, succ := range succs {
			succPositions := g.positions[succ]
			if len(succPositions) == 0 {
				continue
			}
			minSucc := minOf(succPositions)

			if maxPred < minSucc {
				continue
			}

			// reconstruct the violation in the author's orientation: after
			// constraints were flipped into before edges while building the
			// graph, so flip them back for the message
			kind := g.kinds[edgeKey{pred: pred, succ: succ}]
			first, second := pred, succ
			firstIdx, secondIdx := maxPred, minSucc
			if kind == "after" {
				first, second = second, first
				firstIdx, secondIdx = secondIdx, firstIdx
			}

			return &ConstraintViolationError{
				Kind:    kind,
				First:   g.names[first],
				Second:  g.names[second],
				Indices: []int{firstIdx, secondIdx},
				msg: fmt.Sprintf(
					"middleware constraint violated: all instances of %q must come %s any instance of %q (found instance of %q at index %d, instance of %q at index %d)",
					g.names[first], kind, g.names[second],
					g.names[first], firstIdx, g.names[second], secondIdx),
			}
		}
	}
	return nil
}

func (g *constraintGraph) nameList(keys []any) string {
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, g.names[key])
	}
	sort.Strings(names)

	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", name)
	}
	return out
}

func maxOf(values []int) int {
	out := values[0]
	for _, v := range values[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func minOf(values []int) int {
	out := values[0]
	for _, v := range values[1:] {
		if v < out {
			out = v
		}
	}
	return out
}
