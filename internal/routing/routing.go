// Package routing implements the ordered route table the turn dispatcher
// matches incoming activities against (spec §4.1, Component C).
//
// Grounded on the reference implementation's registration-order
// conventions (rootCmd.AddCommand-style append-only lists in cmd/root.go)
// generalized to the selector/handler pair the spec requires. Per spec §9
// "cyclic ownership" design note, routes hold plain closures and there is
// no back-reference from a Route to the table that owns it.
package routing

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/courier/internal/turnctx"
)

// Selector decides whether a route's handler should run for this turn.
// Selectors may suspend (spec §5): they receive the turn's
// context.Context through tc.Context().
type Selector func(tc *turnctx.Context) bool

// Handler processes a matched turn. It returns an error so failures
// propagate out of the turn per spec §7's propagation policy.
type Handler func(tc *turnctx.Context) error

// Hook is a before/after-turn hook. Returning false short-circuits the
// remaining pipeline (spec §4.2 steps 7 and 9).
type Hook func(tc *turnctx.Context) (bool, error)

// Route is a single (selector, handler, isInvoke) registration (spec
// §3.3).
type Route struct {
	Selector Selector
	Handler  Handler
	IsInvoke bool
}

// Table holds the ordered invoke and general route lists plus the
// before/after hook lists (spec §4.1).
type Table struct {
	invokeRoutes  []Route
	generalRoutes []Route
	beforeHooks   []Hook
	afterHooks    []Hook
}

// New creates an empty route table.
func New() *Table {
	return &Table{}
}

// Add appends a route. Registration order is preserved (Invariant R1);
// there is no deduplication.
func (t *Table) Add(selector Selector, handler Handler, isInvoke bool) {
	r := Route{Selector: selector, Handler: handler, IsInvoke: isInvoke}
	if isInvoke {
		t.invokeRoutes = append(t.invokeRoutes, r)
	} else {
		t.generalRoutes = append(t.generalRoutes, r)
	}
}

// TypeMatcher is either an exact string (case-insensitive), a compiled
// regular expression, or a free-form predicate over the activity's type
// string. AddActivity wraps whichever is given into a Selector.
type TypeMatcher interface{}

// AddActivity is a convenience wrapper around Add for routes keyed on
// the activity type/name. It accepts one or more matchers; passing
// several expands into that many separate registrations, matching the
// spec's "multi-selector overloads expand to N separate registrations"
// requirement.
func AddActivity(t *Table, handler Handler, isInvoke bool, typeOf func(tc *turnctx.Context) string, matchers ...TypeMatcher) {
	for _, m := range matchers {
		sel := typeSelector(typeOf, m)
		t.Add(sel, handler, isInvoke)
	}
}

func typeSelector(typeOf func(tc *turnctx.Context) string, m TypeMatcher) Selector {
	switch v := m.(type) {
	case string:
		want := strings.ToLower(v)
		return func(tc *turnctx.Context) bool {
			return strings.ToLower(typeOf(tc)) == want
		}
	case *regexp.Regexp:
		return func(tc *turnctx.Context) bool {
			return v.MatchString(typeOf(tc))
		}
	case func(tc *turnctx.Context) bool:
		return v
	case Selector:
		return v
	default:
		// Unsupported matcher kind: never matches, rather than panicking
		// at dispatch time for a registration-time mistake.
		return func(tc *turnctx.Context) bool { return false }
	}
}

// BeforeTurn appends a before-turn hook.
func (t *Table) BeforeTurn(h Hook) { t.beforeHooks = append(t.beforeHooks, h) }

// AfterTurn appends an after-turn hook.
func (t *Table) AfterTurn(h Hook) { t.afterHooks = append(t.afterHooks, h) }

// BeforeHooks returns the registered before-turn hooks in order.
func (t *Table) BeforeHooks() []Hook { return t.beforeHooks }

// AfterHooks returns the registered after-turn hooks in order.
func (t *Table) AfterHooks() []Hook { return t.afterHooks }

// Dispatch evaluates selectors in order and runs the first match (spec
// §4.1, Invariant P1/P2). Invoke activities are matched against the
// invoke-routes list first, falling through to general-routes; non-invoke
// activities skip the invoke list entirely.
func (t *Table) Dispatch(tc *turnctx.Context, isInvoke bool) (matched bool, err error) {
	if isInvoke {
		if r, ok := firstMatch(t.invokeRoutes, tc); ok {
			return true, r.Handler(tc)
		}
		if r, ok := firstMatch(t.generalRoutes, tc); ok {
			return true, r.Handler(tc)
		}
		return false, nil
	}
	if r, ok := firstMatch(t.generalRoutes, tc); ok {
		return true, r.Handler(tc)
	}
	return false, nil
}

func firstMatch(routes []Route, tc *turnctx.Context) (Route, bool) {
	for _, r := range routes {
		if r.Selector(tc) {
			return r, true
		}
	}
	return Route{}, false
}
