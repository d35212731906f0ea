// Package match implements the Matcher half of weave's rule composition
// algebra: a function from a path to a typed match witness, composable
// by conjunction, disjunction, and negation.
package match

import "weave/internal/settings"

// Witness is the payload a Matcher returns on success. Its concrete shape
// is opaque to the engine and passed unmodified to the path calculator; a
// nil Witness means "no match". Matcher implementations define their own
// concrete witness types (e.g. *RegexWitness for RegexMatcher); rules that
// need a typed witness assert it back out in their PathCalc.
type Witness any

// Matcher decides whether path applies to a rule and, if so, produces a
// witness for the path calculators to inspect.
type Matcher interface {
	Match(dirs settings.Settings, path string) Witness
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(dirs settings.Settings, path string) Witness

func (f MatcherFunc) Match(dirs settings.Settings, path string) Witness {
	return f(dirs, path)
}

// And returns a Matcher that matches only if both left and right match,
// short-circuiting on the left. The witness is the left-hand matcher's
// witness.
func And(left, right Matcher) Matcher {
	return MatcherFunc(func(dirs settings.Settings, path string) Witness {
		w := left.Match(dirs, path)
		if w == nil {
			return nil
		}
		if right.Match(dirs, path) == nil {
			return nil
		}
		return w
	})
}

// Or returns a Matcher that tries left first; if it matches, its witness is
// used, otherwise right is tried.
func Or(left, right Matcher) Matcher {
	return MatcherFunc(func(dirs settings.Settings, path string) Witness {
		if w := left.Match(dirs, path); w != nil {
			return w
		}
		return right.Match(dirs, path)
	})
}

// unit is the witness produced by Not, which carries no match data of its
// own — only the fact that the inner matcher failed.
type unit struct{}

// Not returns a Matcher that matches if inner does not. Its witness is a
// unit value carrying no information.
func Not(inner Matcher) Matcher {
	return MatcherFunc(func(dirs settings.Settings, path string) Witness {
		if inner.Match(dirs, path) != nil {
			return nil
		}
		return unit{}
	})
}
