// Package pattern provides structural matching for protocol payloads.
// A pattern value can stand in for a literal anywhere inside an expected
// map/slice/scalar tree, so scenarios can pin down exactly the fields they
// care about and stay resilient to non-deterministic ids and payload
// evolution everywhere else.
package pattern

import (
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"strings"
)

// Pattern is a closed set of wildcard variants. Anything that is not a
// Pattern is compared literally (recursing into maps and slices).
type Pattern interface {
	match(actual any) error
	String() string
}

// MismatchError reports a value that was observed but failed to match,
// carrying both sides for diagnosis. It is a hard scenario failure.
type MismatchError struct {
	Path     string
	Expected any
	Actual   any
}

func (e *MismatchError) Error() string {
	where := e.Path
	if where == "" {
		where = "$"
	}
	return fmt.Sprintf("mismatch at %s: expected %v, got %v", where, format(e.Expected), format(e.Actual))
}

// PredicateError reports a predicate that panicked while matching. It is
// a harness-internal failure, distinct from a mismatch.
type PredicateError struct {
	Actual any
	Reason any
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate panicked on %v: %v", format(e.Actual), e.Reason)
}

type anyPattern struct{}

func (anyPattern) match(any) error { return nil }
func (anyPattern) String() string  { return "<any>" }

// Any matches every value, including nil.
var Any Pattern = anyPattern{}

type anyIntPattern struct{}

func (anyIntPattern) match(actual any) error {
	if _, ok := asInt(actual); !ok {
		return &MismatchError{Expected: "<any int>", Actual: actual}
	}
	return nil
}
func (anyIntPattern) String() string { return "<any int>" }

// AnyInt matches any integral number. JSON decoding produces float64, so
// whole-valued floats count.
var AnyInt Pattern = anyIntPattern{}

type anyStringPattern struct{}

func (anyStringPattern) match(actual any) error {
	if _, ok := actual.(string); !ok {
		return &MismatchError{Expected: "<any string>", Actual: actual}
	}
	return nil
}
func (anyStringPattern) String() string { return "<any string>" }

// AnyString matches any string value.
var AnyString Pattern = anyStringPattern{}

type idPattern struct{}

func (idPattern) match(actual any) error {
	n, ok := asInt(actual)
	if !ok || n <= 0 {
		return &MismatchError{Expected: "<protocol id>", Actual: actual}
	}
	return nil
}
func (idPattern) String() string { return "<protocol id>" }

// ID matches a protocol-legal identifier: a positive integer. It checks
// shape only, not global uniqueness.
var ID Pattern = idPattern{}

type suchThat struct {
	pred func(any) bool
	desc string
}

func (p suchThat) match(actual any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PredicateError{Actual: actual, Reason: r}
		}
	}()
	if !p.pred(actual) {
		return &MismatchError{Expected: p.desc, Actual: actual}
	}
	return nil
}
func (p suchThat) String() string { return p.desc }

// SuchThat matches any value the predicate accepts. A panicking predicate
// surfaces as PredicateError, not a mismatch.
func SuchThat(pred func(actual any) bool) Pattern {
	return suchThat{pred: pred, desc: "<such that>"}
}

// StringWith matches a string via a string-typed predicate, failing on
// non-strings instead of panicking.
func StringWith(pred func(s string) bool) Pattern {
	return suchThat{
		pred: func(actual any) bool {
			s, ok := actual.(string)
			return ok && pred(s)
		},
		desc: "<string such that>",
	}
}

type dictWith struct {
	partial map[string]any
}

func (p dictWith) match(actual any) error {
	m, ok := actual.(map[string]any)
	if !ok {
		return &MismatchError{Expected: p, Actual: actual}
	}
	for key, want := range p.partial {
		got, present := m[key]
		if !present {
			return &MismatchError{Path: "." + key, Expected: want, Actual: "<missing>"}
		}
		if err := matchAt("."+key, want, got); err != nil {
			return err
		}
	}
	return nil
}
func (p dictWith) String() string { return fmt.Sprintf("<dict with %v>", p.partial) }

// DictWith matches any mapping that is a structural superset of partial:
// every listed key must be present and match recursively, extra keys in
// the actual mapping are ignored. Deliberately asymmetric; it is only
// meaningful on the expected side.
func DictWith(partial map[string]any) Pattern {
	return dictWith{partial: partial}
}

type pathPattern struct {
	path string
}

func (p pathPattern) match(actual any) error {
	s, ok := actual.(string)
	if !ok || !samePath(p.path, s) {
		return &MismatchError{Expected: p, Actual: actual}
	}
	return nil
}
func (p pathPattern) String() string { return fmt.Sprintf("<path %s>", p.path) }

// PathTo matches any string denoting the same file as path after
// canonicalization: `.`/`..` resolution, separator normalization, and
// case-insensitive comparison on platforms whose filesystems require it.
func PathTo(path string) Pattern {
	return pathPattern{path: path}
}

func samePath(a, b string) bool {
	a = filepath.Clean(filepath.FromSlash(a))
	b = filepath.Clean(filepath.FromSlash(b))
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// Match reports whether actual satisfies expected, which may be a literal
// tree with Patterns embedded at any depth. nil means match; the error is
// a *MismatchError or *PredicateError otherwise.
func Match(expected, actual any) error {
	return matchAt("", expected, actual)
}

// Matches is the boolean convenience form of Match. Predicate panics
// count as non-matches here; use Match where the distinction matters.
func Matches(expected, actual any) bool {
	return Match(expected, actual) == nil
}

func matchAt(path string, expected, actual any) error {
	if p, ok := expected.(Pattern); ok {
		err := p.match(actual)
		if me, isMismatch := err.(*MismatchError); isMismatch && me.Path == "" {
			me.Path = path
		} else if me != nil && me.Path != "" && path != "" {
			me.Path = path + me.Path
		}
		return err
	}

	switch want := expected.(type) {
	case map[string]any:
		got, ok := actual.(map[string]any)
		if !ok || len(got) != len(want) {
			return &MismatchError{Path: path, Expected: want, Actual: actual}
		}
		for key, wv := range want {
			gv, present := got[key]
			if !present {
				return &MismatchError{Path: path + "." + key, Expected: wv, Actual: "<missing>"}
			}
			if err := matchAt(path+"."+key, wv, gv); err != nil {
				return err
			}
		}
		return nil

	case []any:
		got, ok := actual.([]any)
		if !ok || len(got) != len(want) {
			return &MismatchError{Path: path, Expected: want, Actual: actual}
		}
		for i, wv := range want {
			if err := matchAt(fmt.Sprintf("%s[%d]", path, i), wv, got[i]); err != nil {
				return err
			}
		}
		return nil

	case nil:
		if actual != nil {
			return &MismatchError{Path: path, Expected: nil, Actual: actual}
		}
		return nil

	default:
		if !scalarEqual(expected, actual) {
			return &MismatchError{Path: path, Expected: expected, Actual: actual}
		}
		return nil
	}
}

// scalarEqual compares leaf values, normalizing numeric types so that the
// float64s produced by JSON decoding compare equal to Go ints.
func scalarEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func format(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}
