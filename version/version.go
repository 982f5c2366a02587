// Package version holds the cache version identifiers of one deployment.
//
// A deployment owns exactly one static cache (the precached app shell) and one
// dynamic cache (everything stored at runtime). Any other cache name found in
// storage belongs to a previous deployment and is an orphan.
package version

import (
	"fmt"
	"strings"

	"github.com/jmgilman/go/errors"
)

// Versions is an immutable pair of cache names. The zero value is invalid;
// use New.
type Versions struct {
	static  string
	dynamic string
}

// New validates and returns the version pair.
func New(static, dynamic string) (Versions, error) {
	static = strings.TrimSpace(static)
	dynamic = strings.TrimSpace(dynamic)
	if static == "" || dynamic == "" {
		return Versions{}, errors.New(errors.CodeInvalidConfig, "static and dynamic cache versions are required")
	}
	if static == dynamic {
		return Versions{}, errors.Newf(errors.CodeInvalidConfig, "static and dynamic cache versions must differ, both are %q", static)
	}
	return Versions{static: static, dynamic: dynamic}, nil
}

// MustNew is like New but panics on invalid input. Intended for tests and
// package-level defaults.
func MustNew(static, dynamic string) Versions {
	v, err := New(static, dynamic)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Versions) Static() string {
	return v.static
}

func (v Versions) Dynamic() string {
	return v.dynamic
}

// Current returns the names of the live caches, static first.
func (v Versions) Current() []string {
	return []string{v.static, v.dynamic}
}

func (v Versions) IsCurrent(name string) bool {
	return name == v.static || name == v.dynamic
}

// Orphans returns the names that are not current, preserving their order.
func (v Versions) Orphans(names []string) []string {
	orphans := make([]string, 0)
	for _, name := range names {
		if !v.IsCurrent(name) {
			orphans = append(orphans, name)
		}
	}
	return orphans
}

func (v Versions) String() string {
	return fmt.Sprintf("%s+%s", v.static, v.dynamic)
}
