// Package symbols indexes the host standard library exported to guest programs.
package symbols

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/traefik/yaegi/stdlib"
)

// Kind is the declaration kind of an exported symbol.
type Kind int

const (
	Unknown Kind = iota
	Func
	Type
	Var
	Const
)

func (k Kind) String() string {
	switch k {
	case Func:
		return "func"
	case Type:
		return "type"
	case Var:
		return "var"
	case Const:
		return "const"
	default:
		return "unknown"
	}
}

type table struct {
	values map[string]map[string]reflect.Value // import path -> name -> value
	byName map[string][]string                  // package name -> import paths
}

var (
	once  sync.Once
	index table
)

func load() *table {
	once.Do(func() {
		index = build(stdlib.Symbols)
	})
	return &index
}

func build(exports map[string]map[string]reflect.Value) table {
	t := table{
		values: make(map[string]map[string]reflect.Value, len(exports)),
		byName: make(map[string][]string),
	}
	for key, syms := range exports {
		i := strings.LastIndex(key, "/")
		if i < 0 {
			continue
		}
		path, name := key[:i], key[i+1:]
		t.values[path] = syms
		t.byName[name] = append(t.byName[name], path)
	}
	for name := range t.byName {
		sort.Strings(t.byName[name])
	}
	return t
}

// HasPackage reports whether path can be imported by guest code.
func HasPackage(path string) bool {
	_, ok := load().values[path]
	return ok
}

// Paths returns the import paths whose package name is name, e.g. "rand" yields
// "crypto/rand" and "math/rand".
func Paths(name string) []string {
	return append([]string(nil), load().byName[name]...)
}

// DefaultName is the package name an unaliased import of path binds.
func DefaultName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Value returns the exported symbol name of path.
func Value(path, name string) (reflect.Value, bool) {
	syms, ok := load().values[path]
	if !ok {
		return reflect.Value{}, false
	}
	v, ok := syms[name]
	return v, ok
}

// Lookup classifies the exported symbol name of path.
func Lookup(path, name string) Kind {
	v, ok := Value(path, name)
	if !ok {
		return Unknown
	}
	return classify(v)
}

func classify(v reflect.Value) Kind {
	switch {
	case !v.IsValid():
		return Unknown
	case v.CanAddr():
		return Var
	case v.Kind() == reflect.Func:
		return Func
	case v.Kind() == reflect.Ptr && v.IsNil():
		return Type
	default:
		// typed constants and go/constant values
		return Const
	}
}

// FuncValue returns the function symbol name of path.
func FuncValue(path, name string) (reflect.Value, bool) {
	v, ok := Value(path, name)
	if !ok || classify(v) != Func {
		return reflect.Value{}, false
	}
	return v, true
}

// Anchor returns an exported function of path usable as a value, so an assembled
// program can keep an import referenced after its uses were rewritten away.
func Anchor(path string) (string, bool) {
	syms, ok := load().values[path]
	if !ok {
		return "", false
	}
	names := make([]string, 0, len(syms))
	for name, v := range syms {
		if classify(v) == Func {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}
