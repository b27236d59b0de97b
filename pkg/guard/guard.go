// Package guard mediates invocation of callable names held by guest code.
package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"strings"

	"github.com/sameehj/gosandbox/internal/symbols"
	"github.com/sameehj/gosandbox/pkg/policy"
)

var (
	// ErrUnbound is returned when a function is defined by name only.
	ErrUnbound = errors.New("sandbox: function has no implementation")

	// ErrNotCallable is returned when a name resolves to nothing that can be called.
	ErrNotCallable = errors.New("sandbox: not callable")
)

// Dispatcher is the sandbox side of name resolution.
type Dispatcher interface {
	Check(c policy.Category, name string) error
	Definition(c policy.Category, name string) (policy.Definition, bool)
	Definitions(c policy.Category) []policy.Definition
	// Qualify rewrites an alias-qualified name ("str.ToUpper") to its import path form
	// ("strings.ToUpper"). Unqualified names are returned unchanged.
	Qualify(name string) string
	Options() *policy.Options
	Stdout() io.Writer
	Ambient(bag string) map[string]any
}

// Callback is a string that is also the name of a function. Every use other than
// Call sees the plain string.
type Callback struct {
	s string
	d Dispatcher
}

// Wrap guards v when it is a string. Other values pass through.
func Wrap(d Dispatcher, v any) any {
	if s, ok := v.(string); ok {
		return &Callback{s: s, d: d}
	}
	return v
}

// Unwrap returns the plain string behind a Callback, or v itself.
func Unwrap(v any) any {
	if cb, ok := v.(*Callback); ok && cb != nil {
		return cb.s
	}
	return v
}

// UnwrapAll maps Unwrap over args in a new slice.
func UnwrapAll(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = Unwrap(a)
	}
	return out
}

// Strip unwraps args and drops the dispatcher itself from them.
func Strip(d Dispatcher, args []any) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		if a == any(d) {
			continue
		}
		out = append(out, Unwrap(a))
	}
	return out
}

func (c *Callback) String() string { return c.s }

func (c *Callback) Format(f fmt.State, verb rune) {
	fmt.Fprintf(f, fmt.FormatString(f, verb), c.s)
}

func (c *Callback) MarshalText() ([]byte, error) { return []byte(c.s), nil }

func (c *Callback) MarshalJSON() ([]byte, error) { return json.Marshal(c.s) }

// Call invokes the function the string names through the resolver.
func (c *Callback) Call(args ...any) (any, error) {
	return Invoke(c.d, c.s, args)
}

// Invoke resolves name as a function and calls it: an explicit definition wins,
// then the filtered introspective equivalent, then the host symbol. Names without
// a definition are checked in their import path form.
func Invoke(d Dispatcher, name string, args []any) (any, error) {
	name = strings.TrimSpace(name)
	def, defined := d.Definition(policy.Function, name)
	target := name
	if !defined {
		target = d.Qualify(name)
	}
	if err := checkFunction(d, target); err != nil {
		return nil, err
	}
	if defined {
		if !def.Bound() {
			return nil, fmt.Errorf("%w: %s", ErrUnbound, def.Name)
		}
		return Apply(def.Value, args)
	}
	if fn, ok := introspective[policy.Normalize(policy.Function, target)]; ok {
		return fn(d, args)
	}
	if i := strings.LastIndex(target, "."); i > 0 {
		if fv, ok := symbols.FuncValue(target[:i], target[i+1:]); ok {
			return applyValue(fv, UnwrapAll(args))
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotCallable, name)
}

// CheckFunc polices a function value reached through a computed call. Interpreted
// closures and bound definitions pass; host functions are checked by name.
func CheckFunc(d Dispatcher, fn any) error {
	rv := reflect.ValueOf(fn)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return fmt.Errorf("%w: %T", ErrNotCallable, fn)
	}
	if rv.IsNil() {
		return nil
	}
	ptr := rv.Pointer()
	for _, def := range d.Definitions(policy.Function) {
		if def.Bound() && reflect.ValueOf(def.Value).Pointer() == ptr {
			return nil
		}
	}
	rf := runtime.FuncForPC(ptr)
	if rf == nil {
		return nil
	}
	name, interpreted := HostName(rf.Name())
	if interpreted {
		return nil
	}
	return checkFunction(d, name)
}

// checkFunction applies the function check and the halting gate.
func checkFunction(d Dispatcher, name string) error {
	if err := d.Check(policy.Function, name); err != nil {
		return err
	}
	if policy.Halts(name) && !d.Options().Enabled(policy.AllowHalting) {
		return policy.Denied(policy.Function, name, "halting is not allowed")
	}
	return nil
}

// HostName reduces a runtime symbol name to the path-qualified spelling the
// resolver checks, e.g. "encoding/json.Marshal". Functions built by the
// interpreter are reported as interpreted.
func HostName(symbol string) (string, bool) {
	if strings.HasPrefix(symbol, "reflect.") || strings.Contains(symbol, "yaegi") {
		return symbol, true
	}
	symbol = strings.TrimSuffix(symbol, "-fm")
	base := strings.LastIndex(symbol, "/") + 1
	if i := strings.Index(symbol[base:], ".func"); i > 0 {
		symbol = symbol[:base+i]
	}
	return symbol, false
}
