package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/traefik/yaegi/interp"

	"github.com/sameehj/gosandbox/internal/transform"
	"github.com/sameehj/gosandbox/pkg/guard"
	"github.com/sameehj/gosandbox/pkg/policy"
)

// bridge is the host side of every mediated call site in one execution. Each call
// presents the token it was compiled with; a token that does not resolve to the
// owning sandbox aborts the program.
type bridge struct {
	owner *Sandbox
	ctx   context.Context
}

func (b *bridge) enter(tok string) *Sandbox {
	s, ok := processRegistry.lookup(tok)
	if !ok || s != b.owner {
		panic(fmt.Errorf("%w: %q", ErrToken, tok))
	}
	return s
}

// fail raises err inside guest code. Denials go to the validation handler first and
// are dropped when it swallows them.
func (s *Sandbox) fail(err error) {
	var perr *policy.Error
	if errors.As(err, &perr) {
		if err = s.onDeny(perr); err == nil {
			return
		}
	}
	panic(err)
}

func (b *bridge) call(tok, name string, args ...any) any {
	s := b.enter(tok)
	out, err := guard.Invoke(s, name, args)
	if err != nil {
		s.fail(err)
		return nil
	}
	return out
}

func (b *bridge) arg(tok string, v any) any {
	return guard.Wrap(b.enter(tok), v)
}

// spread flattens a variadic tail of any slice type into the argument list.
func (b *bridge) spread(tok string, head []any, tail any) []any {
	s := b.enter(tok)
	out := append([]any(nil), head...)
	rv := reflect.ValueOf(tail)
	if !rv.IsValid() {
		return out
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		s.fail(fmt.Errorf("cannot spread %T", tail))
		return out
	}
	wrap := s.store.Options().Enabled(policy.SandboxStrings)
	for i := 0; i < rv.Len(); i++ {
		v := rv.Index(i).Interface()
		if wrap {
			v = guard.Wrap(s, v)
		}
		out = append(out, v)
	}
	return out
}

func (b *bridge) ambient(tok, bag string, filtered bool) map[string]any {
	s := b.enter(tok)
	if err := s.store.Check(policy.Ambient, bag); err != nil {
		s.fail(err)
		return map[string]any{}
	}
	if filtered {
		return s.Ambient(bag)
	}
	return s.ambientData(bag)
}

func (b *bridge) function(tok, name string) any {
	s := b.enter(tok)
	if err := s.store.Check(policy.Function, name); err != nil {
		s.fail(err)
		return nil
	}
	def, ok := s.store.Definition(policy.Function, name)
	if !ok {
		s.fail(fmt.Errorf("%w: %s", guard.ErrNotCallable, name))
		return nil
	}
	if def.Bound() {
		return def.Value
	}
	return func(args ...any) any { return b.call(tok, def.Name, args...) }
}

func (b *bridge) callable(tok string, fn any) {
	s := b.enter(tok)
	if err := guard.CheckFunc(s, fn); err != nil {
		s.fail(err)
	}
}

func (b *bridge) include(tok, path string, once, required, sandboxed bool) any {
	return b.enter(tok).include(b.ctx, path, once, required, sandboxed)
}

func (b *bridge) definition(c policy.Category) func(tok, name string) any {
	return func(tok, name string) any {
		s := b.enter(tok)
		def, ok := s.store.Definition(c, name)
		if !ok {
			return nil
		}
		return def.Value
	}
}

// bridgeExports binds the bridge package for one execution of s.
func (s *Sandbox) bridgeExports(ctx context.Context) interp.Exports {
	b := &bridge{owner: s, ctx: ctx}
	fns := map[string]any{
		"Call":     b.call,
		"Arg":      b.arg,
		"Spread":   b.spread,
		"Ambient":  b.ambient,
		"Function": b.function,
		"Callable": b.callable,
		"Include":  b.include,
		"Constant": b.definition(policy.Constant),
		"Variable": b.definition(policy.Variable),
		"Global":   b.definition(policy.Global),

		"Sprint":    func(tok string, args ...any) string { return guard.Sprint(b.enter(tok), args...) },
		"Sprintln":  func(tok string, args ...any) string { return guard.Sprintln(b.enter(tok), args...) },
		"Sprintf":   func(tok, format string, args ...any) string { return guard.Sprintf(b.enter(tok), format, args...) },
		"Print":     func(tok string, args ...any) (int, error) { return guard.Print(b.enter(tok), args...) },
		"Println":   func(tok string, args ...any) (int, error) { return guard.Println(b.enter(tok), args...) },
		"Printf":    func(tok, format string, args ...any) (int, error) { return guard.Printf(b.enter(tok), format, args...) },
		"Getenv":    func(tok, key string) string { return guard.Getenv(b.enter(tok), key) },
		"LookupEnv": func(tok, key string) (string, bool) { return guard.LookupEnv(b.enter(tok), key) },
		"Environ":   func(tok string) []string { return guard.Environ(b.enter(tok)) },
	}
	symbols := make(map[string]reflect.Value, len(fns))
	for name, fn := range fns {
		symbols[name] = reflect.ValueOf(fn)
	}
	return interp.Exports{transform.BridgePath + "/bridge": symbols}
}
