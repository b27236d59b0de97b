package guard

import (
	"fmt"
	"reflect"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Apply calls fn with args, adapting each argument to the parameter type. A
// Callback passed where a string is expected is unwrapped; where an interface is
// expected it is passed as is so the callee can invoke it. A trailing non-nil
// error result is returned as the error.
func Apply(fn any, args []any) (any, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotCallable, fn)
	}
	return applyValue(fv, args)
}

func applyValue(fv reflect.Value, args []any) (any, error) {
	ft := fv.Type()
	in, err := adaptArgs(ft, args)
	if err != nil {
		return nil, err
	}
	out := fv.Call(in)
	return collectResults(ft, out)
}

func adaptArgs(ft reflect.Type, args []any) ([]reflect.Value, error) {
	n := ft.NumIn()
	if ft.IsVariadic() {
		if len(args) < n-1 {
			return nil, fmt.Errorf("want at least %d arguments, got %d", n-1, len(args))
		}
	} else if len(args) != n {
		return nil, fmt.Errorf("want %d arguments, got %d", n, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if ft.IsVariadic() && i >= n-1 {
			pt = ft.In(n - 1).Elem()
		} else {
			pt = ft.In(i)
		}
		v, err := adaptArg(a, pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		in[i] = v
	}
	return in, nil
}

func adaptArg(a any, pt reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(pt), nil
	}
	if cb, ok := a.(*Callback); ok && pt.Kind() == reflect.String {
		return reflect.ValueOf(cb.s).Convert(pt), nil
	}
	av := reflect.ValueOf(a)
	switch {
	case av.Type().AssignableTo(pt):
		return av, nil
	case av.Type().ConvertibleTo(pt) && (av.Kind() == reflect.String) == (pt.Kind() == reflect.String):
		return av.Convert(pt), nil
	}
	if cb, ok := a.(*Callback); ok {
		// a guarded string where neither string nor an interface it satisfies is expected
		return adaptArg(cb.s, pt)
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, pt)
}

func collectResults(ft reflect.Type, out []reflect.Value) (any, error) {
	if n := len(out); n > 0 && ft.Out(n-1) == errorType {
		if errv := out[n-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		vals := make([]any, len(out))
		for i, v := range out {
			vals[i] = v.Interface()
		}
		return vals, nil
	}
}
