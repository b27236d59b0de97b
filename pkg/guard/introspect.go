package guard

import (
	"fmt"
	"sort"

	"github.com/sameehj/gosandbox/pkg/policy"
)

// EnvBag is the ambient bag the environment functions read from.
const EnvBag = "_ENV"

type filteredFunc func(d Dispatcher, args []any) (any, error)

// introspective maps the normalized, path-qualified names of host functions that
// observe arguments or the environment to their filtered equivalents.
var introspective = map[string]filteredFunc{
	"fmt.sprint":   func(d Dispatcher, args []any) (any, error) { return Sprint(d, args...), nil },
	"fmt.sprintln": func(d Dispatcher, args []any) (any, error) { return Sprintln(d, args...), nil },
	"fmt.sprintf": func(d Dispatcher, args []any) (any, error) {
		format, rest, err := splitFormat(args)
		if err != nil {
			return nil, err
		}
		return Sprintf(d, format, rest...), nil
	},
	"fmt.print":   func(d Dispatcher, args []any) (any, error) { return Print(d, args...) },
	"fmt.println": func(d Dispatcher, args []any) (any, error) { return Println(d, args...) },
	"fmt.printf": func(d Dispatcher, args []any) (any, error) {
		format, rest, err := splitFormat(args)
		if err != nil {
			return nil, err
		}
		return Printf(d, format, rest...)
	},
	"os.getenv": func(d Dispatcher, args []any) (any, error) {
		key, err := stringArg(args)
		if err != nil {
			return nil, err
		}
		return Getenv(d, key), nil
	},
	"os.lookupenv": func(d Dispatcher, args []any) (any, error) {
		key, err := stringArg(args)
		if err != nil {
			return nil, err
		}
		v, ok := LookupEnv(d, key)
		return []any{v, ok}, nil
	},
	"os.environ": func(d Dispatcher, args []any) (any, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("want 0 arguments, got %d", len(args))
		}
		return Environ(d), nil
	},
}

// Introspective reports whether the path-qualified name has a filtered equivalent.
func Introspective(qualified string) bool {
	_, ok := introspective[policy.Normalize(policy.Function, qualified)]
	return ok
}

func splitFormat(args []any) (string, []any, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("missing format argument")
	}
	format, ok := Unwrap(args[0]).(string)
	if !ok {
		return "", nil, fmt.Errorf("format must be a string, got %T", args[0])
	}
	return format, args[1:], nil
}

func stringArg(args []any) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("want 1 argument, got %d", len(args))
	}
	s, ok := Unwrap(args[0]).(string)
	if !ok {
		return "", fmt.Errorf("want string argument, got %T", args[0])
	}
	return s, nil
}

func Sprint(d Dispatcher, args ...any) string { return fmt.Sprint(Strip(d, args)...) }

func Sprintln(d Dispatcher, args ...any) string { return fmt.Sprintln(Strip(d, args)...) }

func Sprintf(d Dispatcher, format string, args ...any) string {
	return fmt.Sprintf(format, Strip(d, args)...)
}

func Print(d Dispatcher, args ...any) (int, error) {
	return fmt.Fprint(d.Stdout(), Strip(d, args)...)
}

func Println(d Dispatcher, args ...any) (int, error) {
	return fmt.Fprintln(d.Stdout(), Strip(d, args)...)
}

func Printf(d Dispatcher, format string, args ...any) (int, error) {
	return fmt.Fprintf(d.Stdout(), format, Strip(d, args)...)
}

// Getenv reads key from the filtered environment bag.
func Getenv(d Dispatcher, key string) string {
	v, _ := LookupEnv(d, key)
	return v
}

func LookupEnv(d Dispatcher, key string) (string, bool) {
	v, ok := d.Ambient(EnvBag)[key]
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}

// Environ lists the filtered environment as sorted key=value pairs.
func Environ(d Dispatcher) []string {
	env := d.Ambient(EnvBag)
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+fmt.Sprint(v))
	}
	sort.Strings(out)
	return out
}
