package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/sameehj/gosandbox/pkg/policy"
)

type fakeDispatcher struct {
	*policy.Store
	out bytes.Buffer
	env map[string]any
}

func newFake() *fakeDispatcher {
	return &fakeDispatcher{Store: policy.NewStore(nil), env: map[string]any{"HOME": "/home/guest", "SECRET": "x"}}
}

func (f *fakeDispatcher) Qualify(name string) string {
	if rest, ok := strings.CutPrefix(name, "str."); ok {
		return "strings." + rest
	}
	return name
}

func (f *fakeDispatcher) Stdout() io.Writer { return &f.out }

func (f *fakeDispatcher) Ambient(bag string) map[string]any {
	return f.FilterAmbient(bag, f.env)
}

func TestCallbackBehavesLikeString(t *testing.T) {
	t.Parallel()

	cb := Wrap(newFake(), "strings.ToUpper").(*Callback)
	if got := fmt.Sprintf("%s|%q|%v|%10s", cb, cb, cb, cb); got != `strings.ToUpper|"strings.ToUpper"|strings.ToUpper|strings.ToUpper` {
		t.Fatalf("unexpected formatting %q", got)
	}
	data, err := json.Marshal(map[string]any{"f": cb})
	if err != nil || string(data) != `{"f":"strings.ToUpper"}` {
		t.Fatalf("unexpected json %s, %v", data, err)
	}
	if Unwrap(cb) != "strings.ToUpper" || Wrap(nil, 3) != 3 {
		t.Fatalf("wrap/unwrap mismatch")
	}
}

func TestInvokeResolution(t *testing.T) {
	t.Parallel()

	d := newFake()
	if err := d.Define(policy.Function, "greet", func(name string) string { return "hi " + name }); err != nil {
		t.Fatalf("define: %v", err)
	}
	if err := d.Whitelist(policy.Function, "greet", "strings.ToUpper", "strings.Repeat", "fmt.Sprintf"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}

	cases := []struct {
		name string
		args []any
		want any
	}{
		{"greet", []any{Wrap(d, "bob")}, "hi bob"},
		{"strings.ToUpper", []any{Wrap(d, "abc")}, "ABC"},
		{"str.Repeat", []any{"ab", 2}, "abab"},
		{"fmt.Sprintf", []any{"%v-%v", Wrap(d, "a"), d}, "a-%!v(MISSING)"},
	}
	for _, tc := range cases {
		got, err := Invoke(d, tc.name, tc.args)
		if err != nil {
			t.Fatalf("Invoke(%s): %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("Invoke(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestInvokeEscapeResistance(t *testing.T) {
	t.Parallel()

	d := newFake()
	if err := d.Whitelist(policy.Function, "strings.ToUpper"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	cb := Wrap(d, "strings.ToUpper").(*Callback)
	mutated := Wrap(d, cb.String()[:8]+"Repeat").(*Callback)

	_, err := mutated.Call("a", 3)
	if !errors.Is(err, policy.ErrWhitelistViolation) {
		t.Fatalf("expected whitelist violation, got %v", err)
	}
	if _, err := Invoke(d, "os.Exit", []any{1}); !errors.Is(err, policy.ErrPolicy) {
		t.Fatalf("expected policy error for os.Exit, got %v", err)
	}
}

func TestInvokeUnbound(t *testing.T) {
	t.Parallel()

	d := newFake()
	if err := d.Define(policy.Function, "later", nil); err != nil {
		t.Fatalf("define: %v", err)
	}
	if _, err := Invoke(d, "later", nil); !errors.Is(err, ErrUnbound) {
		t.Fatalf("expected unbound error, got %v", err)
	}
	_ = d.Options().Set(policy.AllowFlag(policy.Function), true)
	if _, err := Invoke(d, "nothing.Here", nil); !errors.Is(err, ErrNotCallable) {
		t.Fatalf("expected not callable, got %v", err)
	}
}

func TestApplyErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	got, err := Apply(func(n int) (int, error) {
		if n < 0 {
			return 0, boom
		}
		return n * 2, nil
	}, []any{int64(4)})
	if err != nil || got != 8 {
		t.Fatalf("unexpected result %v, %v", got, err)
	}
	if _, err := Apply(func(n int) (int, error) { return 0, boom }, []any{1}); !errors.Is(err, boom) {
		t.Fatalf("expected callee error, got %v", err)
	}
	if _, err := Apply(func(n int) {}, []any{"x"}); err == nil {
		t.Fatalf("expected type mismatch")
	}
	if _, err := Apply(func(n ...int) int { return len(n) }, []any{1, 2, 3}); err != nil {
		t.Fatalf("variadic call failed: %v", err)
	}
	if _, err := Apply("nope", nil); !errors.Is(err, ErrNotCallable) {
		t.Fatalf("expected not callable, got %v", err)
	}
}

func TestFilteredEnvironment(t *testing.T) {
	t.Parallel()

	d := newFake()
	if err := d.BlacklistAmbientKeys(EnvBag, "SECRET"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if Getenv(d, "SECRET") != "" {
		t.Fatalf("secret leaked through Getenv")
	}
	if v, ok := LookupEnv(d, "HOME"); !ok || v != "/home/guest" {
		t.Fatalf("unexpected HOME %q %v", v, ok)
	}
	if env := Environ(d); len(env) != 1 || env[0] != "HOME=/home/guest" {
		t.Fatalf("unexpected environ %v", env)
	}
	if _, err := Println(d, "a", Wrap(d, "b"), d); err != nil || d.out.String() != "a b\n" {
		t.Fatalf("unexpected output %q, %v", d.out.String(), err)
	}
}

func TestHostName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in          string
		want        string
		interpreted bool
	}{
		{"strings.ToUpper", "strings.ToUpper", false},
		{"encoding/json.Marshal", "encoding/json.Marshal", false},
		{"bytes.(*Buffer).WriteString-fm", "bytes.(*Buffer).WriteString", false},
		{"github.com/x/y.Outer.func1", "github.com/x/y.Outer", false},
		{"reflect.makeFuncStub", "reflect.makeFuncStub", true},
	}
	for _, tc := range cases {
		got, interpreted := HostName(tc.in)
		if got != tc.want || interpreted != tc.interpreted {
			t.Errorf("HostName(%q) = %q, %v", tc.in, got, interpreted)
		}
	}
}

func TestCheckFunc(t *testing.T) {
	t.Parallel()

	d := newFake()
	if err := CheckFunc(d, strings.ToLower); !errors.Is(err, policy.ErrPolicy) {
		t.Fatalf("expected host function to be checked, got %v", err)
	}
	if err := d.Whitelist(policy.Function, "strings.ToLower"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if err := CheckFunc(d, strings.ToLower); err != nil {
		t.Fatalf("whitelisted host function denied: %v", err)
	}
	if err := CheckFunc(d, 3); !errors.Is(err, ErrNotCallable) {
		t.Fatalf("expected not callable, got %v", err)
	}
}

func TestHaltingGate(t *testing.T) {
	t.Parallel()

	d := newFake()
	if err := d.Options().Set(policy.AllowFlag(policy.Function), true); err != nil {
		t.Fatalf("allow functions: %v", err)
	}
	for _, name := range []string{"os.Exit", "runtime.Goexit", "log.Fatalf"} {
		if _, err := Invoke(d, name, []any{1}); !errors.Is(err, policy.ErrPolicy) {
			t.Fatalf("Invoke(%s) = %v, want policy error", name, err)
		}
	}
	if err := CheckFunc(d, os.Exit); !errors.Is(err, policy.ErrPolicy) {
		t.Fatalf("expected os.Exit value to be gated, got %v", err)
	}

	if err := d.Options().Set(policy.AllowHalting, true); err != nil {
		t.Fatalf("allow halting: %v", err)
	}
	if err := CheckFunc(d, os.Exit); err != nil {
		t.Fatalf("halting allowed but os.Exit denied: %v", err)
	}
}
