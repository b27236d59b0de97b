package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sameehj/gosandbox/pkg/guard"
	"github.com/sameehj/gosandbox/pkg/policy"
)

func newSandbox(t *testing.T, opts ...Option) *Sandbox {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSet(t *testing.T, s *Sandbox, name string, value any) {
	t.Helper()
	if err := s.SetOption(name, value); err != nil {
		t.Fatalf("set %s: %v", name, err)
	}
}

func mustDefine(t *testing.T, s *Sandbox, c policy.Category, name string, value any) {
	t.Helper()
	if err := s.Define(c, name, value); err != nil {
		t.Fatalf("define %s %s: %v", c, name, err)
	}
}

func mustWhitelist(t *testing.T, s *Sandbox, c policy.Category, names ...string) {
	t.Helper()
	if err := s.Whitelist(c, names...); err != nil {
		t.Fatalf("whitelist %s: %v", c, err)
	}
}

func TestExecuteDefaultConfig(t *testing.T) {
	s := newSandbox(t)
	got, err := s.Execute(context.Background(), "return 1 + 2")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3, got %v (%T)", got, got)
	}
	if s.PrepareTime() <= 0 || s.ExecuteTime() <= 0 {
		t.Fatalf("expected nonzero timings, got %s and %s", s.PrepareTime(), s.ExecuteTime())
	}
}

func TestPrepareRejectsEscape(t *testing.T) {
	s := newSandbox(t)
	err := s.Prepare(context.Background(), "import \"unsafe\"\nreturn unsafe.Sizeof(1)")
	if !errors.Is(err, policy.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if s.Prepared() {
		t.Fatal("rejected program must not be prepared")
	}
	if _, err := s.Execute(context.Background(), ""); !errors.Is(err, ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared, got %v", err)
	}
}

func TestParseError(t *testing.T) {
	s := newSandbox(t)
	err := s.Prepare(context.Background(), "return (")
	var perr *ParseError
	if !errors.As(err, &perr) || !errors.Is(err, ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestUnbalancedScriptRejected(t *testing.T) {
	s := newSandbox(t)
	for _, text := range []string{"}; func f() {", "}\nreturn 1\n{"} {
		if err := s.Prepare(context.Background(), text); !errors.Is(err, ErrParse) {
			t.Fatalf("%q: expected parse error, got %v", text, err)
		}
	}
}

func TestDefinedFunction(t *testing.T) {
	s := newSandbox(t)
	mustDefine(t, s, policy.Function, "greet", func() string { return "hi" })

	got, err := s.Execute(context.Background(), "return greet()")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "hi" {
		t.Fatalf("expected hi, got %v", got)
	}

	_, err = s.Execute(context.Background(), "return other()")
	var perr *policy.Error
	if !errors.As(err, &perr) || !errors.Is(err, policy.ErrValidationViolation) {
		t.Fatalf("expected validation violation, got %v", err)
	}
	if perr.Category != policy.Function || perr.Name != "other" {
		t.Fatalf("unexpected denial %s %q", perr.Category, perr.Name)
	}
	if last := s.LastValidationError(); last == nil || last.Name != "other" {
		t.Fatalf("last validation error = %v", last)
	}
}

func TestTypeDefinition(t *testing.T) {
	s := newSandbox(t)
	mustSet(t, s, string(policy.AllowFlag(policy.Class)), true)
	mustSet(t, s, string(policy.AllowFlag(policy.Function)), true)
	mustSet(t, s, string(policy.AllowObjects), true)
	mustDefine(t, s, policy.Type, "A", "B")

	text := `type B struct{ value string }
func get(a A) string { return a.value }
b := B{value: "yes"}
return get(b)`
	got, err := s.Execute(context.Background(), text)
	if err != nil {
		t.Fatalf("execute: %v\n%s", err, s.Assembled())
	}
	if got != "yes" {
		t.Fatalf("expected yes, got %v", got)
	}
}

func TestFunctionValidator(t *testing.T) {
	s := newSandbox(t)
	mustDefine(t, s, policy.Function, "test", func() string { return "ok" })
	mustDefine(t, s, policy.Function, "nope", func() string { return "no" })
	s.SetValidator(policy.Function, func(name string, _ *Sandbox) bool { return name == "test" })

	got, err := s.Execute(context.Background(), "return test()")
	if err != nil || got != "ok" {
		t.Fatalf("expected ok, got %v, %v", got, err)
	}
	_, err = s.Execute(context.Background(), "return nope()")
	var perr *policy.Error
	if !errors.As(err, &perr) || perr.Category != policy.Function || !errors.Is(err, policy.ErrValidationViolation) {
		t.Fatalf("expected function validation violation, got %v", err)
	}
}

func TestFailFast(t *testing.T) {
	s := newSandbox(t)
	hits := 0
	mustDefine(t, s, policy.Function, "mark", func() { hits++ })

	if _, err := s.Execute(context.Background(), "mark()\nreturn other()"); !errors.Is(err, policy.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("denied program ran %d statements", hits)
	}
}

func TestRegistryIsolation(t *testing.T) {
	a := newSandbox(t)
	b := newSandbox(t)
	mustWhitelist(t, a, policy.Function, "strings.ToUpper")

	if a.Token() == b.Token() {
		t.Fatal("tokens must differ")
	}
	if !a.Store().Allowed(policy.Function, "strings.ToUpper") || b.Store().Allowed(policy.Function, "strings.ToUpper") {
		t.Fatal("stores disagree incorrectly")
	}

	if err := a.Prepare(context.Background(), "return 1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := b.Prepare(context.Background(), "return 1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got, ok := Lookup(a.Token()); !ok || got != a {
		t.Fatal("lookup did not return the owning sandbox")
	}

	// a call site compiled for b cannot run inside a's program
	br := &bridge{owner: a, ctx: context.Background()}
	func() {
		defer func() {
			err, _ := recover().(error)
			if !errors.Is(err, ErrToken) {
				t.Fatalf("expected ErrToken panic, got %v", err)
			}
		}()
		br.call(b.Token(), "strings.ToUpper", "x")
	}()

	_ = a.Close()
	if _, ok := Lookup(a.Token()); ok {
		t.Fatal("closed sandbox still registered")
	}
	if _, err := a.Execute(context.Background(), "return 1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCallbackEscapeResistance(t *testing.T) {
	s := newSandbox(t)
	mustDefine(t, s, policy.Function, "apply", func(cb any) (any, error) {
		c, ok := cb.(*guard.Callback)
		if !ok {
			return nil, errors.New("not a callback")
		}
		return c.Call("x")
	})

	text := "name := \"strings.To\" + \"Upper\"\nreturn apply(name)"
	_, err := s.Execute(context.Background(), text)
	if !errors.Is(err, policy.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if s.LastException() == nil {
		t.Fatal("exception not recorded")
	}

	mustWhitelist(t, s, policy.Function, "strings.ToUpper")
	got, err := s.Execute(context.Background(), text)
	if err != nil || got != "X" {
		t.Fatalf("expected X, got %v, %v", got, err)
	}
}

func TestCaptureOutput(t *testing.T) {
	s := newSandbox(t)
	mustSet(t, s, "capture_output", true)
	mustSet(t, s, "max_output", 5)
	mustWhitelist(t, s, policy.Alias, "fmt")
	mustWhitelist(t, s, policy.Function, "fmt.Println")

	got, err := s.Execute(context.Background(), "import \"fmt\"\nfmt.Println(\"hello world\")")
	if err != nil {
		t.Fatalf("execute: %v\n%s", err, s.Assembled())
	}
	if got != "hello" || s.Output() != "hello" {
		t.Fatalf("expected truncated output, got %q", got)
	}
}

func TestFilteredEnvironment(t *testing.T) {
	s := newSandbox(t, WithEnv(map[string]string{"GREETING": "hi", "SECRET": "x"}))
	mustWhitelist(t, s, policy.Alias, "os")
	mustWhitelist(t, s, policy.Function, "os.Getenv")

	text := "import \"os\"\nreturn os.Getenv(\"GREETING\") + os.Getenv(\"SECRET\")"
	if err := s.Store().BlacklistAmbientKeys("_ENV", "SECRET"); err != nil {
		t.Fatalf("blacklist key: %v", err)
	}
	got, err := s.Execute(context.Background(), text)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "hi" {
		t.Fatalf("expected filtered environment, got %q", got)
	}
}

func TestNameIndependentOfToken(t *testing.T) {
	s := newSandbox(t)
	mustWhitelist(t, s, policy.Ambient, "_SERVER")

	got, err := s.Execute(context.Background(), "return _SERVER[\"SANDBOX_NAME\"]")
	if err != nil {
		t.Fatalf("execute: %v\n%s", err, s.Assembled())
	}
	name, _ := got.(string)
	if name == "" || name != s.Name() {
		t.Fatalf("guest saw name %v, sandbox name %q", got, s.Name())
	}
	if strings.Contains(s.Token(), strings.TrimPrefix(name, "sandbox-")) {
		t.Fatalf("name %q reveals part of the token", name)
	}
}

func TestPrependedCode(t *testing.T) {
	s := newSandbox(t)
	if err := s.Prepend("base := 40"); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	got, err := s.Execute(context.Background(), "return base + 2")
	if err != nil {
		t.Fatalf("execute: %v\n%s", err, s.Assembled())
	}
	if got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}

func TestTrustedImportsStayChecked(t *testing.T) {
	s := newSandbox(t)
	if err := s.Prepend("import \"os\"\n_ = os.Getenv(\"HOME\")"); err != nil {
		t.Fatalf("prepend: %v", err)
	}
	for _, text := range []string{"return os.Getpid()", "os.Exit(3)"} {
		err := s.Prepare(context.Background(), text)
		var perr *policy.Error
		if !errors.As(err, &perr) || perr.Category != policy.Function {
			t.Fatalf("%q: expected a function denial, got %v", text, err)
		}
	}
}

func TestHostValues(t *testing.T) {
	s := newSandbox(t)
	mustDefine(t, s, policy.Constant, "Limit", 10)
	mustDefine(t, s, policy.Variable, "greeting", "hello")

	got, err := s.Execute(context.Background(), "return greeting + \" \" + \"x\"")
	if err != nil {
		t.Fatalf("execute: %v\n%s", err, s.Assembled())
	}
	if got != "hello x" {
		t.Fatalf("expected hello x, got %v", got)
	}
	if !strings.Contains(s.Assembled(), "const Limit = 10") {
		t.Fatalf("constant not assembled:\n%s", s.Assembled())
	}
}

func TestIncludeOnce(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lib.go"), []byte("hit()\n"), 0o644); err != nil {
		t.Fatalf("write lib: %v", err)
	}
	s := newSandbox(t, WithIncludeDir(dir))
	mustSet(t, s, "allow_includes", true)
	hits := 0
	mustDefine(t, s, policy.Function, "hit", func() { hits++ })
	mustDefine(t, s, policy.Function, "count", func() int { return hits })

	text := "include_once(\"lib.go\")\ninclude_once(\"lib.go\")\ninclude(\"missing.go\")\nreturn count()"
	got, err := s.Execute(context.Background(), text)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected one include, got %v", got)
	}

	_, err = s.Execute(context.Background(), "require(\"missing.go\")")
	if !errors.Is(err, ErrRuntimeFault) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing require to fault, got %v", err)
	}
}

func TestIncludesDisabledByDefault(t *testing.T) {
	s := newSandbox(t)
	if err := s.Prepare(context.Background(), "include(\"lib.go\")"); !errors.Is(err, policy.ErrPolicy) {
		t.Fatalf("expected includes to be denied, got %v", err)
	}
}

func TestHandlers(t *testing.T) {
	s := newSandbox(t)
	mustWhitelist(t, s, policy.Function, "panic")

	_, err := s.Execute(context.Background(), "panic(\"boom\")")
	if !errors.Is(err, ErrRuntimeFault) {
		t.Fatalf("expected runtime fault, got %v", err)
	}
	if s.LastFault() == nil {
		t.Fatal("fault not recorded")
	}

	var seen *Fault
	s.SetErrorHandler(func(f *Fault, _ *Sandbox) error {
		seen = f
		return nil
	})
	got, err := s.Execute(context.Background(), "panic(\"boom\")")
	if err != nil || got != nil {
		t.Fatalf("expected swallowed fault, got %v, %v", got, err)
	}
	if seen == nil {
		t.Fatal("error handler not called")
	}

	translated := errors.New("translated")
	s.SetErrorHandler(nil)
	mustSet(t, s, "convert_errors", true)
	s.SetExceptionHandler(func(err error, _ *Sandbox) error { return translated })
	if _, err := s.Execute(context.Background(), "panic(\"boom\")"); !errors.Is(err, translated) {
		t.Fatalf("expected translated error, got %v", err)
	}
	if !errors.Is(s.LastException(), ErrRuntimeFault) {
		t.Fatalf("last exception = %v", s.LastException())
	}
}

func TestExceptionHandlerReceivesFaults(t *testing.T) {
	s := newSandbox(t)
	mustWhitelist(t, s, policy.Function, "panic")

	var caught error
	s.SetExceptionHandler(func(err error, _ *Sandbox) error {
		caught = err
		return nil
	})
	got, err := s.Execute(context.Background(), "panic(\"boom\")")
	if err != nil || got != nil {
		t.Fatalf("expected the exception handler to swallow the fault, got %v, %v", got, err)
	}
	if !errors.Is(caught, ErrRuntimeFault) || !errors.Is(s.LastException(), ErrRuntimeFault) {
		t.Fatalf("exception handler saw %v, last exception %v", caught, s.LastException())
	}

	// without convert_errors an error handler's result is final
	caught = nil
	passed := errors.New("passed on")
	s.SetErrorHandler(func(*Fault, *Sandbox) error { return passed })
	if _, err := s.Execute(context.Background(), "panic(\"boom\")"); !errors.Is(err, passed) {
		t.Fatalf("expected the error handler's error, got %v", err)
	}
	if caught != nil {
		t.Fatalf("exception handler called with %v", caught)
	}

	mustSet(t, s, "convert_errors", true)
	if _, err := s.Execute(context.Background(), "panic(\"boom\")"); err != nil {
		t.Fatalf("expected converted error to be swallowed, got %v", err)
	}
	if !errors.Is(caught, passed) {
		t.Fatalf("exception handler saw %v", caught)
	}
}

func TestValidationErrorHandler(t *testing.T) {
	s := newSandbox(t)
	var denied []string
	s.SetValidationErrorHandler(func(err *policy.Error, _ *Sandbox) error {
		denied = append(denied, err.Name)
		return nil
	})
	if err := s.Prepare(context.Background(), "x := 1\n_ = x\nfirst()\nsecond()"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(denied) != 2 || denied[0] != "first" || denied[1] != "second" {
		t.Fatalf("expected both denials, got %v", denied)
	}
	if s.LastValidationError().Name != "second" {
		t.Fatalf("last validation error = %v", s.LastValidationError())
	}
}

func TestLevelRestored(t *testing.T) {
	s := newSandbox(t)
	mustSet(t, s, "error_level", "ERROR")
	before := s.Level().Level()
	if _, err := s.Execute(context.Background(), "return 1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.Level().Level() != before {
		t.Fatalf("level not restored: %s", s.Level().Level())
	}

	mustSet(t, s, "restore_error_level", false)
	if _, err := s.Execute(context.Background(), "return 1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.Level().Level().String() != "ERROR" {
		t.Fatalf("level not narrowed: %s", s.Level().Level())
	}
}

func TestGoexitHaltsProgram(t *testing.T) {
	s := newSandbox(t)
	mustSet(t, s, "allow_halting", true)
	mustWhitelist(t, s, policy.Alias, "runtime")
	mustWhitelist(t, s, policy.Function, "runtime.Goexit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := s.Execute(ctx, "import \"runtime\"\nruntime.Goexit()\nreturn 1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != nil {
		t.Fatalf("expected a halted program to return nil, got %v", got)
	}
}

func TestCancelledContext(t *testing.T) {
	s := newSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Execute(ctx, "return 1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
