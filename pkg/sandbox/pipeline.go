package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"reflect"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/sameehj/gosandbox/internal/source"
	"github.com/sameehj/gosandbox/internal/symbols"
	"github.com/sameehj/gosandbox/internal/transform"
	"github.com/sameehj/gosandbox/pkg/policy"
)

const (
	defaultScriptName = "guest.go"
	maxIncludeDepth   = 64
)

// Prepare parses, validates and assembles src. An empty src prepares the code
// loaded from an interchange document.
func (s *Sandbox) Prepare(ctx context.Context, src string) error {
	if src == "" {
		src = s.code
	}
	return s.prepareNamed(ctx, defaultScriptName, src)
}

// PrepareFile prepares the script at path. Positions in errors name the file.
func (s *Sandbox) PrepareFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	return s.prepareNamed(ctx, path, string(data))
}

func (s *Sandbox) prepareNamed(ctx context.Context, name, src string) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.prepareTime = elapsed(start) }()

	s.prepared = false
	s.store.ResetProgram()
	program, err := s.compile(name, src, false)
	if err != nil {
		s.logDebug("prepare_failed", "script", name, "error", err)
		return err
	}
	s.assembled = program
	s.prepared = true
	s.logDebug("prepared", "script", name, "bytes", len(program))
	return nil
}

// Execute prepares src and runs it. An empty src runs the already prepared
// program, or prepares the loaded code first when nothing is prepared.
func (s *Sandbox) Execute(ctx context.Context, src string) (any, error) {
	if s.closed {
		return nil, ErrClosed
	}
	switch {
	case src != "":
		if err := s.Prepare(ctx, src); err != nil {
			return nil, err
		}
	case !s.prepared && s.code != "":
		if err := s.Prepare(ctx, ""); err != nil {
			return nil, err
		}
	case !s.prepared:
		return nil, ErrNotPrepared
	}
	return s.execute(ctx)
}

// ExecuteFile prepares and runs the script at path.
func (s *Sandbox) ExecuteFile(ctx context.Context, path string) (any, error) {
	if err := s.PrepareFile(ctx, path); err != nil {
		return nil, err
	}
	return s.execute(ctx)
}

// PrepareTime is how long the last Prepare took. It is never zero after a Prepare.
func (s *Sandbox) PrepareTime() time.Duration { return s.prepareTime }

// ExecuteTime is how long the last execution took. It is never zero after an Execute.
func (s *Sandbox) ExecuteTime() time.Duration { return s.executeTime }

// Prepared reports whether a program is ready to run.
func (s *Sandbox) Prepared() bool { return s.prepared }

// Assembled returns the full program text handed to the interpreter.
func (s *Sandbox) Assembled() string { return s.assembled }

// Rewritten returns the guest declarations and statements after rewriting.
func (s *Sandbox) Rewritten() string { return s.rewritten }

// Output returns the output captured by the last execution.
func (s *Sandbox) Output() string {
	if s.output == nil {
		return ""
	}
	return s.output.String()
}

func elapsed(start time.Time) time.Duration {
	if d := time.Since(start); d > 0 {
		return d
	}
	return time.Nanosecond
}

func (s *Sandbox) register() {
	if s.registered {
		return
	}
	processRegistry.register(s)
	s.registered = true
}

// onDeny records a denial and lets the validation handler decide its fate.
func (s *Sandbox) onDeny(perr *policy.Error) error {
	s.lastValidation = perr
	s.logWarn("policy_denied", "category", perr.Category.String(), "name", perr.Name, "pos", perr.Pos.String())
	if s.validationHandler != nil {
		return s.validationHandler(perr, s)
	}
	return perr
}

// compile turns guest text into an assembled program. Trusted text skips every
// check but is rewritten the same way.
func (s *Sandbox) compile(name, text string, trusted bool) (string, error) {
	s.register()
	prog, err := source.Parse(s.fset, name, text)
	if err != nil {
		return "", err
	}
	if !trusted {
		if err := transform.WhitelistGuest(s.store, prog); err != nil {
			return "", err
		}
	}

	// Trusted units share the guest's file scope, so their imports are visible to
	// the guest and must be checked as if the guest had declared them.
	var pre, post []*transform.Result
	outer := map[string]string{}
	if s.depth == 0 {
		if pre, err = s.validateTrusted(s.prepended); err != nil {
			return "", err
		}
		if post, err = s.validateTrusted(s.appended); err != nil {
			return "", err
		}
		for _, res := range append(append([]*transform.Result{}, pre...), post...) {
			for alias, path := range res.ImportMap() {
				outer[alias] = path
			}
		}
	}

	guest, err := s.validate(prog, trusted, outer)
	if err != nil {
		return "", err
	}
	s.program = prog
	s.rewritten, err = s.render(guest)
	if err != nil {
		return "", err
	}
	return s.assemble(pre, guest, post)
}

func (s *Sandbox) validate(prog *source.Program, trusted bool, outer map[string]string) (*transform.Result, error) {
	return transform.Validate(transform.Config{
		Store:   s.store,
		Fset:    s.fset,
		Token:   s.token,
		Trusted: trusted,
		Imports: outer,
		OnDeny:  s.onDeny,
	}, prog)
}

func (s *Sandbox) validateTrusted(list []trusted) ([]*transform.Result, error) {
	out := make([]*transform.Result, 0, len(list))
	for _, t := range list {
		prog, err := source.Parse(s.fset, t.name, t.text)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		res, err := s.validate(prog, true, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Sandbox) render(res *transform.Result) (string, error) {
	var b strings.Builder
	for _, d := range res.Decls {
		text, err := source.Render(s.fset, d)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	for _, st := range res.Body {
		text, err := source.Render(s.fset, st)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

type importEntry struct {
	alias string
	path  string
}

func mergeImports(results ...*transform.Result) ([]importEntry, error) {
	byAlias := map[string]string{transform.BridgeAlias: transform.BridgePath}
	blank := map[string]bool{}
	var out []importEntry
	for _, res := range results {
		for _, spec := range res.Imports {
			path, err := strconv.Unquote(spec.Path.Value)
			if err != nil {
				return nil, fmt.Errorf("import %s: %w", spec.Path.Value, err)
			}
			alias := symbols.DefaultName(path)
			if spec.Name != nil {
				alias = spec.Name.Name
			}
			if alias == "_" {
				if !blank[path] {
					blank[path] = true
					out = append(out, importEntry{alias, path})
				}
				continue
			}
			if prev, ok := byAlias[alias]; ok {
				if prev != path {
					return nil, fmt.Errorf("import %q as %s conflicts with %q", path, alias, prev)
				}
				continue
			}
			byAlias[alias] = path
			out = append(out, importEntry{alias, path})
		}
	}
	return out, nil
}

// assemble lays out the program: imports, host constants and globals, trusted and
// guest declarations, helpers, then the entry function holding every statement.
func (s *Sandbox) assemble(pre []*transform.Result, guest *transform.Result, post []*transform.Result) (string, error) {
	all := append(append(append([]*transform.Result{}, pre...), guest), post...)
	imports, err := mergeImports(all...)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "package %s\n\nimport (\n\t%s %q\n", source.PackageName, transform.BridgeAlias, transform.BridgePath)
	for _, imp := range imports {
		fmt.Fprintf(&b, "\t%s %q\n", imp.alias, imp.path)
	}
	fmt.Fprintf(&b, ")\n\nvar _ = %s.Call\n", transform.BridgeAlias)
	for _, imp := range imports {
		if imp.alias == "_" {
			continue
		}
		if name, ok := symbols.Anchor(imp.path); ok {
			fmt.Fprintf(&b, "var _ = %s.%s\n", imp.alias, name)
		}
	}
	b.WriteString("\n")

	for _, def := range s.hostValues(policy.Constant) {
		if lit, ok := transform.Literal(def.Value); ok {
			text, err := source.Render(s.fset, lit)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "const %s = %s\n", def.Name, text)
			continue
		}
		fmt.Fprintf(&b, "var %s = %s\n", def.Name, s.hostLookup("Constant", def))
	}
	for _, def := range s.hostValues(policy.Global) {
		fmt.Fprintf(&b, "var %s = %s\n", def.Name, s.hostLookup("Global", def))
	}

	needsCallable := false
	for _, res := range all {
		needsCallable = needsCallable || res.NeedsCallable
		for _, d := range res.Decls {
			text, err := source.Positioned(s.fset, d)
			if err != nil {
				return "", err
			}
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	if needsCallable {
		b.WriteString(transform.HelperSource(s.token))
	}

	fmt.Fprintf(&b, "\nfunc %s() any {\n", source.EntryName)
	if s.store.Options().Enabled(policy.AutoDefineVars) {
		for _, def := range s.hostValues(policy.Variable) {
			fmt.Fprintf(&b, "%s := %s\n_ = %s\n", def.Name, s.hostLookup("Variable", def), def.Name)
		}
	}
	for _, res := range all {
		for _, st := range res.Body {
			text, err := source.Positioned(s.fset, st)
			if err != nil {
				return "", err
			}
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	b.WriteString("return nil\n}\n")
	return b.String(), nil
}

// hostValues returns the definitions of c that can be spelled as Go identifiers.
func (s *Sandbox) hostValues(c policy.Category) []policy.Definition {
	var out []policy.Definition
	for _, def := range s.store.Definitions(c) {
		if !token.IsIdentifier(def.Name) || transform.Reserved(def.Name) {
			s.logWarn("definition_skipped", "category", c.String(), "name", def.Name)
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// hostLookup spells a bridge read of def, asserted to its dynamic type when that
// type can be written without imports.
func (s *Sandbox) hostLookup(fn string, def policy.Definition) string {
	call := fmt.Sprintf("%s.%s(%q, %q)", transform.BridgeAlias, fn, s.token, def.Name)
	if def.Value == nil {
		return call
	}
	t, ok := transform.TypeExpr(reflect.TypeOf(def.Value))
	if !ok {
		return call
	}
	if id, isIdent := t.(*ast.Ident); isIdent && id.Name == "any" {
		return call
	}
	text, err := source.Render(s.fset, t)
	if err != nil {
		return call
	}
	return call + ".(" + text + ")"
}

// execute runs the prepared program with output capture, level narrowing and
// handler routing applied.
func (s *Sandbox) execute(ctx context.Context) (any, error) {
	start := time.Now()
	defer func() { s.executeTime = elapsed(start) }()

	opts := s.store.Options()
	s.includeCache = make(map[string]bool)
	prevOut := s.currentOut
	defer func() { s.currentOut = prevOut }()
	s.output = nil
	if opts.Enabled(policy.CaptureOutput) {
		s.output = &limitedBuffer{limit: opts.MaxOutput()}
		s.currentOut = s.output
	}
	if level, ok := opts.ErrorLevel(); ok {
		prev := s.level.Level()
		s.level.Set(level)
		if opts.Enabled(policy.RestoreErrorLevel) {
			defer s.level.Set(prev)
		}
	}

	s.logDebug("execute_start", "script", s.scriptName())
	result, err := s.evaluate(ctx, s.assembled)
	if s.output != nil {
		if s.output.Truncated() {
			s.logWarn("output_truncated", "limit", opts.MaxOutput())
		}
		result = s.output.String()
	}
	if err != nil {
		err = s.handle(err)
		s.logDebug("execute_failed", "script", s.scriptName(), "error", err)
		return nil, err
	}
	s.logDebug("execute_done", "script", s.scriptName())
	return result, nil
}

func (s *Sandbox) scriptName() string {
	if s.program == nil {
		return ""
	}
	return s.program.Name
}

// evaluate runs program in a fresh interpreter.
func (s *Sandbox) evaluate(ctx context.Context, program string) (any, error) {
	i := interp.New(interp.Options{
		Stdout: s.currentOut,
		Stderr: s.stderr,
		Env:    s.environ(),
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(s.bridgeExports(ctx)); err != nil {
		return nil, fmt.Errorf("load bridge symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, program); err != nil {
		return nil, unwrapPanic(err)
	}
	v, err := i.EvalWithContext(ctx, source.PackageName+"."+source.EntryName)
	if err != nil {
		return nil, unwrapPanic(err)
	}
	entry, ok := v.Interface().(func() any)
	if !ok {
		return nil, fmt.Errorf("sandbox: entry has type %s", v.Type())
	}
	return invoke(ctx, entry)
}

// invoke calls entry with a deferred recover acting as the fault handler.
func invoke(ctx context.Context, entry func() any) (any, error) {
	type outcome struct {
		value any
		fault *Fault
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		// A guest runtime.Goexit unwinds through here with nothing to recover and
		// no value; it halts the program with a nil result.
		defer func() {
			if r := recover(); r != nil {
				o = outcome{fault: &Fault{Value: r, Stack: debug.Stack()}}
			}
			done <- o
		}()
		o.value = entry()
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		if o.fault != nil {
			return nil, o.fault
		}
		return o.value, nil
	}
}

// unwrapPanic turns a panic the interpreter recovered during evaluation into a Fault.
func unwrapPanic(err error) error {
	var p interp.Panic
	if errors.As(err, &p) {
		return &Fault{Value: p.Value, Stack: p.Stack}
	}
	return err
}

// handle routes an execution error through the error and exception handlers. A
// fault the error handler passed on reaches the exception handler only with
// convert_errors set; a fault with no error handler always does.
func (s *Sandbox) handle(err error) error {
	var fault *Fault
	if errors.As(err, &fault) {
		if perr, ok := fault.Value.(*policy.Error); ok {
			return s.raise(perr)
		}
		s.lastFault = fault
		if s.errorHandler != nil {
			if err = s.errorHandler(fault, s); err == nil {
				return nil
			}
			if !s.store.Options().Enabled(policy.ConvertErrors) {
				return err
			}
		}
	}
	return s.raise(err)
}

func (s *Sandbox) raise(err error) error {
	s.lastException = err
	if s.exceptionHandler != nil {
		return s.exceptionHandler(err, s)
	}
	return err
}
