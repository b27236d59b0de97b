// Package transform validates guest syntax trees against a policy store and
// rewrites them so that host access is mediated at run time.
package transform

import (
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ast/astutil"

	"github.com/sameehj/gosandbox/internal/source"
	"github.com/sameehj/gosandbox/internal/symbols"
	"github.com/sameehj/gosandbox/pkg/guard"
	"github.com/sameehj/gosandbox/pkg/policy"
)

// DenyFunc receives every denial. Returning nil swallows it and the walk goes on.
type DenyFunc func(*policy.Error) error

// Config drives one validation run.
type Config struct {
	Store *policy.Store
	Fset  *token.FileSet
	// Token is embedded into rewritten call sites.
	Token string
	// Trusted skips every check but still applies the rewrites.
	Trusted bool
	// Imports are aliases declared by other units of the same assembled file.
	// Selectors on them are qualified and checked like the program's own imports.
	Imports map[string]string
	OnDeny  DenyFunc
}

// Result is a validated and rewritten program.
type Result struct {
	Imports []*ast.ImportSpec
	Decls   []ast.Decl
	Body    []ast.Stmt
	// NeedsCallable is set when the program calls a computed function value.
	NeedsCallable bool
}

// ImportMap returns the alias to path map of the hoisted imports, blank imports excluded.
func (r *Result) ImportMap() map[string]string {
	out := make(map[string]string, len(r.Imports))
	for _, spec := range r.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		alias := symbols.DefaultName(path)
		if spec.Name != nil {
			alias = spec.Name.Name
		}
		if alias != "_" {
			out[alias] = path
		}
	}
	return out
}

var shellImports = map[string]bool{
	"os/exec":               true,
	"syscall":               true,
	"golang.org/x/sys/unix": true,
	"plugin":                true,
}

var escapeImports = map[string]bool{"C": true, "unsafe": true}

// introspectiveBridge maps normalized qualified names to their bridge equivalents.
var introspectiveBridge = map[string]string{
	"fmt.print":    "Print",
	"fmt.printf":   "Printf",
	"fmt.println":  "Println",
	"fmt.sprint":   "Sprint",
	"fmt.sprintf":  "Sprintf",
	"fmt.sprintln": "Sprintln",
	"os.getenv":    "Getenv",
	"os.lookupenv": "LookupEnv",
	"os.environ":   "Environ",
}

var includeFamily = map[string]struct{ once, required bool }{
	"include":      {false, false},
	"include_once": {true, false},
	"require":      {false, true},
	"require_once": {true, true},
}

var pseudoConstants = map[string]bool{
	"line": true, "file": true, "dir": true, "function": true,
	"method": true, "class": true, "namespace": true,
}

var defaultAmbient = []string{guard.EnvBag, "_SERVER"}

type walker struct {
	cfg     Config
	store   *policy.Store
	opts    *policy.Options
	prog    *source.Program
	imports map[string]string
	ix      *index
	tok     *ast.BasicLit

	// renamed remembers the spelling of type identifiers before a definition renamed them.
	renamed map[*ast.Ident]string
	fn      *ast.FuncDecl

	needsCallable bool
	err           error
}

// Validate checks prog against cfg.Store and returns the rewritten program. The
// first denial that OnDeny does not swallow aborts the pass.
func Validate(cfg Config, prog *source.Program) (*Result, error) {
	if cfg.OnDeny == nil {
		cfg.OnDeny = func(e *policy.Error) error { return e }
	}
	w := &walker{
		cfg:     cfg,
		store:   cfg.Store,
		opts:    cfg.Store.Options(),
		prog:    prog,
		imports: make(map[string]string),
		tok:     stringLit(cfg.Token),
		renamed: make(map[*ast.Ident]string),
	}
	for alias, path := range cfg.Imports {
		w.imports[alias] = path
	}
	var scope *ast.Scope
	if prog.File != nil {
		scope = prog.File.Scope
	}
	w.ix = newIndex(scope, w.isType)

	res := &Result{}
	w.namespace()
	res.Imports = w.hoistImports()
	w.directives()
	if w.err != nil {
		return nil, w.err
	}

	for _, d := range prog.Decls {
		w.ix.add(d)
	}
	for _, s := range prog.Body {
		w.ix.add(s)
	}

	for _, d := range prog.Decls {
		w.fn, _ = d.(*ast.FuncDecl)
		out := astutil.Apply(d, w.pre, w.post)
		if w.err != nil {
			return nil, w.err
		}
		res.Decls = append(res.Decls, out.(ast.Decl))
	}
	w.fn = nil
	body := &ast.BlockStmt{List: prog.Body}
	astutil.Apply(body, w.pre, w.post)
	if w.err != nil {
		return nil, w.err
	}
	res.Body = body.List
	res.NeedsCallable = w.needsCallable
	return res, nil
}

func (w *walker) position(n ast.Node) token.Position {
	if n == nil || w.cfg.Fset == nil || !n.Pos().IsValid() {
		return token.Position{}
	}
	return w.cfg.Fset.Position(n.Pos())
}

func (w *walker) deny(err error, node ast.Node) {
	if err == nil || w.err != nil {
		return
	}
	var perr *policy.Error
	if !errors.As(err, &perr) {
		w.err = err
		return
	}
	w.err = w.cfg.OnDeny(perr.At(node, w.position(node)))
}

func (w *walker) check(c policy.Category, name string, node ast.Node) {
	if w.cfg.Trusted || w.err != nil {
		return
	}
	w.deny(w.store.Check(c, name), node)
}

// gate enforces a behavioural flag independently of the category check.
func (w *walker) gate(f policy.Flag, c policy.Category, name, reason string, node ast.Node) {
	if w.cfg.Trusted || w.err != nil || w.opts.Enabled(f) {
		return
	}
	w.deny(policy.Denied(c, name, reason), node)
}

func (w *walker) namespace() {
	if w.prog.Package == "" {
		return
	}
	node := &ast.Ident{NamePos: w.prog.PackagePos, Name: w.prog.Package}
	if Reserved(w.prog.Package) {
		w.deny(policy.Denied(policy.Namespace, w.prog.Package, "reserved identifier"), node)
	}
	w.check(policy.Namespace, w.prog.Package, node)
	w.store.RecordNamespace(w.prog.Package)
}

func (w *walker) hoistImports() []*ast.ImportSpec {
	var out []*ast.ImportSpec
	for _, spec := range w.prog.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			w.deny(policy.Denied(policy.Alias, spec.Path.Value, "malformed import path"), spec)
			continue
		}
		alias := symbols.DefaultName(path)
		if spec.Name != nil {
			alias = spec.Name.Name
		}
		switch {
		case Reserved(alias) || Reserved(path):
			w.deny(policy.Denied(policy.Alias, path, "reserved identifier"), spec)
		case alias == ".":
			w.deny(policy.Denied(policy.Alias, path, "dot imports are not allowed"), spec)
		}
		if escapeImports[path] {
			w.gate(policy.AllowEscaping, policy.Alias, path, "foreign code is not allowed", spec)
		}
		if shellImports[path] {
			w.gate(policy.AllowShell, policy.Alias, path, "shell access is not allowed", spec)
		}
		w.check(policy.Alias, path, spec)
		if w.err != nil {
			return nil
		}
		if alias != "_" {
			w.imports[alias] = path
		}
		w.store.RecordImport(alias, path)
		out = append(out, spec)
	}
	return out
}

func (w *walker) directives() {
	for _, d := range w.prog.Directives {
		node := &ast.Comment{Slash: d.Pos, Text: d.Text}
		w.gate(policy.AllowEscaping, policy.Keyword, d.Text, "compiler directives are not allowed", node)
	}
}

func (w *walker) pre(c *astutil.Cursor) bool {
	return w.err == nil
}

func (w *walker) post(c *astutil.Cursor) bool {
	switch n := c.Node().(type) {
	case *ast.Ident:
		w.ident(c, n)
	case *ast.SelectorExpr:
		w.selector(c, n)
	case *ast.CallExpr:
		w.call(c, n)
	case *ast.BasicLit:
		w.check(policy.Primitive, literalKind(n.Kind), n)
	case *ast.CompositeLit:
		w.composite(n)
	case *ast.UnaryExpr:
		if n.Op == token.TILDE {
			break
		}
		w.check(policy.Operator, n.Op.String(), n)
		if n.Op == token.AND {
			if _, ok := unparen(n.X).(*ast.CompositeLit); !ok {
				w.gate(policy.AllowReferences, policy.Operator, "&", "references are not allowed", n)
			}
		}
	case *ast.StarExpr:
		if !w.ix.types[n.X] {
			w.check(policy.Operator, "*", n)
		}
	case *ast.BinaryExpr:
		if !w.ix.types[n.X] {
			w.check(policy.Operator, n.Op.String(), n)
		}
	case *ast.AssignStmt:
		w.check(policy.Operator, n.Tok.String(), n)
	case *ast.IncDecStmt:
		w.check(policy.Operator, n.Tok.String(), n)
	case *ast.SendStmt:
		w.check(policy.Operator, token.ARROW.String(), n)
	case *ast.IfStmt:
		w.check(policy.Keyword, "if", n)
	case *ast.ForStmt:
		w.check(policy.Keyword, "for", n)
	case *ast.RangeStmt:
		w.check(policy.Keyword, "range", n)
	case *ast.SwitchStmt, *ast.TypeSwitchStmt:
		w.check(policy.Keyword, "switch", n)
	case *ast.SelectStmt:
		w.check(policy.Keyword, "select", n)
	case *ast.GoStmt:
		w.check(policy.Keyword, "go", n)
		w.gate(policy.AllowGoroutines, policy.Keyword, "go", "goroutines are not allowed", n)
	case *ast.DeferStmt:
		w.check(policy.Keyword, "defer", n)
	case *ast.ReturnStmt:
		w.check(policy.Keyword, "return", n)
	case *ast.BranchStmt:
		w.check(policy.Keyword, n.Tok.String(), n)
	case *ast.FuncLit:
		w.check(policy.Keyword, "func", n)
		w.gate(policy.AllowClosures, policy.Keyword, "func", "closures are not allowed", n)
	case *ast.GenDecl:
		w.check(policy.Keyword, n.Tok.String(), n)
	case *ast.FuncDecl:
		w.check(policy.Keyword, "func", n)
		if n.Recv != nil && len(n.Recv.List) > 0 {
			w.check(policy.Class, w.originalName(n.Recv.List[0].Type), n.Recv)
		}
	case *ast.StructType:
		for _, f := range n.Fields.List {
			if len(f.Names) == 0 {
				w.check(policy.Trait, w.originalName(f.Type), f)
			}
		}
	case *ast.InterfaceType:
		for _, f := range n.Methods.List {
			if len(f.Names) == 0 {
				if name := w.originalName(f.Type); name != "" {
					w.check(policy.Interface, name, f)
				}
			}
		}
	}
	return w.err == nil
}

func literalKind(k token.Token) string {
	switch k {
	case token.INT:
		return "int"
	case token.FLOAT:
		return "float64"
	case token.IMAG:
		return "complex128"
	case token.CHAR:
		return "rune"
	default:
		return "string"
	}
}

// originalName is typeName with definition renames undone.
func (w *walker) originalName(e ast.Expr) string {
	for {
		switch t := e.(type) {
		case *ast.StarExpr:
			e = t.X
			continue
		case *ast.ParenExpr:
			e = t.X
			continue
		case *ast.IndexExpr:
			e = t.X
			continue
		case *ast.IndexListExpr:
			e = t.X
			continue
		case *ast.Ident:
			if orig, ok := w.renamed[t]; ok {
				return orig
			}
		case *ast.SelectorExpr:
			if x, ok := t.X.(*ast.Ident); ok {
				if path, ok := w.imports[x.Name]; ok {
					return path + "." + t.Sel.Name
				}
			}
		}
		return typeName(e)
	}
}

func (w *walker) ident(c *astutil.Cursor, id *ast.Ident) {
	if id.Name == "_" {
		return
	}
	if Reserved(id.Name) && !w.cfg.Trusted {
		w.deny(policy.Denied(policy.Variable, id.Name, "reserved identifier"), id)
		return
	}
	switch w.ix.roles[id] {
	case roleSkip, roleCallee:
		return
	case roleDecl:
		w.check(w.ix.decls[id], id.Name, id)
		return
	}
	if w.ix.types[id] {
		w.typeRef(id)
		return
	}
	if _, ok := c.Parent().(*ast.SelectorExpr); ok && c.Name() == "X" && id.Obj == nil {
		if _, isPkg := w.imports[id.Name]; isPkg {
			return
		}
	}
	w.ref(c, id)
}

// ref handles an identifier used as a value.
func (w *walker) ref(c *astutil.Cursor, id *ast.Ident) {
	if obj := id.Obj; obj != nil {
		switch obj.Kind {
		case ast.Var:
			if w.ix.global(obj) {
				w.check(policy.Global, id.Name, id)
			} else {
				w.check(policy.Variable, id.Name, id)
			}
		case ast.Con:
			w.check(policy.Constant, id.Name, id)
		case ast.Typ:
			w.check(policy.Type, id.Name, id)
		case ast.Fun:
			w.check(policy.Function, id.Name, id)
		}
		return
	}

	name := id.Name
	switch {
	case w.isPseudo(name):
		w.check(policy.PseudoConstant, name, id)
		if lit := w.pseudoValue(name, id); lit != nil {
			c.Replace(lit)
		}
	case w.isAmbient(name):
		w.check(policy.Ambient, name, id)
		c.Replace(bridgeCall("Ambient", w.tok, stringLit(name), boolLit(w.opts.Enabled(policy.OverwriteAmbient))))
	case predeclaredConsts[name]:
		w.check(policy.Constant, name, id)
	case builtinFuncs[name]:
		w.check(policy.Function, name, id)
	case w.store.IsDefined(policy.Function, name):
		w.check(policy.Function, name, id)
		if !w.opts.Enabled(policy.OverwriteDefinedFuncs) {
			return
		}
		def, _ := w.store.Definition(policy.Function, name)
		var expr ast.Expr = bridgeCall("Function", w.tok, stringLit(def.Name))
		if t, ok := TypeExpr(reflect.TypeOf(def.Value)); ok && def.Bound() {
			expr = &ast.TypeAssertExpr{X: expr, Type: t}
		}
		c.Replace(expr)
	default:
		for _, cat := range []policy.Category{policy.Variable, policy.Global, policy.Constant} {
			if d, ok := w.store.Definition(cat, name); ok {
				w.check(cat, name, id)
				id.Name = d.Name
				return
			}
		}
		w.check(policy.Variable, name, id)
	}
}

// typeRef handles an identifier in type position, applying definition renames first.
func (w *walker) typeRef(id *ast.Ident) {
	if id.Obj == nil || id.Obj.Kind == ast.Typ {
		for _, cat := range []policy.Category{policy.Class, policy.Interface, policy.Trait, policy.Type} {
			d, ok := w.store.Definition(cat, id.Name)
			if !ok {
				continue
			}
			w.check(cat, id.Name, id)
			if target, ok := d.Value.(string); ok && target != id.Name {
				w.renamed[id] = id.Name
				id.Name = target
				id.Obj = nil
				if w.ix.scope != nil {
					id.Obj = w.ix.scope.Lookup(target)
				}
			}
			return
		}
	}
	if id.Obj == nil && predeclaredTypes[id.Name] {
		w.check(policy.Primitive, id.Name, id)
		return
	}
	w.check(policy.Type, id.Name, id)
}

func (w *walker) isPseudo(name string) bool {
	if w.store.IsDefined(policy.PseudoConstant, name) {
		return true
	}
	if len(name) < 5 || !strings.HasPrefix(name, "__") || !strings.HasSuffix(name, "__") {
		return false
	}
	return pseudoConstants[policy.Normalize(policy.PseudoConstant, name)]
}

func (w *walker) pseudoValue(name string, node ast.Node) ast.Expr {
	if d, ok := w.store.Definition(policy.PseudoConstant, name); ok {
		lit, _ := Literal(d.Value)
		return lit
	}
	pos := w.position(node)
	var fn, class string
	if w.fn != nil {
		fn = w.fn.Name.Name
		if w.fn.Recv != nil && len(w.fn.Recv.List) > 0 {
			class = typeName(w.fn.Recv.List[0].Type)
		}
	}
	switch policy.Normalize(policy.PseudoConstant, name) {
	case "line":
		return &ast.BasicLit{Kind: token.INT, Value: strconv.Itoa(pos.Line)}
	case "file":
		return stringLit(pos.Filename)
	case "dir":
		return stringLit(filepath.Dir(pos.Filename))
	case "function":
		return stringLit(fn)
	case "method":
		if class != "" {
			return stringLit(class + "." + fn)
		}
		return stringLit(fn)
	case "class":
		return stringLit(class)
	case "namespace":
		return stringLit(w.prog.Package)
	}
	return nil
}

func (w *walker) isAmbient(name string) bool {
	for _, bag := range defaultAmbient {
		if name == bag {
			return true
		}
	}
	return w.store.IsDefined(policy.Ambient, name)
}

// qualified resolves pkg.Name against the hoisted imports.
func (w *walker) qualified(sel *ast.SelectorExpr) (string, string, bool) {
	x, ok := sel.X.(*ast.Ident)
	if !ok || x.Obj != nil {
		return "", "", false
	}
	path, ok := w.imports[x.Name]
	if !ok {
		return "", "", false
	}
	return path, path + "." + sel.Sel.Name, true
}

func (w *walker) selector(c *astutil.Cursor, sel *ast.SelectorExpr) {
	if Reserved(sel.Sel.Name) && !w.cfg.Trusted {
		w.deny(policy.Denied(policy.Variable, sel.Sel.Name, "reserved identifier"), sel.Sel)
		return
	}
	path, name, ok := w.qualified(sel)
	if !ok {
		if x, isIdent := sel.X.(*ast.Ident); isIdent && x.Obj != nil && x.Obj.Kind == ast.Typ {
			// method expression T.M
			w.check(policy.Class, w.originalName(x), sel)
		}
		return
	}
	if w.ix.types[sel] {
		w.check(policy.Type, name, sel)
		return
	}
	kind := symbols.Lookup(path, sel.Sel.Name)
	if call, isCall := c.Parent().(*ast.CallExpr); isCall && c.Name() == "Fun" && call.Fun == sel && kind != symbols.Type {
		return
	}
	switch kind {
	case symbols.Var:
		w.check(policy.Global, name, sel)
	case symbols.Const:
		w.check(policy.Constant, name, sel)
	case symbols.Type:
		w.check(policy.Type, name, sel)
	default:
		w.checkFunc(name, sel)
	}
}

func (w *walker) checkFunc(qualified string, node ast.Node) {
	w.check(policy.Function, qualified, node)
	if policy.Halts(qualified) {
		w.gate(policy.AllowHalting, policy.Function, qualified, "halting is not allowed", node)
	}
}

// isType reports whether e denotes a type, which makes a call with e as callee a conversion.
func (w *walker) isType(e ast.Expr) bool {
	switch t := unparen(e).(type) {
	case *ast.Ident:
		if t.Obj != nil {
			return t.Obj.Kind == ast.Typ
		}
		if predeclaredTypes[t.Name] {
			return true
		}
		for _, cat := range []policy.Category{policy.Class, policy.Interface, policy.Trait, policy.Type} {
			if w.store.IsDefined(cat, t.Name) {
				return true
			}
		}
		return false
	case *ast.StarExpr:
		return w.isType(t.X)
	case *ast.ArrayType, *ast.MapType, *ast.ChanType, *ast.FuncType, *ast.InterfaceType, *ast.StructType:
		return true
	case *ast.SelectorExpr:
		x, ok := t.X.(*ast.Ident)
		if !ok || x.Obj != nil {
			return false
		}
		path, ok := w.imports[x.Name]
		return ok && symbols.Lookup(path, t.Sel.Name) == symbols.Type
	case *ast.IndexExpr:
		return w.isType(t.X)
	case *ast.IndexListExpr:
		return w.isType(t.X)
	}
	return false
}

func (w *walker) call(c *astutil.Cursor, call *ast.CallExpr) {
	fun := unparen(call.Fun)
	if w.isType(fun) {
		name := w.originalName(fun)
		if name == "" {
			name = fmt.Sprintf("%T", fun)
		}
		cat := policy.Type
		if id, ok := fun.(*ast.Ident); ok && id.Obj == nil && predeclaredTypes[id.Name] {
			cat = policy.Primitive
		}
		w.gate(policy.AllowCasting, cat, name, "casting is not allowed", call)
		return
	}

	switch f := fun.(type) {
	case *ast.Ident:
		w.callIdent(c, call, f)
	case *ast.SelectorExpr:
		_, name, ok := w.qualified(f)
		if !ok {
			return
		}
		w.checkFunc(name, f)
		if w.err == nil {
			w.introspect(c, call, name)
		}
	case *ast.FuncLit:
	case *ast.IndexExpr:
		if !isGuestFunc(f.X) {
			w.guardCall(call)
		}
	case *ast.IndexListExpr:
		if !isGuestFunc(f.X) {
			w.guardCall(call)
		}
	default:
		w.guardCall(call)
	}
}

// isGuestFunc reports whether x names a function declared by the guest. Explicit
// instantiations of such functions are checked through their identifier.
func isGuestFunc(x ast.Expr) bool {
	id, ok := x.(*ast.Ident)
	return ok && id.Obj != nil && id.Obj.Kind == ast.Fun
}

func (w *walker) callIdent(c *astutil.Cursor, call *ast.CallExpr, f *ast.Ident) {
	if f.Obj != nil {
		switch f.Obj.Kind {
		case ast.Fun:
			w.check(policy.Function, f.Name, f)
		case ast.Var:
			if w.ix.global(f.Obj) {
				w.check(policy.Global, f.Name, f)
			} else {
				w.check(policy.Variable, f.Name, f)
			}
			w.guardCall(call)
		}
		return
	}

	name := f.Name
	if fam, ok := includeFamily[strings.ToLower(name)]; ok {
		w.include(c, call, name, fam.once, fam.required)
		return
	}
	if builtinFuncs[name] {
		w.check(policy.Function, name, f)
		switch name {
		case "recover":
			w.check(policy.Keyword, name, f)
			w.gate(policy.AllowErrorSuppressing, policy.Function, name, "error suppression is not allowed", call)
		case "panic":
			w.check(policy.Keyword, name, f)
		case "new":
			if len(call.Args) == 1 {
				w.instantiate(call.Args[0], call)
			}
		}
		return
	}
	def, defined := w.store.Definition(policy.Function, name)
	w.check(policy.Function, name, f)
	if !defined || w.err != nil || !w.opts.Enabled(policy.OverwriteDefinedFuncs) {
		return
	}
	w.dispatch(c, call, def)
}

// dispatch rewrites a call of a defined function into a bridge call carrying its name.
func (w *walker) dispatch(c *astutil.Cursor, call *ast.CallExpr, def policy.Definition) {
	args := []ast.Expr{w.tok, stringLit(def.Name)}
	wrap := func(e ast.Expr) ast.Expr {
		if w.opts.Enabled(policy.SandboxStrings) {
			return bridgeCall("Arg", w.tok, e)
		}
		return e
	}
	out := bridgeCall("Call")
	if call.Ellipsis.IsValid() && len(call.Args) > 0 {
		head := &ast.CompositeLit{Type: &ast.ArrayType{Elt: ident("any")}}
		for _, a := range call.Args[:len(call.Args)-1] {
			head.Elts = append(head.Elts, wrap(a))
		}
		tail := call.Args[len(call.Args)-1]
		args = append(args, bridgeCall("Spread", w.tok, head, tail))
		out.Ellipsis = call.Ellipsis
	} else {
		for _, a := range call.Args {
			args = append(args, wrap(a))
		}
	}
	out.Args = args

	var expr ast.Expr = out
	switch c.Parent().(type) {
	case *ast.ExprStmt, *ast.GoStmt, *ast.DeferStmt:
	default:
		if def.Bound() {
			if t, ok := ResultType(def.Value); ok {
				expr = &ast.TypeAssertExpr{X: out, Type: t}
			}
		}
	}
	c.Replace(expr)
}

// introspect swaps argument-observing host functions for their filtered bridge equivalents.
func (w *walker) introspect(c *astutil.Cursor, call *ast.CallExpr, qualified string) {
	fn, ok := introspectiveBridge[policy.Normalize(policy.Function, qualified)]
	if !ok || !w.opts.Enabled(policy.OverwriteIntrospection) {
		return
	}
	out := bridgeCall(fn, append([]ast.Expr{w.tok}, call.Args...)...)
	out.Ellipsis = call.Ellipsis
	c.Replace(out)
}

// guardCall defers the function check of a computed callee to run time.
func (w *walker) guardCall(call *ast.CallExpr) {
	if w.cfg.Trusted {
		return
	}
	call.Fun = &ast.CallExpr{Fun: ident(CallableHelper), Args: []ast.Expr{call.Fun}}
	w.needsCallable = true
}

func (w *walker) include(c *astutil.Cursor, call *ast.CallExpr, name string, once, required bool) {
	w.check(policy.Keyword, name, call)
	w.gate(policy.AllowIncludes, policy.Keyword, name, "includes are not allowed", call)
	if w.err != nil {
		return
	}
	if len(call.Args) != 1 {
		w.deny(policy.Denied(policy.Keyword, name, "takes exactly one path argument"), call)
		return
	}
	c.Replace(bridgeCall("Include", w.tok, call.Args[0], boolLit(once), boolLit(required),
		boolLit(w.opts.Enabled(policy.SandboxIncludes))))
}

func (w *walker) composite(lit *ast.CompositeLit) {
	if lit.Type == nil {
		return
	}
	w.instantiate(lit.Type, lit)
}

// instantiate polices creation of a struct value of type t.
func (w *walker) instantiate(t ast.Expr, node ast.Node) {
	if !w.isStruct(t) {
		return
	}
	name := w.originalName(t)
	w.gate(policy.AllowObjects, policy.Class, name, "object creation is not allowed", node)
	w.check(policy.Class, name, node)
}

func (w *walker) isStruct(t ast.Expr) bool {
	switch t := unparen(t).(type) {
	case *ast.Ident:
		if t.Obj == nil || t.Obj.Kind != ast.Typ {
			return false
		}
		ts, ok := t.Obj.Decl.(*ast.TypeSpec)
		return ok && typeCategory(ts.Type) == policy.Class
	case *ast.IndexExpr:
		return w.isStruct(t.X)
	case *ast.IndexListExpr:
		return w.isStruct(t.X)
	case *ast.SelectorExpr:
		x, ok := t.X.(*ast.Ident)
		if !ok {
			return false
		}
		path, ok := w.imports[x.Name]
		if !ok {
			return false
		}
		v, ok := symbols.Value(path, t.Sel.Name)
		if !ok || symbols.Lookup(path, t.Sel.Name) != symbols.Type {
			return false
		}
		rt := v.Type()
		return rt.Kind() == reflect.Ptr && rt.Elem().Kind() == reflect.Struct
	}
	return false
}
