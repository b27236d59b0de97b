package transform

import (
	"go/ast"
	"go/token"
	"strconv"

	"github.com/sameehj/gosandbox/internal/source"
	"github.com/sameehj/gosandbox/internal/symbols"
	"github.com/sameehj/gosandbox/pkg/policy"
)

// collector gathers names per category and flushes them into the store.
type collector struct {
	store *policy.Store
	names map[policy.Category][]string
	admit func(policy.Category) bool
}

func (c *collector) add(cat policy.Category, name string) {
	if name == "" || name == "_" || Reserved(name) {
		return
	}
	if c.admit != nil && !c.admit(cat) {
		return
	}
	c.names[cat] = append(c.names[cat], name)
}

func (c *collector) flush() error {
	for _, cat := range policy.Categories() {
		names := c.names[cat]
		if len(names) == 0 || c.store.HasBlacklist(cat) {
			continue
		}
		if err := c.store.Whitelist(cat, names...); err != nil {
			return err
		}
	}
	return nil
}

// declarations records what prog declares: functions, types, constants and
// package-level variables.
func (c *collector) declarations(prog *source.Program) {
	var scope *ast.Scope
	if prog.File != nil {
		scope = prog.File.Scope
	}
	for _, d := range prog.Decls {
		switch d := d.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				c.add(policy.Function, d.Name.Name)
			}
		case *ast.GenDecl:
			c.genDecl(d, scope)
		}
	}
	for _, s := range prog.Body {
		ast.Inspect(s, func(n ast.Node) bool {
			if d, ok := n.(*ast.GenDecl); ok {
				c.genDecl(d, scope)
			}
			return true
		})
	}
}

func (c *collector) genDecl(d *ast.GenDecl, scope *ast.Scope) {
	for _, spec := range d.Specs {
		switch spec := spec.(type) {
		case *ast.TypeSpec:
			c.add(typeCategory(spec.Type), spec.Name.Name)
		case *ast.ValueSpec:
			for _, id := range spec.Names {
				switch {
				case d.Tok == token.CONST:
					c.add(policy.Constant, id.Name)
				case id.Obj != nil && scope != nil && scope.Lookup(id.Name) == id.Obj:
					c.add(policy.Global, id.Name)
				}
			}
		}
	}
}

// locals records variables introduced by a short declaration.
func (c *collector) locals(exprs ...ast.Expr) {
	for _, e := range exprs {
		if id, ok := e.(*ast.Ident); ok {
			c.add(policy.Variable, id.Name)
		}
	}
}

// WhitelistGuest whitelists the functions, types, constants and package-level
// variables the guest program declares. A category takes part only when both its
// allow and auto-whitelist flags are set.
func WhitelistGuest(store *policy.Store, prog *source.Program) error {
	opts := store.Options()
	c := &collector{
		store: store,
		names: make(map[policy.Category][]string),
		admit: func(cat policy.Category) bool {
			return opts.Allows(cat) && opts.AutoWhitelists(cat)
		},
	}
	c.declarations(prog)
	return c.flush()
}

// WhitelistTrusted whitelists everything trusted code declares, imports, calls or
// instantiates so that the guest may use the same names. Local variables are
// included, which turns the variable category into a whitelist.
func WhitelistTrusted(store *policy.Store, prog *source.Program) error {
	c := &collector{store: store, names: make(map[policy.Category][]string)}
	c.declarations(prog)

	imports := make(map[string]string)
	for _, spec := range prog.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		alias := symbols.DefaultName(path)
		if spec.Name != nil {
			alias = spec.Name.Name
		}
		imports[alias] = path
		c.add(policy.Alias, path)
	}
	qualify := func(e ast.Expr) string {
		switch e := unparen(e).(type) {
		case *ast.Ident:
			return e.Name
		case *ast.SelectorExpr:
			x, ok := e.X.(*ast.Ident)
			if !ok || x.Obj != nil {
				return ""
			}
			if path, ok := imports[x.Name]; ok {
				return path + "." + e.Sel.Name
			}
		case *ast.StarExpr:
			return typeName(e.X)
		}
		return ""
	}

	visit := func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.CallExpr:
			fun := unparen(n.Fun)
			if id, ok := fun.(*ast.Ident); ok && id.Obj == nil && (predeclaredTypes[id.Name] || builtinFuncs[id.Name]) {
				if id.Name == "new" && len(n.Args) == 1 {
					c.add(policy.Class, qualify(n.Args[0]))
				}
				break
			}
			if id, ok := fun.(*ast.Ident); ok {
				if _, include := includeFamily[id.Name]; include || (id.Obj != nil && id.Obj.Kind != ast.Fun) {
					break
				}
			}
			c.add(policy.Function, qualify(fun))
		case *ast.CompositeLit:
			switch n.Type.(type) {
			case *ast.Ident, *ast.SelectorExpr:
				c.add(policy.Class, qualify(n.Type))
			}
		case *ast.AssignStmt:
			if n.Tok == token.DEFINE {
				c.locals(n.Lhs...)
			}
		case *ast.RangeStmt:
			if n.Tok == token.DEFINE {
				c.locals(n.Key, n.Value)
			}
		case *ast.DeclStmt:
			if gd, ok := n.Decl.(*ast.GenDecl); ok && gd.Tok == token.VAR {
				for _, spec := range gd.Specs {
					if vs, ok := spec.(*ast.ValueSpec); ok {
						for _, id := range vs.Names {
							c.add(policy.Variable, id.Name)
						}
					}
				}
			}
		}
		return true
	}
	for _, d := range prog.Decls {
		ast.Inspect(d, visit)
	}
	for _, s := range prog.Body {
		ast.Inspect(s, visit)
	}
	return c.flush()
}
