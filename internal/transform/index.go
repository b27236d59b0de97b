package transform

import (
	"go/ast"
	"go/token"

	"github.com/sameehj/gosandbox/pkg/policy"
)

// role is what an identifier does at its position. Only roleRef identifiers are
// resolved as references; the others are checked by their declaration or skipped.
type role int

const (
	roleRef role = iota
	roleSkip
	roleCallee
	roleDecl
)

// index is the pre-pass over a subtree: identifier roles and type positions.
type index struct {
	roles map[*ast.Ident]role
	decls map[*ast.Ident]policy.Category
	types map[ast.Expr]bool
	scope *ast.Scope
	isType func(ast.Expr) bool
}

func newIndex(scope *ast.Scope, isType func(ast.Expr) bool) *index {
	return &index{
		roles:  make(map[*ast.Ident]role),
		decls:  make(map[*ast.Ident]policy.Category),
		types:  make(map[ast.Expr]bool),
		scope:  scope,
		isType: isType,
	}
}

func (ix *index) declare(id *ast.Ident, c policy.Category) {
	if id == nil || id.Name == "_" {
		return
	}
	ix.roles[id] = roleDecl
	ix.decls[id] = c
}

func (ix *index) skip(id *ast.Ident) {
	if id != nil {
		ix.roles[id] = roleSkip
	}
}

// global reports whether obj is declared at file scope.
func (ix *index) global(obj *ast.Object) bool {
	return obj != nil && ix.scope != nil && ix.scope.Lookup(obj.Name) == obj
}

func (ix *index) add(root ast.Node) {
	ast.Inspect(root, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncDecl:
			if n.Recv != nil {
				ix.skip(n.Name)
				ix.fields(n.Recv, policy.Variable)
			} else {
				ix.declare(n.Name, policy.Function)
			}
			ix.funcType(n.Type)
		case *ast.FuncLit:
			ix.funcType(n.Type)
		case *ast.TypeSpec:
			ix.declare(n.Name, typeCategory(n.Type))
			ix.fields(n.TypeParams, policy.Type)
			ix.markType(n.Type)
		case *ast.GenDecl:
			for _, spec := range n.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok {
					continue
				}
				for _, id := range vs.Names {
					switch {
					case n.Tok == token.CONST:
						ix.declare(id, policy.Constant)
					case ix.global(id.Obj):
						ix.declare(id, policy.Global)
					default:
						ix.declare(id, policy.Variable)
					}
				}
				ix.markType(vs.Type)
			}
		case *ast.AssignStmt:
			if n.Tok == token.DEFINE {
				for _, lhs := range n.Lhs {
					if id, ok := lhs.(*ast.Ident); ok && id.Obj != nil && id.Obj.Decl == n {
						ix.declare(id, policy.Variable)
					}
				}
			}
		case *ast.RangeStmt:
			if n.Tok == token.DEFINE {
				for _, e := range []ast.Expr{n.Key, n.Value} {
					if id, ok := e.(*ast.Ident); ok {
						ix.declare(id, policy.Variable)
					}
				}
			}
		case *ast.TypeSwitchStmt:
			if as, ok := n.Assign.(*ast.AssignStmt); ok && len(as.Lhs) == 1 {
				if id, ok := as.Lhs[0].(*ast.Ident); ok {
					ix.declare(id, policy.Variable)
				}
			}
			for _, stmt := range n.Body.List {
				if cc, ok := stmt.(*ast.CaseClause); ok {
					for _, e := range cc.List {
						ix.markType(e)
					}
				}
			}
		case *ast.LabeledStmt:
			ix.skip(n.Label)
		case *ast.BranchStmt:
			ix.skip(n.Label)
		case *ast.SelectorExpr:
			ix.skip(n.Sel)
		case *ast.CompositeLit:
			ix.markType(n.Type)
			if _, isMap := n.Type.(*ast.MapType); !isMap {
				for _, elt := range n.Elts {
					if kv, ok := elt.(*ast.KeyValueExpr); ok {
						if id, ok := kv.Key.(*ast.Ident); ok {
							ix.skip(id)
						}
					}
				}
			}
		case *ast.TypeAssertExpr:
			ix.markType(n.Type)
		case *ast.CallExpr:
			ix.call(n)
		case *ast.IndexExpr:
			if ix.instantiates(n.X) {
				ix.markType(n.Index)
			}
		case *ast.IndexListExpr:
			if ix.instantiates(n.X) {
				for _, e := range n.Indices {
					ix.markType(e)
				}
			}
		}
		return true
	})
}

func (ix *index) call(n *ast.CallExpr) {
	fun := unparen(n.Fun)
	if ix.isType(fun) {
		ix.markType(fun)
		return
	}
	if id, ok := fun.(*ast.Ident); ok {
		ix.roles[id] = roleCallee
		if id.Obj == nil && (id.Name == "new" || id.Name == "make") && len(n.Args) > 0 {
			ix.markType(n.Args[0])
		}
	}
}

// instantiates reports whether x is a generic function or type being instantiated.
func (ix *index) instantiates(x ast.Expr) bool {
	id, ok := x.(*ast.Ident)
	return ok && id.Obj != nil && (id.Obj.Kind == ast.Fun || id.Obj.Kind == ast.Typ)
}

func (ix *index) funcType(ft *ast.FuncType) {
	if ft == nil {
		return
	}
	ix.fields(ft.TypeParams, policy.Type)
	ix.fields(ft.Params, policy.Variable)
	ix.fields(ft.Results, policy.Variable)
}

func (ix *index) fields(fl *ast.FieldList, c policy.Category) {
	if fl == nil {
		return
	}
	for _, f := range fl.List {
		for _, id := range f.Names {
			ix.declare(id, c)
		}
		ix.markType(f.Type)
	}
}

// markType records the identifiers and qualified names of a type expression.
func (ix *index) markType(e ast.Expr) {
	switch t := e.(type) {
	case nil:
	case *ast.Ident:
		ix.types[t] = true
	case *ast.SelectorExpr:
		ix.types[t] = true
		if x, ok := t.X.(*ast.Ident); ok {
			ix.skip(x)
		}
	case *ast.StarExpr:
		ix.markType(t.X)
	case *ast.ParenExpr:
		ix.markType(t.X)
	case *ast.ArrayType:
		ix.markType(t.Elt)
	case *ast.MapType:
		ix.markType(t.Key)
		ix.markType(t.Value)
	case *ast.ChanType:
		ix.markType(t.Value)
	case *ast.Ellipsis:
		ix.markType(t.Elt)
	case *ast.FuncType:
		ix.funcType(t)
	case *ast.StructType:
		for _, f := range t.Fields.List {
			for _, id := range f.Names {
				ix.skip(id)
			}
			ix.markType(f.Type)
		}
	case *ast.InterfaceType:
		for _, f := range t.Methods.List {
			for _, id := range f.Names {
				ix.skip(id)
			}
			ix.markType(f.Type)
		}
	case *ast.IndexExpr:
		ix.markType(t.X)
		ix.markType(t.Index)
	case *ast.IndexListExpr:
		ix.markType(t.X)
		for _, i := range t.Indices {
			ix.markType(i)
		}
	case *ast.BinaryExpr:
		ix.markType(t.X)
		ix.markType(t.Y)
	case *ast.UnaryExpr:
		ix.markType(t.X)
	}
}

func typeCategory(t ast.Expr) policy.Category {
	switch t.(type) {
	case *ast.StructType:
		return policy.Class
	case *ast.InterfaceType:
		return policy.Interface
	default:
		return policy.Type
	}
}

// typeName returns the base name of a type expression: T, *T, pkg.T and T[P] all
// yield T or pkg.T.
func typeName(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return typeName(t.X)
	case *ast.ParenExpr:
		return typeName(t.X)
	case *ast.SelectorExpr:
		if x, ok := t.X.(*ast.Ident); ok {
			return x.Name + "." + t.Sel.Name
		}
	case *ast.IndexExpr:
		return typeName(t.X)
	case *ast.IndexListExpr:
		return typeName(t.X)
	}
	return ""
}

var predeclaredTypes = map[string]bool{
	"bool": true, "string": true, "error": true, "any": true, "comparable": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	"float32": true, "float64": true, "complex64": true, "complex128": true,
	"byte": true, "rune": true,
}

var predeclaredConsts = map[string]bool{"true": true, "false": true, "nil": true, "iota": true}

var builtinFuncs = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true, "copy": true,
	"delete": true, "imag": true, "len": true, "make": true, "max": true, "min": true,
	"new": true, "panic": true, "print": true, "println": true, "real": true, "recover": true,
}
