package transform

import (
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
	"strings"
)

const (
	// BridgeAlias is the local name of the injected bridge package in assembled programs.
	BridgeAlias = "__sandbox"
	// BridgePath is the import path of the bridge package.
	BridgePath = "gosandbox/bridge"
	// CallableHelper is the generated generic helper guarding computed calls.
	CallableHelper = "__sandbox_callable"
)

// Reserved reports whether name is reserved for generated code.
func Reserved(name string) bool {
	return strings.Contains(strings.ToLower(name), "__sandbox")
}

func ident(name string) *ast.Ident { return &ast.Ident{Name: name} }

func stringLit(s string) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}

func boolLit(b bool) ast.Expr {
	if b {
		return ident("true")
	}
	return ident("false")
}

// bridgeCall builds __sandbox.fn(args...).
func bridgeCall(fn string, args ...ast.Expr) *ast.CallExpr {
	return &ast.CallExpr{
		Fun:  &ast.SelectorExpr{X: ident(BridgeAlias), Sel: ident(fn)},
		Args: args,
	}
}

// HelperSource returns the declaration of the computed-call helper bound to token.
func HelperSource(token string) string {
	return "func " + CallableHelper + "[F any](fn F) F {\n\t" +
		BridgeAlias + ".Callable(" + strconv.Quote(token) + ", fn)\n\treturn fn\n}\n"
}

// Literal renders a basic Go value as an expression. Values whose type is not the
// default type of their literal kind are wrapped in a conversion.
func Literal(v any) (ast.Expr, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false
	}
	rt := rv.Type()
	if rt.PkgPath() != "" {
		return nil, false
	}
	var lit ast.Expr
	var def string
	switch rv.Kind() {
	case reflect.Bool:
		lit, def = boolLit(rv.Bool()), "bool"
	case reflect.String:
		lit, def = stringLit(rv.String()), "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		lit, def = &ast.BasicLit{Kind: token.INT, Value: strconv.FormatInt(rv.Int(), 10)}, "int"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		lit, def = &ast.BasicLit{Kind: token.INT, Value: strconv.FormatUint(rv.Uint(), 10)}, "int"
	case reflect.Float32, reflect.Float64:
		s := strconv.FormatFloat(rv.Float(), 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		if strings.ContainsAny(s, "nN") {
			// NaN and Inf have no literal form
			return nil, false
		}
		lit, def = &ast.BasicLit{Kind: token.FLOAT, Value: s}, "float64"
	default:
		return nil, false
	}
	if rt.Name() == def {
		return lit, true
	}
	return &ast.CallExpr{Fun: ident(rt.Name()), Args: []ast.Expr{lit}}, true
}

// TypeExpr renders rt as a type expression when it can be spelled without imports.
func TypeExpr(rt reflect.Type) (ast.Expr, bool) {
	if rt == nil || !expressible(rt) {
		return nil, false
	}
	e, err := parser.ParseExpr(rt.String())
	if err != nil {
		return nil, false
	}
	return e, true
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func expressible(rt reflect.Type) bool {
	if rt == errorType {
		return true
	}
	if rt.Name() != "" {
		return rt.PkgPath() == ""
	}
	switch rt.Kind() {
	case reflect.Slice, reflect.Array, reflect.Ptr, reflect.Chan:
		return expressible(rt.Elem())
	case reflect.Map:
		return expressible(rt.Key()) && expressible(rt.Elem())
	case reflect.Interface:
		return rt.NumMethod() == 0
	case reflect.Func:
		for i := 0; i < rt.NumIn(); i++ {
			if !expressible(rt.In(i)) {
				return false
			}
		}
		for i := 0; i < rt.NumOut(); i++ {
			if !expressible(rt.Out(i)) {
				return false
			}
		}
		return true
	}
	return false
}

// ResultType is the single assertable result of a host function: a trailing error is
// dropped because the bridge raises it. Empty interfaces need no assertion.
func ResultType(fn any) (ast.Expr, bool) {
	rt := reflect.TypeOf(fn)
	if rt == nil || rt.Kind() != reflect.Func {
		return nil, false
	}
	n := rt.NumOut()
	if n > 0 && rt.Out(n-1) == errorType {
		n--
	}
	if n != 1 {
		return nil, false
	}
	out := rt.Out(0)
	if out.Kind() == reflect.Interface && out.NumMethod() == 0 {
		return nil, false
	}
	return TypeExpr(out)
}

func unparen(e ast.Expr) ast.Expr {
	for {
		p, ok := e.(*ast.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}
