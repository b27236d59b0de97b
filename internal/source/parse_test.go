package source

import (
	"errors"
	"go/ast"
	"go/token"
	"strings"
	"testing"
)

func TestParseSplitsScript(t *testing.T) {
	t.Parallel()

	text := `package demo

import "strings"

type B struct{ value string }

func (b *B) Get() string { return b.value }

x := strings.ToUpper("a")
for i := 0; i < 2; i++ {
	x += "!"
}
func() { x += "?" }()

func helper(a A) string { return a.value }
var counter = 1
return x`

	fset := token.NewFileSet()
	prog, err := Parse(fset, "guest.go", text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if prog.Package != "demo" {
		t.Fatalf("package = %q", prog.Package)
	}
	if len(prog.Imports) != 1 || prog.Imports[0].Path.Value != `"strings"` {
		t.Fatalf("unexpected imports %v", prog.Imports)
	}
	if len(prog.Decls) != 4 {
		t.Fatalf("expected 4 declarations, got %d", len(prog.Decls))
	}
	if len(prog.Body) != 4 {
		t.Fatalf("expected 4 statements, got %d", len(prog.Body))
	}
	if _, ok := prog.Body[3].(*ast.ReturnStmt); !ok {
		t.Fatalf("last statement should be the guest return, got %T", prog.Body[3])
	}

	pos := fset.Position(prog.Body[1].Pos())
	if pos.Filename != "guest.go" || pos.Line != 10 || pos.Column != 1 {
		t.Fatalf("for statement mapped to %v", pos)
	}
}

func TestParseDirectives(t *testing.T) {
	t.Parallel()

	text := "//go:linkname x runtime.x\nx := 1\n// plain comment\n_ = x\n"
	prog, err := Parse(token.NewFileSet(), "d.go", text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Directives) != 1 || !strings.HasPrefix(prog.Directives[0].Text, "//go:") {
		t.Fatalf("unexpected directives %v", prog.Directives)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		line int
	}{
		{"syntax", "x := 1\ny := (2 +\n", 0},
		{"unterminated string", "x := \"abc\n", 1},
		{"duplicate package", "package a\npackage b\n", 2},
		{"bad statement", "x := 1\nfunc {\n}\n", 2},
		{"closes entry", "}; func f() {", 1},
		{"stray paren", "x := 1\n)\n", 2},
		{"stray brace after body", "x := 1\n_ = x\n}\n", 3},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(token.NewFileSet(), "bad.go", tc.text)
			if !errors.Is(err, ErrParse) {
				t.Fatalf("expected parse error, got %v", err)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			if tc.line > 0 && perr.Pos.Line != tc.line {
				t.Fatalf("error at line %d, want %d (%v)", perr.Pos.Line, tc.line, err)
			}
		})
	}
}

func TestPositionedRender(t *testing.T) {
	t.Parallel()

	fset := token.NewFileSet()
	prog, err := Parse(fset, "p.go", "a := 1\nreturn a + 2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := Positioned(fset, prog.Body[1])
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "//line p.go:2:1\nreturn a + 2" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSnippet(t *testing.T) {
	t.Parallel()

	err := &ParseError{Pos: token.Position{Filename: "s.go", Line: 2, Column: 3}, Msg: "boom"}
	got := err.Snippet("first\nsecond\n")
	if !strings.Contains(got, "   2 | second") || !strings.HasSuffix(got, "  ^") {
		t.Fatalf("unexpected snippet:\n%s", got)
	}
}
