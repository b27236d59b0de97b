// Package source turns guest script text into Go syntax trees and back.
//
// A script mixes top-level declarations and statements. Parse splits it at
// top-level semicolons, hoists the package clause and imports, keeps
// declarations at file level and moves every other statement into the body of
// a synthetic entry function. //line directives keep positions pointing at the
// guest text.
package source

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"
)

// ErrParse matches every ParseError.
var ErrParse = errors.New("sandbox: parse error")

// EntryName is the synthetic function holding the top-level statements.
const EntryName = "X__sandbox_main"

// PackageName is the package every assembled program is declared in.
const PackageName = "guest"

// ParseError reports malformed guest text.
type ParseError struct {
	Pos token.Position
	Msg string
}

func (e *ParseError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
	}
	return e.Msg
}

func (e *ParseError) Unwrap() error { return ErrParse }

// Directive is a compiler directive comment found in guest text.
type Directive struct {
	Text string
	Pos  token.Pos
}

// Program is a parsed guest script.
type Program struct {
	Name string
	Text string

	// Package is the name from the package clause, empty when absent.
	Package    string
	PackagePos token.Pos

	Imports    []*ast.ImportSpec
	Decls      []ast.Decl
	Body       []ast.Stmt
	Directives []Directive

	// File is the synthetic file the program was parsed as. Identifier objects
	// are resolved against its scope.
	File *ast.File
}

type segmentKind int

const (
	segStmt segmentKind = iota
	segDecl
	segImport
	segPackage
)

type segment struct {
	kind  segmentKind
	start int
	end   int
	name  string // package name for segPackage
}

// Parse parses guest text named name. All positions are recorded in fset.
func Parse(fset *token.FileSet, name, text string) (*Program, error) {
	prog := &Program{Name: name, Text: text}

	segs, dirs, base, err := split(fset, name, text)
	if err != nil {
		return nil, err
	}
	prog.Directives = dirs

	var imports, decls, stmts strings.Builder
	for _, seg := range segs {
		pos := base.Position(base.Pos(seg.start))
		chunk := lineDirective(pos) + text[seg.start:seg.end] + "\n"
		switch seg.kind {
		case segPackage:
			if prog.Package != "" {
				return nil, &ParseError{Pos: pos, Msg: "duplicate package clause"}
			}
			prog.Package = seg.name
			prog.PackagePos = base.Pos(seg.start)
		case segImport:
			imports.WriteString(chunk)
		case segDecl:
			decls.WriteString(chunk)
		default:
			stmts.WriteString(chunk)
		}
	}

	var file strings.Builder
	fmt.Fprintf(&file, "package %s\n", PackageName)
	file.WriteString(imports.String())
	file.WriteString(decls.String())
	fmt.Fprintf(&file, "func %s() any {\n", EntryName)
	file.WriteString(stmts.String())
	file.WriteString("return nil\n}\n")

	f, err := parser.ParseFile(fset, name+"#synthetic", file.String(), parser.AllErrors)
	if err != nil {
		return nil, convertError(err)
	}
	prog.File = f

	body, ok := entryBody(f)
	if !ok {
		return nil, &ParseError{Pos: base.Position(base.Pos(len(text))), Msg: "script escapes its entry function"}
	}
	prog.Body = body
	for _, d := range f.Decls[:len(f.Decls)-1] {
		if gd, ok := d.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			for _, spec := range gd.Specs {
				prog.Imports = append(prog.Imports, spec.(*ast.ImportSpec))
			}
			continue
		}
		prog.Decls = append(prog.Decls, d)
	}
	return prog, nil
}

// entryBody returns the guest statements of the synthetic entry function, which
// is the last declaration of the file and ends with the appended return nil.
func entryBody(f *ast.File) ([]ast.Stmt, bool) {
	if len(f.Decls) == 0 {
		return nil, false
	}
	fd, ok := f.Decls[len(f.Decls)-1].(*ast.FuncDecl)
	if !ok || fd.Recv != nil || fd.Name.Name != EntryName || fd.Body == nil {
		return nil, false
	}
	list := fd.Body.List
	if len(list) == 0 {
		return nil, false
	}
	ret, ok := list[len(list)-1].(*ast.ReturnStmt)
	if !ok || len(ret.Results) != 1 {
		return nil, false
	}
	if id, ok := ret.Results[0].(*ast.Ident); !ok || id.Name != "nil" {
		return nil, false
	}
	return list[:len(list)-1], true
}

type scanned struct {
	pos token.Pos
	tok token.Token
	lit string
}

// split scans text once, cutting it into top-level segments and collecting directives.
func split(fset *token.FileSet, name, text string) ([]segment, []Directive, *token.File, error) {
	file := fset.AddFile(name, -1, len(text))
	var errs scanner.ErrorList
	var s scanner.Scanner
	s.Init(file, []byte(text), func(pos token.Position, msg string) { errs.Add(pos, msg) }, scanner.ScanComments)

	var (
		segs  []segment
		dirs  []Directive
		cur   []scanned
		depth int
		// header is set between if/for/switch and its opening brace, where
		// semicolons separate clauses rather than statements.
		header bool
	)

	flush := func(end int) error {
		if len(cur) == 0 {
			return nil
		}
		seg := segment{start: file.Offset(cur[0].pos), end: end}
		switch cur[0].tok {
		case token.PACKAGE:
			if len(cur) != 2 || cur[1].tok != token.IDENT {
				return &ParseError{Pos: file.Position(cur[0].pos), Msg: "malformed package clause"}
			}
			seg.kind, seg.name = segPackage, cur[1].lit
		case token.IMPORT:
			seg.kind = segImport
		case token.TYPE, token.CONST, token.VAR:
			seg.kind = segDecl
		case token.FUNC:
			if isFuncDecl(cur) {
				seg.kind = segDecl
			}
		}
		segs = append(segs, seg)
		cur = cur[:0]
		return nil
	}

	for {
		pos, t, lit := s.Scan()
		if t == token.EOF {
			break
		}
		switch t {
		case token.COMMENT:
			if isDirective(lit) {
				dirs = append(dirs, Directive{Text: lit, Pos: pos})
			}
			continue
		case token.IF, token.FOR, token.SWITCH:
			if depth == 0 {
				header = true
			}
		case token.LBRACE:
			if depth == 0 {
				header = false
			}
			depth++
		case token.LPAREN, token.LBRACK:
			depth++
		case token.RPAREN, token.RBRACK, token.RBRACE:
			if depth == 0 {
				return nil, nil, nil, &ParseError{Pos: file.Position(pos), Msg: fmt.Sprintf("unexpected %s", t)}
			}
			depth--
		case token.SEMICOLON:
			if depth == 0 && !header {
				if err := flush(file.Offset(pos)); err != nil {
					return nil, nil, nil, err
				}
				continue
			}
		}
		cur = append(cur, scanned{pos: pos, tok: t, lit: lit})
	}
	if errs.Len() > 0 {
		errs.Sort()
		return nil, nil, nil, convertError(errs)
	}
	if depth != 0 {
		return nil, nil, nil, &ParseError{Pos: file.Position(file.Pos(len(text))), Msg: "unbalanced brackets"}
	}
	if err := flush(len(text)); err != nil {
		return nil, nil, nil, err
	}
	return segs, dirs, file, nil
}

// isFuncDecl tells `func Name(...)` and `func (r T) Name(...)` apart from a
// statement that starts with a function literal.
func isFuncDecl(toks []scanned) bool {
	if len(toks) < 2 {
		return false
	}
	switch toks[1].tok {
	case token.IDENT:
		return true
	case token.LPAREN:
	default:
		return false
	}
	depth := 0
	for i := 1; i < len(toks); i++ {
		switch toks[i].tok {
		case token.LPAREN:
			depth++
		case token.RPAREN:
			depth--
			if depth == 0 {
				return i+1 < len(toks) && toks[i+1].tok == token.IDENT
			}
		}
	}
	return false
}

var directivePrefixes = []string{"//go:", "//line ", "/*line ", "//export ", "//extern "}

func isDirective(comment string) bool {
	for _, p := range directivePrefixes {
		if strings.HasPrefix(comment, p) {
			return true
		}
	}
	return strings.Contains(comment, "#cgo")
}

func lineDirective(pos token.Position) string {
	if !pos.IsValid() {
		return ""
	}
	return fmt.Sprintf("//line %s:%d:%d\n", pos.Filename, pos.Line, pos.Column)
}

func convertError(err error) error {
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		return &ParseError{Pos: first.Pos, Msg: first.Msg}
	}
	return &ParseError{Msg: err.Error()}
}
