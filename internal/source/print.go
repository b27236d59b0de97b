package source

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/printer"
	"go/token"
	"strings"
)

var printConfig = printer.Config{Mode: printer.UseSpaces | printer.TabIndent, Tabwidth: 8}

// Render prints node as Go source.
func Render(fset *token.FileSet, node ast.Node) (string, error) {
	var buf bytes.Buffer
	if err := printConfig.Fprint(&buf, fset, node); err != nil {
		return "", fmt.Errorf("print %T: %w", node, err)
	}
	return buf.String(), nil
}

// Positioned prints node preceded by a //line directive naming its guest position,
// so runtime errors raised by the interpreter point back at the original text.
func Positioned(fset *token.FileSet, node ast.Node) (string, error) {
	text, err := Render(fset, node)
	if err != nil {
		return "", err
	}
	if !node.Pos().IsValid() {
		return text, nil
	}
	return lineDirective(fset.Position(node.Pos())) + text, nil
}

// Snippet renders the offending line of text with a caret under the error column.
func (e *ParseError) Snippet(text string) string {
	if !e.Pos.IsValid() {
		return e.Error()
	}
	lines := strings.Split(text, "\n")
	line := e.Pos.Line
	if line < 1 {
		line = 1
	}
	if line > len(lines) {
		line = len(lines)
	}
	src := lines[line-1]
	col := e.Pos.Column
	if col < 1 {
		col = 1
	}
	if col > len(src)+1 {
		col = len(src) + 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", e.Error())
	gutter := fmt.Sprintf("%4d | ", line)
	b.WriteString(gutter)
	b.WriteString(src)
	b.WriteString("\n")
	b.WriteString(strings.Repeat(" ", len(gutter)+col-1))
	b.WriteString("^")
	return b.String()
}
