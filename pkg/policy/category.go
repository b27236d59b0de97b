package policy

import (
	"fmt"
	"strings"
)

// Category is one of the syntactic classes policed independently by the resolver.
type Category int

const (
	Function Category = iota
	Variable
	Global
	Ambient
	Constant
	PseudoConstant
	Namespace
	Alias
	Class
	Interface
	Trait
	Keyword
	Operator
	Primitive
	Type

	numCategories
)

type categoryInfo struct {
	name      string
	key       string
	normalize func(string) string
}

// categories is indexed by Category and drives option names, document keys and normalization.
var categories = [numCategories]categoryInfo{
	Function:       {name: "function", key: "functions", normalize: normalizeIdent},
	Variable:       {name: "variable", key: "variables", normalize: normalizeIdent},
	Global:         {name: "global", key: "globals", normalize: normalizeIdent},
	Ambient:        {name: "ambient", key: "ambient", normalize: normalizeIdent},
	Constant:       {name: "constant", key: "constants", normalize: normalizeIdent},
	PseudoConstant: {name: "pseudo_constant", key: "pseudo_constants", normalize: normalizePseudo},
	Namespace:      {name: "namespace", key: "namespaces", normalize: normalizeIdent},
	Alias:          {name: "alias", key: "aliases", normalize: normalizeAlias},
	Class:          {name: "class", key: "classes", normalize: normalizeIdent},
	Interface:      {name: "interface", key: "interfaces", normalize: normalizeIdent},
	Trait:          {name: "trait", key: "traits", normalize: normalizeIdent},
	Keyword:        {name: "keyword", key: "keywords", normalize: normalizeKeyword},
	Operator:       {name: "operator", key: "operators", normalize: normalizeOperator},
	Primitive:      {name: "primitive", key: "primitives", normalize: normalizePrimitive},
	Type:           {name: "type", key: "types", normalize: normalizeIdent},
}

// Categories returns every category in declaration order.
func Categories() []Category {
	out := make([]Category, 0, numCategories)
	for c := Category(0); c < numCategories; c++ {
		out = append(out, c)
	}
	return out
}

func (c Category) valid() bool {
	return c >= 0 && c < numCategories
}

// String returns the singular name, e.g. "function".
func (c Category) String() string {
	if !c.valid() {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categories[c].name
}

// Key returns the plural key used in option names and interchange documents.
func (c Category) Key() string {
	if !c.valid() {
		return ""
	}
	return categories[c].key
}

// ParseCategory accepts either the singular name or the document key.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for c := Category(0); c < numCategories; c++ {
		if categories[c].name == s || categories[c].key == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if !c.valid() {
		return nil, fmt.Errorf("invalid category %d", int(c))
	}
	return []byte(categories[c].name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
