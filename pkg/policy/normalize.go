package policy

import (
	"strings"
	"unicode"
)

// Normalize canonicalizes name for lookups in category c. It is total and idempotent.
func Normalize(c Category, name string) string {
	if !c.valid() {
		return normalizeIdent(name)
	}
	return categories[c].normalize(name)
}

// NormalizeAll maps Normalize over names.
func NormalizeAll(c Category, names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = Normalize(c, name)
	}
	return out
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func normalizeIdent(name string) string {
	name = stripSpace(name)
	name = strings.TrimLeft(name, "*&")
	return strings.ToLower(name)
}

func normalizeAlias(name string) string {
	name = stripSpace(name)
	name = strings.Trim(name, "\"`")
	return strings.ToLower(name)
}

func normalizePseudo(name string) string {
	name = stripSpace(name)
	name = strings.Trim(name, "_")
	return strings.ToLower(name)
}

var keywordFamilies = map[string]string{
	"else":         "if",
	"range":        "for",
	"case":         "switch",
	"default":      "switch",
	"fallthrough":  "switch",
	"recover":      "defer",
	"panic":        "defer",
	"include_once": "include",
	"require":      "include",
	"require_once": "include",
}

func normalizeKeyword(name string) string {
	name = strings.ToLower(stripSpace(name))
	if family, ok := keywordFamilies[name]; ok {
		return family
	}
	return name
}

var comparisonOperators = map[string]bool{
	"==": true,
	"!=": true,
	"<=": true,
	">=": true,
}

func normalizeOperator(name string) string {
	name = stripSpace(name)
	// Each step shortens the spelling, so the fixed point is reached quickly.
	for {
		next := collapseOperator(name)
		if next == name {
			return name
		}
		name = next
	}
}

func collapseOperator(name string) string {
	switch name {
	case "++":
		return "+"
	case "--":
		return "-"
	case ":=":
		return "="
	}
	if len(name) > 1 && strings.HasSuffix(name, "=") && !comparisonOperators[name] {
		return strings.TrimSuffix(name, "=")
	}
	return name
}

var primitiveAliases = map[string]string{
	"byte":        "uint8",
	"rune":        "int32",
	"interface{}": "any",
}

func normalizePrimitive(name string) string {
	name = strings.ToLower(stripSpace(name))
	if alias, ok := primitiveAliases[name]; ok {
		return alias
	}
	return name
}
