package policy

import (
	"errors"
	"fmt"
	"go/ast"
	"go/token"
)

// Sentinel errors. Every *Error wraps exactly one of the kind sentinels; policy denials
// (everything except configuration errors) also match ErrPolicy.
var (
	// ErrPolicy matches any resolver denial.
	ErrPolicy = errors.New("sandbox: policy violation")

	// ErrWhitelistViolation indicates a name missing from a non-empty whitelist.
	ErrWhitelistViolation = errors.New("sandbox: whitelist violation")

	// ErrBlacklistViolation indicates a blacklisted name.
	ErrBlacklistViolation = errors.New("sandbox: blacklist violation")

	// ErrValidationViolation indicates a default-deny, a validator rejection or a disallowed construct.
	ErrValidationViolation = errors.New("sandbox: validation violation")

	// ErrConfiguration indicates a malformed host configuration such as an unnamed definition.
	ErrConfiguration = errors.New("sandbox: invalid configuration")
)

// Kind classifies an Error.
type Kind int

const (
	KindValidation Kind = iota
	KindWhitelist
	KindBlacklist
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindWhitelist:
		return "whitelist"
	case KindBlacklist:
		return "blacklist"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindWhitelist:
		return ErrWhitelistViolation
	case KindBlacklist:
		return ErrBlacklistViolation
	case KindConfiguration:
		return ErrConfiguration
	default:
		return ErrValidationViolation
	}
}

// Error is a resolver denial or a configuration error. Node and Pos are filled in by the
// tree passes; errors raised by direct Check calls carry only the category and name.
type Error struct {
	Kind     Kind
	Category Category
	Name     string
	Reason   string
	Node     ast.Node
	Pos      token.Position
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %q", e.Kind.sentinel().Error(), e.Category, e.Name)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Pos.IsValid() {
		msg = e.Pos.String() + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind.sentinel()
}

// Is reports whether target is ErrPolicy for any denial kind.
func (e *Error) Is(target error) bool {
	return target == ErrPolicy && e.Kind != KindConfiguration
}

// At returns a copy of e annotated with the offending node and its position.
func (e *Error) At(node ast.Node, pos token.Position) *Error {
	cp := *e
	cp.Node = node
	cp.Pos = pos
	return &cp
}

// Denied builds a validation error for a disallowed construct that is not a plain name lookup.
func Denied(c Category, name, reason string) *Error {
	return &Error{Kind: KindValidation, Category: c, Name: name, Reason: reason}
}

func configError(c Category, name, reason string) *Error {
	return &Error{Kind: KindConfiguration, Category: c, Name: name, Reason: reason}
}
