package policy

import (
	"errors"
	"testing"
)

func TestCheckDefaultDeny(t *testing.T) {
	t.Parallel()

	for _, c := range Categories() {
		s := NewStore(nil)
		if err := s.Options().Set(AllowFlag(c), false); err != nil {
			t.Fatalf("set flag: %v", err)
		}
		err := s.Check(c, "probe")
		if !errors.Is(err, ErrValidationViolation) || !errors.Is(err, ErrPolicy) {
			t.Fatalf("%s: expected validation violation, got %v", c, err)
		}
		if err := s.Options().Set(AllowFlag(c), true); err != nil {
			t.Fatalf("set flag: %v", err)
		}
		if err := s.Check(c, "probe"); err != nil {
			t.Fatalf("%s: expected allow after flipping flag, got %v", c, err)
		}
	}
}

func TestCheckPrecedence(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	if err := s.Define(Function, "Greet", func() string { return "hi" }); err != nil {
		t.Fatalf("define: %v", err)
	}
	if err := s.Whitelist(Function, "len"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if err := s.Blacklist(Function, "greet", "other"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}

	if err := s.Check(Function, "greet"); err != nil {
		t.Fatalf("definition should win over lists, got %v", err)
	}
	if err := s.Check(Function, "LEN"); err != nil {
		t.Fatalf("whitelisted name denied: %v", err)
	}
	err := s.Check(Function, "print")
	if !errors.Is(err, ErrWhitelistViolation) {
		t.Fatalf("expected whitelist violation, got %v", err)
	}

	// the blacklist is unreachable while the whitelist is non-empty
	if err := s.Check(Function, "other"); !errors.Is(err, ErrWhitelistViolation) {
		t.Fatalf("expected whitelist violation for blacklisted name, got %v", err)
	}

	s.Dewhitelist(Function, "len")
	if err := s.Check(Function, "other"); !errors.Is(err, ErrBlacklistViolation) {
		t.Fatalf("expected blacklist violation, got %v", err)
	}
	if err := s.Check(Function, "print"); err != nil {
		t.Fatalf("name absent from blacklist should pass, got %v", err)
	}
}

func TestCheckValidatorOverrides(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	if err := s.Define(Function, "greet", nil); err != nil {
		t.Fatalf("define: %v", err)
	}
	s.SetValidator(Function, func(name string) bool { return name == "test" })

	if err := s.Check(Function, "Test"); err != nil {
		t.Fatalf("validator accepted name denied: %v", err)
	}
	err := s.Check(Function, "greet")
	var perr *Error
	if !errors.As(err, &perr) || perr.Category != Function || perr.Kind != KindValidation {
		t.Fatalf("expected function validation error, got %v", err)
	}

	s.UnsetValidator(Function)
	if err := s.Check(Function, "greet"); err != nil {
		t.Fatalf("definition should pass once validator is removed, got %v", err)
	}
}

func TestCheckValidationDisabled(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	if err := s.Blacklist(Function, "exit"); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	if err := s.Options().Set(ValidateFlag(Function), false); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if err := s.Check(Function, "exit"); err != nil {
		t.Fatalf("disabled validation should allow, got %v", err)
	}
}

func TestDefineRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		category Category
		key      string
		value    any
	}{
		{"unnamed", Function, "  ", func() {}},
		{"function value", Function, "f", "not a func"},
		{"ambient value", Ambient, "_ENV", []string{"x"}},
		{"type target", Type, "A", 42},
		{"type target identifier", Class, "A", "not an ident"},
		{"pseudo constant", PseudoConstant, "__LINE__", struct{}{}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := NewStore(nil)
			err := s.Define(tc.category, tc.key, tc.value)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if errors.Is(err, ErrPolicy) {
				t.Fatalf("configuration error must not match ErrPolicy")
			}
		})
	}
}

func TestDefinitionKeepsSpelling(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	if err := s.Define(Class, "A", "B"); err != nil {
		t.Fatalf("define: %v", err)
	}
	d, ok := s.Definition(Class, "a")
	if !ok || d.Name != "A" || d.Value != "B" {
		t.Fatalf("unexpected definition %+v, %v", d, ok)
	}
	if defs := s.Definitions(Class); len(defs) != 1 {
		t.Fatalf("expected one definition, got %v", defs)
	}
	s.Undefine(Class, "A")
	if s.IsDefined(Class, "A") {
		t.Fatalf("definition not removed")
	}
}

func TestFilterAmbient(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	data := map[string]any{"HOME": "/root", "TOKEN": "secret", "PATH": "/bin"}

	if err := s.BlacklistAmbientKeys("_ENV", "token"); err != nil {
		t.Fatalf("blacklist keys: %v", err)
	}
	got := s.FilterAmbient("_env", data)
	if _, ok := got["TOKEN"]; ok || len(got) != 2 {
		t.Fatalf("blacklisted key leaked: %v", got)
	}

	if err := s.WhitelistAmbientKeys("_ENV", "HOME"); err != nil {
		t.Fatalf("whitelist keys: %v", err)
	}
	got = s.FilterAmbient("_ENV", data)
	if len(got) != 1 || got["HOME"] != "/root" {
		t.Fatalf("whitelist not applied: %v", got)
	}
	if len(data) != 3 {
		t.Fatalf("input map mutated")
	}

	white, black := s.AmbientKeys("_ENV")
	if len(white) != 1 || len(black) != 1 {
		t.Fatalf("unexpected key lists %v %v", white, black)
	}
	if bags := s.AmbientBags(); len(bags) != 1 || bags[0] != "_env" {
		t.Fatalf("unexpected bags %v", bags)
	}
}

func TestRegistryIsolation(t *testing.T) {
	t.Parallel()

	a, b := NewStore(nil), NewStore(nil)
	if err := a.Whitelist(Function, "strings.ToUpper"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	if !a.Allowed(Function, "strings.ToUpper") {
		t.Fatalf("expected first store to allow")
	}
	if b.Allowed(Function, "strings.ToUpper") {
		t.Fatalf("expected second store to deny")
	}
}

func TestEvaluateReport(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	if err := s.Whitelist(Function, "len"); err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	report := s.Evaluate(map[Category][]string{
		Function: {"len", "print"},
		Operator: {"+"},
	})
	if report.Passed || len(report.Decisions) != 3 || len(report.Violations) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !errors.Is(report.Err(), ErrPolicy) {
		t.Fatalf("expected report error to match ErrPolicy")
	}
}
