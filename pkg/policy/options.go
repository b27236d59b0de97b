package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Flag names a boolean option. Per-category flags are derived from the category table.
type Flag string

const (
	AllowClosures          Flag = "allow_closures"
	AllowCasting           Flag = "allow_casting"
	AllowObjects           Flag = "allow_objects"
	AllowEscaping          Flag = "allow_escaping"
	AllowIncludes          Flag = "allow_includes"
	AllowReferences        Flag = "allow_references"
	AllowHalting           Flag = "allow_halting"
	AllowErrorSuppressing  Flag = "allow_error_suppressing"
	AllowGoroutines        Flag = "allow_goroutines"
	AllowShell             Flag = "allow_shell"
	SandboxIncludes        Flag = "sandbox_includes"
	SandboxStrings         Flag = "sandbox_strings"
	OverwriteDefinedFuncs  Flag = "overwrite_defined_funcs"
	OverwriteIntrospection Flag = "overwrite_introspection"
	OverwriteAmbient       Flag = "overwrite_ambient"
	AutoDefineVars         Flag = "auto_define_vars"
	AutoWhitelistTrusted   Flag = "auto_whitelist_trusted_code"
	CaptureOutput          Flag = "capture_output"
	ConvertErrors          Flag = "convert_errors"
	RestoreErrorLevel      Flag = "restore_error_level"
)

const (
	optionErrorLevel = "error_level"
	optionMaxOutput  = "max_output"
)

// ValidateFlag toggles resolver checks for c.
func ValidateFlag(c Category) Flag { return Flag("validate_" + c.Key()) }

var haltingFuncs = map[string]bool{
	"os.exit":        true,
	"runtime.goexit": true,
	"log.fatal":      true,
	"log.fatalf":     true,
	"log.fatalln":    true,
}

// Halts reports whether the qualified function name stops the program or the
// calling goroutine. Such calls also need allow_halting.
func Halts(name string) bool { return haltingFuncs[Normalize(Function, name)] }

// AllowFlag is the default capability of c, consulted when no list decides.
func AllowFlag(c Category) Flag { return Flag("allow_" + c.Key()) }

// AutoWhitelistFlag gates the guest-mode auto-whitelist pass for c.
func AutoWhitelistFlag(c Category) Flag { return Flag("auto_whitelist_" + c.Key()) }

var defaultAllow = [numCategories]bool{
	Variable:       true,
	Constant:       true,
	PseudoConstant: true,
	Keyword:        true,
	Operator:       true,
	Primitive:      true,
	Type:           true,
}

var defaultAutoWhitelist = [numCategories]bool{
	Function:  true,
	Global:    true,
	Constant:  true,
	Class:     true,
	Interface: true,
	Trait:     true,
}

var defaultBehaviour = map[Flag]bool{
	AllowClosures:          false,
	AllowCasting:           false,
	AllowObjects:           false,
	AllowEscaping:          false,
	AllowIncludes:          false,
	AllowReferences:        false,
	AllowHalting:           false,
	AllowErrorSuppressing:  false,
	AllowGoroutines:        false,
	AllowShell:             false,
	SandboxIncludes:        true,
	SandboxStrings:         true,
	OverwriteDefinedFuncs:  true,
	OverwriteIntrospection: true,
	OverwriteAmbient:       true,
	AutoDefineVars:         true,
	AutoWhitelistTrusted:   true,
	CaptureOutput:          false,
	ConvertErrors:          false,
	RestoreErrorLevel:      true,
}

func defaultFlags() map[Flag]bool {
	flags := make(map[Flag]bool, len(defaultBehaviour)+3*int(numCategories))
	for f, v := range defaultBehaviour {
		flags[f] = v
	}
	for c := Category(0); c < numCategories; c++ {
		flags[ValidateFlag(c)] = true
		flags[AllowFlag(c)] = defaultAllow[c]
		flags[AutoWhitelistFlag(c)] = defaultAutoWhitelist[c]
	}
	return flags
}

// Options holds the boolean flags plus the diagnostic level and output cap of a sandbox.
type Options struct {
	flags map[Flag]bool

	errorLevel    slog.Level
	hasErrorLevel bool
	maxOutput     int
}

// NewOptions returns options populated with defaults.
func NewOptions() *Options {
	return &Options{flags: defaultFlags()}
}

// Enabled reports the value of f. Unknown flags are false.
func (o *Options) Enabled(f Flag) bool {
	return o.flags[f]
}

// Set assigns f. Unknown flags are rejected so typos in documents surface early.
func (o *Options) Set(f Flag, v bool) error {
	if _, ok := o.flags[f]; !ok {
		return fmt.Errorf("unknown option %q", f)
	}
	o.flags[f] = v
	return nil
}

func (o *Options) Validates(c Category) bool      { return o.flags[ValidateFlag(c)] }
func (o *Options) Allows(c Category) bool         { return o.flags[AllowFlag(c)] }
func (o *Options) AutoWhitelists(c Category) bool { return o.flags[AutoWhitelistFlag(c)] }

// SetErrorLevel narrows the sandbox diagnostic level for the duration of each execution.
func (o *Options) SetErrorLevel(level slog.Level) {
	o.errorLevel = level
	o.hasErrorLevel = true
}

// ClearErrorLevel leaves the diagnostic level untouched during execution.
func (o *Options) ClearErrorLevel() {
	o.hasErrorLevel = false
}

// ErrorLevel returns the configured level, if any.
func (o *Options) ErrorLevel() (slog.Level, bool) {
	return o.errorLevel, o.hasErrorLevel
}

// SetMaxOutput caps captured output in bytes; zero or less means unlimited.
func (o *Options) SetMaxOutput(n int) {
	o.maxOutput = n
}

func (o *Options) MaxOutput() int {
	return o.maxOutput
}

// Flags returns every known flag name in sorted order.
func (o *Options) Flags() []Flag {
	out := make([]Flag, 0, len(o.flags))
	for f := range o.flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetOption assigns an option by name from a loosely typed value, as found in
// interchange documents and CLI flags.
func (o *Options) SetOption(name string, value any) error {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case optionErrorLevel:
		if value == nil {
			o.ClearErrorLevel()
			return nil
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(fmt.Sprint(value))); err != nil {
			return fmt.Errorf("option %s: %w", name, err)
		}
		o.SetErrorLevel(level)
		return nil
	case optionMaxOutput:
		n, err := toInt(value)
		if err != nil {
			return fmt.Errorf("option %s: %w", name, err)
		}
		o.SetMaxOutput(n)
		return nil
	}
	b, err := toBool(value)
	if err != nil {
		return fmt.Errorf("option %s: %w", name, err)
	}
	return o.Set(Flag(name), b)
}

// Export returns every option keyed by name.
func (o *Options) Export() map[string]any {
	out := make(map[string]any, len(o.flags)+2)
	for f, v := range o.flags {
		out[string(f)] = v
	}
	if level, ok := o.ErrorLevel(); ok {
		out[optionErrorLevel] = level.String()
	}
	if o.maxOutput > 0 {
		out[optionMaxOutput] = o.maxOutput
	}
	return out
}

// Clone returns an independent copy.
func (o *Options) Clone() *Options {
	cp := *o
	cp.flags = make(map[Flag]bool, len(o.flags))
	for f, v := range o.flags {
		cp.flags[f] = v
	}
	return &cp
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	case int:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case float64:
		return t != 0, nil
	default:
		return false, fmt.Errorf("expected bool, got %T", v)
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}
