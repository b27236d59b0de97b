// Package sandbox runs untrusted Go scripts in-process under a per-category policy.
//
// A Sandbox parses a guest script, checks every construct against its policy
// store, rewrites host access into mediated calls and executes the assembled
// program with an embedded interpreter.
package sandbox

import (
	"fmt"
	"go/token"
	"io"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sameehj/gosandbox/internal/source"
	"github.com/sameehj/gosandbox/internal/symbols"
	"github.com/sameehj/gosandbox/internal/transform"
	"github.com/sameehj/gosandbox/pkg/env"
	"github.com/sameehj/gosandbox/pkg/guard"
	"github.com/sameehj/gosandbox/pkg/policy"
	"github.com/sameehj/gosandbox/pkg/version"
)

// ErrorHandler receives faults recovered from guest code. Returning nil swallows the fault.
type ErrorHandler func(f *Fault, s *Sandbox) error

// ExceptionHandler receives errors that end an execution. Returning nil swallows the error.
type ExceptionHandler func(err error, s *Sandbox) error

// ValidationErrorHandler receives policy denials. Returning nil swallows the denial and
// lets validation continue.
type ValidationErrorHandler func(err *policy.Error, s *Sandbox) error

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = logger }
}

// WithLevel shares the level variable that execution narrows when error_level is set.
func WithLevel(level *slog.LevelVar) Option {
	return func(s *Sandbox) {
		if level != nil {
			s.level = level
		}
	}
}

// WithName names the sandbox in logs and the _SERVER bag.
func WithName(name string) Option {
	return func(s *Sandbox) { s.name = name }
}

// WithStdout sets where guest output goes when it is not captured.
func WithStdout(w io.Writer) Option {
	return func(s *Sandbox) { s.stdout = w }
}

// WithStderr sets the interpreter's standard error.
func WithStderr(w io.Writer) Option {
	return func(s *Sandbox) { s.stderr = w }
}

// WithEnv replaces the process environment as the source of the _ENV bag.
func WithEnv(vars map[string]string) Option {
	return func(s *Sandbox) {
		s.env = make(map[string]string, len(vars))
		for k, v := range vars {
			s.env[k] = v
		}
	}
}

// WithEnvFiles adds .env files to the _ENV bag. Variables already present win.
func WithEnvFiles(paths ...string) Option {
	return func(s *Sandbox) { s.envFiles = append(s.envFiles, paths...) }
}

// WithIncludeDir sets the directory relative include paths are resolved against.
func WithIncludeDir(dir string) Option {
	return func(s *Sandbox) { s.includeDir = dir }
}

// WithOptions replaces the default policy options.
func WithOptions(opts *policy.Options) Option {
	return func(s *Sandbox) {
		if opts != nil {
			s.store = policy.NewStore(opts)
		}
	}
}

type trusted struct {
	name string
	text string
}

// Sandbox is one policy context. A Sandbox is not safe for concurrent use; the
// process registry it joins is.
type Sandbox struct {
	token string
	name  string
	store *policy.Store
	fset  *token.FileSet

	logger *slog.Logger
	level  *slog.LevelVar
	stdout io.Writer
	stderr io.Writer

	env        map[string]string
	envFiles   []string
	envOnce    sync.Once
	envData    map[string]any
	includeDir string

	prepended []trusted
	appended  []trusted
	code      string

	errorHandler      ErrorHandler
	exceptionHandler  ExceptionHandler
	validationHandler ValidationErrorHandler

	lastFault      *Fault
	lastException  error
	lastValidation *policy.Error

	program      *source.Program
	rewritten    string
	assembled    string
	prepared     bool
	registered   bool
	closed       bool
	prepareTime  time.Duration
	executeTime  time.Duration
	output       *limitedBuffer
	currentOut   io.Writer
	includeCache map[string]bool
	depth        int
}

// New returns a sandbox with default options and an empty policy.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		token:        newToken(),
		store:        policy.NewStore(nil),
		fset:         token.NewFileSet(),
		level:        new(slog.LevelVar),
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		includeCache: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = newName()
	}
	s.currentOut = s.stdout
	return s
}

// Token is the identity mediated call sites present. Treat it as a secret.
func (s *Sandbox) Token() string { return s.token }

func (s *Sandbox) Name() string { return s.name }

// Store exposes the full policy API.
func (s *Sandbox) Store() *policy.Store { return s.store }

func (s *Sandbox) Options() *policy.Options { return s.store.Options() }

// Level is the diagnostic level variable narrowed during execution.
func (s *Sandbox) Level() *slog.LevelVar { return s.level }

// SetOption sets a flag, error_level or max_output by name.
func (s *Sandbox) SetOption(name string, value any) error {
	return s.store.Options().SetOption(name, value)
}

func (s *Sandbox) Define(c policy.Category, name string, value any) error {
	return s.store.Define(c, name, value)
}

func (s *Sandbox) Undefine(c policy.Category, names ...string) {
	s.store.Undefine(c, names...)
}

func (s *Sandbox) Whitelist(c policy.Category, names ...string) error {
	return s.store.Whitelist(c, names...)
}

func (s *Sandbox) Dewhitelist(c policy.Category, names ...string) {
	s.store.Dewhitelist(c, names...)
}

func (s *Sandbox) Blacklist(c policy.Category, names ...string) error {
	return s.store.Blacklist(c, names...)
}

func (s *Sandbox) Deblacklist(c policy.Category, names ...string) {
	s.store.Deblacklist(c, names...)
}

// SetValidator installs fn as the sole judge of category c.
func (s *Sandbox) SetValidator(c policy.Category, fn func(name string, s *Sandbox) bool) {
	s.store.SetValidator(c, func(name string) bool { return fn(name, s) })
}

func (s *Sandbox) UnsetValidator(c policy.Category) {
	s.store.UnsetValidator(c)
}

func (s *Sandbox) SetErrorHandler(h ErrorHandler)                     { s.errorHandler = h }
func (s *Sandbox) SetExceptionHandler(h ExceptionHandler)             { s.exceptionHandler = h }
func (s *Sandbox) SetValidationErrorHandler(h ValidationErrorHandler) { s.validationHandler = h }

// LastFault is the most recent fault, kept even when a handler swallowed it.
func (s *Sandbox) LastFault() *Fault { return s.lastFault }

// LastException is the most recent error that ended an execution.
func (s *Sandbox) LastException() error { return s.lastException }

// LastValidationError is the most recent policy denial.
func (s *Sandbox) LastValidationError() *policy.Error { return s.lastValidation }

// Prepend adds trusted code that runs before the guest program.
func (s *Sandbox) Prepend(text string) error {
	return s.addTrusted(&s.prepended, "prepend", text)
}

// Append adds trusted code that runs after the guest program.
func (s *Sandbox) Append(text string) error {
	return s.addTrusted(&s.appended, "append", text)
}

// ClearTrusted drops all prepended and appended code.
func (s *Sandbox) ClearTrusted() {
	s.prepended, s.appended = nil, nil
}

func (s *Sandbox) addTrusted(list *[]trusted, kind, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	name := fmt.Sprintf("%s#%d", kind, len(*list)+1)
	prog, err := source.Parse(s.fset, name, text)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	if s.store.Options().Enabled(policy.AutoWhitelistTrusted) {
		if err := transform.WhitelistTrusted(s.store, prog); err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
	}
	*list = append(*list, trusted{name: name, text: text})
	s.logDebug("trusted_code_added", "kind", kind, "bytes", len(text))
	return nil
}

// Close removes the sandbox from the process registry. Mediated calls from any
// program it prepared fail afterwards.
func (s *Sandbox) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	processRegistry.remove(s.token)
	s.logDebug("sandbox_closed")
	return nil
}

// Check implements guard.Dispatcher.
func (s *Sandbox) Check(c policy.Category, name string) error {
	return s.store.Check(c, name)
}

func (s *Sandbox) Definition(c policy.Category, name string) (policy.Definition, bool) {
	return s.store.Definition(c, name)
}

func (s *Sandbox) Definitions(c policy.Category) []policy.Definition {
	return s.store.Definitions(c)
}

// Qualify rewrites an alias-qualified function name into its import path form using
// the current program's imports, then the unique stdlib package of that name.
func (s *Sandbox) Qualify(name string) string {
	base := strings.LastIndex(name, "/") + 1
	dot := strings.Index(name[base:], ".")
	if dot < 0 || base > 0 {
		return name
	}
	alias, rest := name[:dot], name[dot+1:]
	if path, ok := s.store.Imports()[alias]; ok {
		return path + "." + rest
	}
	if symbols.HasPackage(alias) {
		return name
	}
	if paths := symbols.Paths(alias); len(paths) == 1 {
		return paths[0] + "." + rest
	}
	return name
}

// Stdout is where guest output currently goes.
func (s *Sandbox) Stdout() io.Writer { return s.currentOut }

// Ambient returns the filtered contents of bag.
func (s *Sandbox) Ambient(bag string) map[string]any {
	return s.store.FilterAmbient(bag, s.ambientData(bag))
}

func (s *Sandbox) ambientData(bag string) map[string]any {
	if def, ok := s.store.Definition(policy.Ambient, bag); ok && def.Value != nil {
		return toAnyMap(def.Value)
	}
	switch policy.Normalize(policy.Ambient, bag) {
	case policy.Normalize(policy.Ambient, guard.EnvBag):
		return s.environment()
	case policy.Normalize(policy.Ambient, serverBag):
		return s.server()
	}
	return map[string]any{}
}

const serverBag = "_SERVER"

func (s *Sandbox) environment() map[string]any {
	s.envOnce.Do(func() {
		vars := s.env
		if vars == nil {
			vars = make(map[string]string)
			for _, kv := range os.Environ() {
				if k, v, ok := strings.Cut(kv, "="); ok {
					vars[k] = v
				}
			}
		}
		data := make(map[string]any, len(vars))
		for k, v := range vars {
			data[k] = v
		}
		for _, path := range s.envFiles {
			file, err := env.Parse(path)
			if err != nil {
				s.logWarn("env_file_failed", "path", path, "error", err)
				continue
			}
			for k, v := range file {
				if _, exists := data[k]; !exists {
					data[k] = v
				}
			}
		}
		s.envData = data
	})
	out := make(map[string]any, len(s.envData))
	for k, v := range s.envData {
		out[k] = v
	}
	return out
}

func (s *Sandbox) server() map[string]any {
	host, _ := os.Hostname()
	script := ""
	if s.program != nil {
		script = s.program.Name
	}
	return map[string]any{
		"SANDBOX_NAME":    s.name,
		"SANDBOX_VERSION": version.Version,
		"SCRIPT_NAME":     script,
		"GO_VERSION":      runtime.Version(),
		"GOOS":            runtime.GOOS,
		"GOARCH":          runtime.GOARCH,
		"HOSTNAME":        host,
		"PID":             os.Getpid(),
		"REQUEST_TIME":    time.Now().Unix(),
	}
}

// environ renders the filtered _ENV bag as KEY=value pairs for the interpreter.
func (s *Sandbox) environ() []string {
	return guard.Environ(s)
}

func toAnyMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out
	}
	rv := reflect.ValueOf(v)
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out
}

func (s *Sandbox) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, append(args, "sandbox", s.name)...)
	}
}

func (s *Sandbox) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, append(args, "sandbox", s.name)...)
	}
}

func (s *Sandbox) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, append(args, "sandbox", s.name)...)
	}
}

var _ guard.Dispatcher = (*Sandbox)(nil)
