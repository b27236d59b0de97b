package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sameehj/gosandbox/internal/source"
)

// programState is the per-program state a nested include must not clobber.
type programState struct {
	imports   map[string]string
	namespace string
	program   *source.Program
	rewritten string
	assembled string
}

func (s *Sandbox) saveProgram() programState {
	return programState{
		imports:   s.store.Imports(),
		namespace: s.store.Namespace(),
		program:   s.program,
		rewritten: s.rewritten,
		assembled: s.assembled,
	}
}

func (s *Sandbox) restoreProgram(st programState) {
	s.store.ResetProgram()
	for alias, path := range st.imports {
		s.store.RecordImport(alias, path)
	}
	s.store.RecordNamespace(st.namespace)
	s.program = st.program
	s.rewritten = st.rewritten
	s.assembled = st.assembled
}

func (s *Sandbox) resolveInclude(path string) (string, error) {
	if !filepath.IsAbs(path) {
		dir := s.includeDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			dir = wd
		}
		path = filepath.Join(dir, path)
	}
	return filepath.Abs(path)
}

// include compiles and runs another script file under the same policy. It returns
// the included program's result, true when that result is nil, and false when an
// optional file is missing or was already included with once set.
func (s *Sandbox) include(ctx context.Context, path string, once, required, sandboxed bool) any {
	abs, err := s.resolveInclude(path)
	if err != nil {
		s.fail(fmt.Errorf("include %s: %w", path, err))
		return false
	}
	if once && s.includeCache[abs] {
		return true
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if required || !errors.Is(err, fs.ErrNotExist) {
			panic(fmt.Errorf("include %s: %w", path, err))
		}
		s.logWarn("include_missing", "path", abs)
		return false
	}
	if s.depth >= maxIncludeDepth {
		panic(fmt.Errorf("include %s: nesting deeper than %d", path, maxIncludeDepth))
	}

	saved := s.saveProgram()
	s.depth++
	defer func() {
		s.depth--
		s.restoreProgram(saved)
	}()

	s.store.ResetProgram()
	program, err := s.compile(abs, string(data), !sandboxed)
	if err != nil {
		panic(err)
	}
	s.includeCache[abs] = true
	s.logDebug("include", "path", abs, "sandboxed", sandboxed, "depth", s.depth)

	result, err := s.evaluate(ctx, program)
	if err != nil {
		var fault *Fault
		if errors.As(err, &fault) {
			panic(fault.Value)
		}
		panic(err)
	}
	if result == nil {
		return true
	}
	return result
}
