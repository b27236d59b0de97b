package policy

import (
	"go/token"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Validator is a host-supplied verdict for a normalized name. It overrides every list.
type Validator func(name string) bool

// Definition is a host override for a name. Name keeps the spelling the host used.
type Definition struct {
	Category Category
	Name     string
	Value    any
}

// Bound reports whether a function definition carries an implementation. Definitions
// imported from a document by name only are declared but unbound.
func (d Definition) Bound() bool {
	return d.Value != nil
}

type entries struct {
	defs      map[string]Definition
	white     map[string]struct{}
	black     map[string]struct{}
	validator Validator
}

func newEntries() *entries {
	return &entries{
		defs:  make(map[string]Definition),
		white: make(map[string]struct{}),
		black: make(map[string]struct{}),
	}
}

// Store holds the per-category policy of one sandbox together with its options.
type Store struct {
	mu   sync.RWMutex
	opts *Options
	cat  [numCategories]*entries

	ambientWhite map[string]map[string]struct{}
	ambientBlack map[string]map[string]struct{}

	imports   map[string]string
	namespace string
}

// NewStore returns an empty store. A nil opts means defaults.
func NewStore(opts *Options) *Store {
	if opts == nil {
		opts = NewOptions()
	}
	s := &Store{
		opts:         opts,
		ambientWhite: make(map[string]map[string]struct{}),
		ambientBlack: make(map[string]map[string]struct{}),
		imports:      make(map[string]string),
	}
	for c := range s.cat {
		s.cat[c] = newEntries()
	}
	return s
}

// Options returns the live options the store consults.
func (s *Store) Options() *Options {
	return s.opts
}

func (s *Store) lookup(c Category) (*entries, error) {
	if !c.valid() {
		return nil, configError(c, "", "unknown category")
	}
	return s.cat[c], nil
}

// Define installs an override for name. The value must fit the category.
func (s *Store) Define(c Category, name string, value any) error {
	l, err := s.lookup(c)
	if err != nil {
		return err
	}
	key := Normalize(c, name)
	if key == "" {
		return configError(c, name, "definition has no name")
	}
	value, err = checkDefinition(c, name, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	l.defs[key] = Definition{Category: c, Name: strings.TrimSpace(name), Value: value}
	s.mu.Unlock()
	return nil
}

func checkDefinition(c Category, name string, value any) (any, error) {
	switch c {
	case Function:
		if value != nil && reflect.TypeOf(value).Kind() != reflect.Func {
			return nil, configError(c, name, "definition must be a function")
		}
	case Ambient:
		if value == nil {
			return nil, nil
		}
		rt := reflect.TypeOf(value)
		if rt.Kind() != reflect.Map || rt.Key().Kind() != reflect.String {
			return nil, configError(c, name, "definition must be a map keyed by string")
		}
	case Class, Interface, Trait, Type:
		if value == nil {
			return nil, nil
		}
		target, ok := value.(string)
		if !ok || !token.IsIdentifier(strings.TrimSpace(target)) {
			return nil, configError(c, name, "definition must name a type")
		}
		return strings.TrimSpace(target), nil
	case PseudoConstant:
		if !isBasicValue(value) {
			return nil, configError(c, name, "definition must be a basic literal value")
		}
	case Variable, Global, Constant:
	default:
		return nil, nil
	}
	return value, nil
}

func isBasicValue(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Undefine removes definitions. Unknown names are ignored.
func (s *Store) Undefine(c Category, names ...string) {
	l, err := s.lookup(c)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(l.defs, Normalize(c, name))
	}
}

// Definition looks up the override for name.
func (s *Store) Definition(c Category, name string) (Definition, bool) {
	l, err := s.lookup(c)
	if err != nil {
		return Definition{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := l.defs[Normalize(c, name)]
	return d, ok
}

func (s *Store) IsDefined(c Category, name string) bool {
	_, ok := s.Definition(c, name)
	return ok
}

// Definitions returns the definitions of c ordered by normalized name.
func (s *Store) Definitions(c Category) []Definition {
	l, err := s.lookup(c)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(l.defs))
	for k := range l.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Definition, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.defs[k])
	}
	return out
}

func (s *Store) addNames(c Category, set func(*entries) map[string]struct{}, names []string) error {
	l, err := s.lookup(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		key := Normalize(c, name)
		if key == "" {
			return configError(c, name, "list entry has no name")
		}
		set(l)[key] = struct{}{}
	}
	return nil
}

func (s *Store) removeNames(c Category, set func(*entries) map[string]struct{}, names []string) {
	l, err := s.lookup(c)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(set(l), Normalize(c, name))
	}
}

func (s *Store) names(c Category, set func(*entries) map[string]struct{}) []string {
	l, err := s.lookup(c)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(set(l)))
	for k := range set(l) {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func whiteSet(l *entries) map[string]struct{} { return l.white }
func blackSet(l *entries) map[string]struct{} { return l.black }

func (s *Store) Whitelist(c Category, names ...string) error {
	return s.addNames(c, whiteSet, names)
}

func (s *Store) Dewhitelist(c Category, names ...string) {
	s.removeNames(c, whiteSet, names)
}

func (s *Store) Blacklist(c Category, names ...string) error {
	return s.addNames(c, blackSet, names)
}

func (s *Store) Deblacklist(c Category, names ...string) {
	s.removeNames(c, blackSet, names)
}

// Whitelisted returns the normalized whitelist of c in sorted order.
func (s *Store) Whitelisted(c Category) []string {
	return s.names(c, whiteSet)
}

// Blacklisted returns the normalized blacklist of c in sorted order.
func (s *Store) Blacklisted(c Category) []string {
	return s.names(c, blackSet)
}

func (s *Store) IsWhitelisted(c Category, name string) bool {
	return s.member(c, whiteSet, name)
}

func (s *Store) IsBlacklisted(c Category, name string) bool {
	return s.member(c, blackSet, name)
}

func (s *Store) member(c Category, set func(*entries) map[string]struct{}, name string) bool {
	l, err := s.lookup(c)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := set(l)[Normalize(c, name)]
	return ok
}

// HasBlacklist reports whether c carries a non-empty blacklist.
func (s *Store) HasBlacklist(c Category) bool {
	l, err := s.lookup(c)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(l.black) > 0
}

func (s *Store) SetValidator(c Category, fn Validator) {
	l, err := s.lookup(c)
	if err != nil {
		return
	}
	s.mu.Lock()
	l.validator = fn
	s.mu.Unlock()
}

func (s *Store) UnsetValidator(c Category) {
	s.SetValidator(c, nil)
}

func (s *Store) HasValidator(c Category) bool {
	l, err := s.lookup(c)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return l.validator != nil
}

// Check decides whether name is permitted in c. A nil error means allowed.
func (s *Store) Check(c Category, name string) error {
	l, err := s.lookup(c)
	if err != nil {
		return err
	}
	if !s.opts.Validates(c) {
		return nil
	}
	key := Normalize(c, name)
	if key == "" {
		return Denied(c, name, "empty name")
	}

	s.mu.RLock()
	validator := l.validator
	_, defined := l.defs[key]
	_, white := l.white[key]
	_, black := l.black[key]
	hasWhite, hasBlack := len(l.white) > 0, len(l.black) > 0
	s.mu.RUnlock()

	switch {
	case validator != nil:
		if validator(key) {
			return nil
		}
		return &Error{Kind: KindValidation, Category: c, Name: name, Reason: "rejected by validator"}
	case defined:
		return nil
	case hasWhite:
		if white {
			return nil
		}
		return &Error{Kind: KindWhitelist, Category: c, Name: name, Reason: "not whitelisted"}
	case hasBlack:
		if !black {
			return nil
		}
		return &Error{Kind: KindBlacklist, Category: c, Name: name, Reason: "blacklisted"}
	case s.opts.Allows(c):
		return nil
	default:
		return &Error{Kind: KindValidation, Category: c, Name: name, Reason: "not allowed"}
	}
}

// Allowed is Check reduced to a boolean.
func (s *Store) Allowed(c Category, name string) bool {
	return s.Check(c, name) == nil
}

func ambientKey(key string) string {
	return strings.ToLower(stripSpace(key))
}

func (s *Store) addAmbient(sets map[string]map[string]struct{}, bag string, keys []string) error {
	b := Normalize(Ambient, bag)
	if b == "" {
		return configError(Ambient, bag, "ambient bag has no name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := sets[b]
	if set == nil {
		set = make(map[string]struct{})
		sets[b] = set
	}
	for _, k := range keys {
		k = ambientKey(k)
		if k == "" {
			return configError(Ambient, bag, "ambient key has no name")
		}
		set[k] = struct{}{}
	}
	return nil
}

func (s *Store) removeAmbient(sets map[string]map[string]struct{}, bag string, keys []string) {
	b := Normalize(Ambient, bag)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := sets[b]
	for _, k := range keys {
		delete(set, ambientKey(k))
	}
	if len(set) == 0 {
		delete(sets, b)
	}
}

// WhitelistAmbientKeys restricts bag to the given keys.
func (s *Store) WhitelistAmbientKeys(bag string, keys ...string) error {
	return s.addAmbient(s.ambientWhite, bag, keys)
}

func (s *Store) DewhitelistAmbientKeys(bag string, keys ...string) {
	s.removeAmbient(s.ambientWhite, bag, keys)
}

// BlacklistAmbientKeys hides the given keys of bag; ignored while the bag has a key whitelist.
func (s *Store) BlacklistAmbientKeys(bag string, keys ...string) error {
	return s.addAmbient(s.ambientBlack, bag, keys)
}

func (s *Store) DeblacklistAmbientKeys(bag string, keys ...string) {
	s.removeAmbient(s.ambientBlack, bag, keys)
}

// AmbientKeys returns the key whitelist and blacklist of bag.
func (s *Store) AmbientKeys(bag string) (white, black []string) {
	b := Normalize(Ambient, bag)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.ambientWhite[b]), sortedKeys(s.ambientBlack[b])
}

// AmbientBags returns every bag that carries a key list.
func (s *Store) AmbientBags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.ambientWhite)+len(s.ambientBlack))
	for b := range s.ambientWhite {
		seen[b] = struct{}{}
	}
	for b := range s.ambientBlack {
		seen[b] = struct{}{}
	}
	return sortedKeys(seen)
}

// AmbientVisible reports whether key of bag survives the per-key filter.
func (s *Store) AmbientVisible(bag, key string) bool {
	b := Normalize(Ambient, bag)
	k := ambientKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if white := s.ambientWhite[b]; len(white) > 0 {
		_, ok := white[k]
		return ok
	}
	_, hidden := s.ambientBlack[b][k]
	return !hidden
}

// FilterAmbient returns the visible subset of data. The input map is not modified.
func (s *Store) FilterAmbient(bag string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s.AmbientVisible(bag, k) {
			out[k] = v
		}
	}
	return out
}

// RecordImport notes an import hoisted out of the guest program.
func (s *Store) RecordImport(alias, path string) {
	s.mu.Lock()
	s.imports[alias] = path
	s.mu.Unlock()
}

// Imports returns alias -> import path for the current program.
func (s *Store) Imports() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.imports))
	for k, v := range s.imports {
		out[k] = v
	}
	return out
}

// ResetProgram forgets the imports and namespace recorded for the previous program.
func (s *Store) ResetProgram() {
	s.mu.Lock()
	s.imports = make(map[string]string)
	s.namespace = ""
	s.mu.Unlock()
}

func (s *Store) RecordNamespace(name string) {
	s.mu.Lock()
	s.namespace = name
	s.mu.Unlock()
}

func (s *Store) Namespace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespace
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
