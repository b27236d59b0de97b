package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sameehj/gosandbox/pkg/policy"
)

// Section selects the parts of a Document that Import applies.
type Section uint

const (
	SectionOptions Section = 1 << iota
	SectionDefinitions
	SectionWhitelist
	SectionBlacklist
	SectionTrusted
	SectionCode

	SectionAll = SectionOptions | SectionDefinitions | SectionWhitelist |
		SectionBlacklist | SectionTrusted | SectionCode
)

const ambientPrefix = "ambient."

// Document is the interchange form of a sandbox configuration. List and
// definition maps are keyed by category key ("functions", "classes"), with
// per-bag ambient key lists under "ambient.<bag>".
type Document struct {
	Options     map[string]any            `yaml:"options,omitempty" json:"options,omitempty"`
	Definitions map[string]map[string]any `yaml:"definitions,omitempty" json:"definitions,omitempty"`
	Whitelist   map[string][]string       `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	Blacklist   map[string][]string       `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`
	Prepend     []string                  `yaml:"prepend,omitempty" json:"prepend,omitempty"`
	Append      []string                  `yaml:"append,omitempty" json:"append,omitempty"`
	Code        string                    `yaml:"code,omitempty" json:"code,omitempty"`
}

// ParseDocument decodes YAML, which includes JSON.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &doc, nil
}

func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return ParseDocument(data)
}

// Save writes the document as JSON when path ends in .json and as YAML otherwise.
func (d *Document) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(d, "", "  ")
	} else {
		data, err = yaml.Marshal(d)
	}
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Export captures the sandbox configuration. Function definitions are exported by
// name only and validators are not exported.
func (s *Sandbox) Export() *Document {
	doc := &Document{
		Options:     s.store.Options().Export(),
		Definitions: map[string]map[string]any{},
		Whitelist:   map[string][]string{},
		Blacklist:   map[string][]string{},
		Code:        s.code,
	}
	for _, c := range policy.Categories() {
		if defs := s.store.Definitions(c); len(defs) > 0 {
			m := make(map[string]any, len(defs))
			for _, def := range defs {
				if c == policy.Function {
					m[def.Name] = nil
					continue
				}
				m[def.Name] = def.Value
			}
			doc.Definitions[c.Key()] = m
		}
		if names := s.store.Whitelisted(c); len(names) > 0 {
			doc.Whitelist[c.Key()] = names
		}
		if names := s.store.Blacklisted(c); len(names) > 0 {
			doc.Blacklist[c.Key()] = names
		}
	}
	for _, bag := range s.store.AmbientBags() {
		white, black := s.store.AmbientKeys(bag)
		if len(white) > 0 {
			doc.Whitelist[ambientPrefix+bag] = white
		}
		if len(black) > 0 {
			doc.Blacklist[ambientPrefix+bag] = black
		}
	}
	for _, t := range s.prepended {
		doc.Prepend = append(doc.Prepend, t.text)
	}
	for _, t := range s.appended {
		doc.Append = append(doc.Append, t.text)
	}
	return doc
}

// Import applies the selected sections of doc on top of the current configuration.
func (s *Sandbox) Import(doc *Document, sections Section) error {
	if doc == nil {
		return nil
	}
	if sections&SectionOptions != 0 {
		for _, name := range sortedNames(doc.Options) {
			if err := s.store.Options().SetOption(name, doc.Options[name]); err != nil {
				return err
			}
		}
	}
	if sections&SectionDefinitions != 0 {
		for _, key := range sortedNames(doc.Definitions) {
			c, err := policy.ParseCategory(key)
			if err != nil {
				return fmt.Errorf("definitions: %w", err)
			}
			defs := doc.Definitions[key]
			for _, name := range sortedNames(defs) {
				if err := s.store.Define(c, name, defs[name]); err != nil {
					return err
				}
			}
		}
	}
	if sections&SectionWhitelist != 0 {
		if err := s.importList(doc.Whitelist, s.store.Whitelist, s.store.WhitelistAmbientKeys); err != nil {
			return fmt.Errorf("whitelist: %w", err)
		}
	}
	if sections&SectionBlacklist != 0 {
		if err := s.importList(doc.Blacklist, s.store.Blacklist, s.store.BlacklistAmbientKeys); err != nil {
			return fmt.Errorf("blacklist: %w", err)
		}
	}
	if sections&SectionTrusted != 0 {
		for _, text := range doc.Prepend {
			if err := s.Prepend(text); err != nil {
				return err
			}
		}
		for _, text := range doc.Append {
			if err := s.Append(text); err != nil {
				return err
			}
		}
	}
	if sections&SectionCode != 0 && doc.Code != "" {
		s.code = doc.Code
		s.prepared = false
	}
	return nil
}

// LoadCode sets the code an empty Prepare or Execute runs.
func (s *Sandbox) LoadCode(code string) {
	s.code = code
	s.prepared = false
}

func (s *Sandbox) importList(lists map[string][]string,
	add func(policy.Category, ...string) error,
	addKeys func(string, ...string) error,
) error {
	for _, key := range sortedNames(lists) {
		if bag, ok := strings.CutPrefix(key, ambientPrefix); ok {
			if err := addKeys(bag, lists[key]...); err != nil {
				return err
			}
			continue
		}
		c, err := policy.ParseCategory(key)
		if err != nil {
			return err
		}
		if err := add(c, lists[key]...); err != nil {
			return err
		}
	}
	return nil
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
