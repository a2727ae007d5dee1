package vocab

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed test_mappings.yaml
var defaultMappings []byte

// Definition is one canonical test in the controlled vocabulary.
type Definition struct {
	Key           string   `yaml:"-" json:"key"`
	CanonicalName string   `yaml:"canonical_name" json:"canonical_name"`
	LOINCCode     string   `yaml:"loinc_code" json:"loinc_code,omitempty"`
	Category      string   `yaml:"category" json:"category,omitempty"`
	Unit          string   `yaml:"unit" json:"unit,omitempty"`
	Aliases       []string `yaml:"aliases" json:"aliases,omitempty"`
}

// Vocabulary is read-only after construction.
type Vocabulary struct {
	defs map[string]Definition
	keys []string
}

type file struct {
	Mappings map[string]Definition `yaml:"mappings"`
}

func Default() *Vocabulary {
	v, err := Parse(defaultMappings)
	if err != nil {
		panic(fmt.Sprintf("embedded test mappings invalid: %v", err))
	}
	return v
}

func Load(path string) (*Vocabulary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary %s: %w", path, err)
	}
	v, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	return v, nil
}

// Parse rejects duplicate keys (yaml.v3 refuses repeated mapping keys) and
// aliases claimed by more than one key.
func Parse(data []byte) (*Vocabulary, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Mappings) == 0 {
		return nil, errors.New("no mappings defined")
	}
	v := &Vocabulary{defs: make(map[string]Definition, len(f.Mappings))}
	owner := map[string]string{}
	for key, def := range f.Mappings {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.New("empty mapping key")
		}
		def.Key = key
		if strings.TrimSpace(def.CanonicalName) == "" {
			def.CanonicalName = key
		}
		for _, name := range append([]string{key, def.CanonicalName}, def.Aliases...) {
			n := Fold(name)
			if n == "" {
				continue
			}
			if prev, ok := owner[n]; ok && prev != key {
				return nil, fmt.Errorf("alias %q claimed by both %s and %s", n, prev, key)
			}
			owner[n] = key
		}
		v.defs[key] = def
		v.keys = append(v.keys, key)
	}
	sort.Strings(v.keys)
	return v, nil
}

// Fold is the form names are compared in: NFKC so full-width and
// compatibility characters compare equal, lower-cased, whitespace collapsed.
func Fold(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (v *Vocabulary) Get(key string) (Definition, bool) {
	d, ok := v.defs[key]
	return d, ok
}

// Keys returns keys in sorted order.
func (v *Vocabulary) Keys() []string {
	out := make([]string, len(v.keys))
	copy(out, v.keys)
	return out
}

func (v *Vocabulary) Len() int { return len(v.keys) }

// ByCanonicalName finds a definition by its canonical name, ignoring case.
func (v *Vocabulary) ByCanonicalName(name string) (Definition, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, k := range v.keys {
		if strings.ToLower(v.defs[k].CanonicalName) == name {
			return v.defs[k], true
		}
	}
	return Definition{}, false
}
