// Package ruleset resolves human style names to canonical styles and
// renderer style identifiers. The ruleset is loaded once and read-only
// after load.
package ruleset

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"docrelay/internal/ir"
)

// Ruleset models styles.yml.
type Ruleset struct {
	Version int                 `yaml:"version"`
	Styles  map[string][]string `yaml:"styles"`
	Phrases map[string][]string `yaml:"phrases"`

	aliasIndex map[string]string
}

// Renderer style ids for canonical styles.
var styleIDs = map[string]string{
	ir.ListBullet: "a",
}

// Renderer style ids keyed by the raw human style name.
var nameToID = map[string]string{
	"маркированный список": "a",
}

// Load reads a ruleset from path, falling back to the built-in default
// when path is empty.
func Load(path string) (*Ruleset, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses and validates a ruleset from raw YAML bytes.
func FromYAML(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("invalid ruleset yaml: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	rs.buildIndex()
	return &rs, nil
}

// Default returns the built-in ruleset.
func Default() *Ruleset {
	rs, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return rs
}

// Validate ensures the ruleset meets required structure.
func (r *Ruleset) Validate() error {
	if r.Version == 0 {
		return fmt.Errorf("ruleset.version is required")
	}
	if len(r.Styles) == 0 {
		return fmt.Errorf("ruleset.styles is required")
	}
	for canonical, aliases := range r.Styles {
		if canonical == "" {
			return fmt.Errorf("ruleset.styles contains empty canonical name")
		}
		for _, a := range aliases {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("style %s has empty alias", canonical)
			}
		}
	}
	return nil
}

func (r *Ruleset) buildIndex() {
	r.aliasIndex = map[string]string{}
	for canonical, aliases := range r.Styles {
		r.aliasIndex[strings.ToLower(canonical)] = canonical
		for _, a := range aliases {
			r.aliasIndex[strings.ToLower(strings.TrimSpace(a))] = canonical
		}
	}
}

// Resolve maps a human style name to a canonical style. Exact alias
// match wins; substring heuristics are the deliberate fallback for
// malformed hints. Returns "" when nothing matches.
func (r *Ruleset) Resolve(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return ""
	}
	if canonical, ok := r.aliasIndex[h]; ok {
		return canonical
	}
	if strings.Contains(h, "маркирован") || strings.Contains(h, "bullet") {
		return ir.ListBullet
	}
	if strings.Contains(h, "нумерован") || strings.Contains(h, "number") {
		return ir.ListNumber
	}
	return ""
}

// StyleID returns the renderer style id for a canonical style, or "".
func StyleID(canonical string) string {
	return styleIDs[canonical]
}

// StyleIDForName returns the renderer style id for a raw human style
// name, or "".
func StyleIDForName(name string) string {
	return nameToID[strings.ToLower(strings.TrimSpace(name))]
}

const defaultTemplate = `version: 1

styles:
  ListBullet:
    - маркированный список
    - маркированный
    - bulleted list
    - bullet list
    - list bullet
  ListNumber:
    - нумерованный список
    - нумерованный
    - numbered list
    - number list
    - list number

phrases:
  insert_paragraph:
    - вставь абзац
    - добавь абзац
    - insert paragraph
  make_list:
    - сделай список
    - преврати в список
    - make a list
`
