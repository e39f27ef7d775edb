// Package extract turns model output into a validated instruction
// program. Input ranges from clean JSON to prose with an embedded
// object to plain text, and extraction never fails hard: when no
// program can be recovered the text itself is synthesized into one.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"docrelay/internal/ir"
	"docrelay/internal/ruleset"
)

// Extraction sources, most to least structured.
const (
	SourceRawDocOps      = "raw_docops"
	SourceJSONInText     = "json_in_text"
	SourceSynthesized    = "synthesized"
	SourcePlainTextEmpty = "plain_text_empty"
)

// Result is the outcome of a single extraction.
type Result struct {
	Valid      bool
	Source     string
	Normalized bool
	Program    ir.Program
	Err        string
}

var (
	fenceRe      = regexp.MustCompile("(?s)```(?:docops|json)?\\s*(.*?)```")
	wholeFenceRe = regexp.MustCompile("(?s)^```(?:docops|json)?\\s*(.*?)\\s*```$")
	bulletRe     = regexp.MustCompile(`^\s*([-–—•*])\s+(.*\S)\s*$`)
	paraRe       = regexp.MustCompile(`\n{2,}`)
)

// FromText extracts a program from raw model output. rules drives
// style normalization and may not be nil.
func FromText(text string, rules *ruleset.Ruleset) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{
			Valid:   true,
			Source:  SourcePlainTextEmpty,
			Program: ir.NewProgram(nil),
		}
	}

	if prog, ok := parseJSON(stripFence(trimmed)); ok {
		return finish(prog, SourceRawDocOps, rules)
	}
	if prog, ok := findEmbedded(trimmed); ok {
		return finish(prog, SourceJSONInText, rules)
	}
	return finish(synthesize(trimmed), SourceSynthesized, rules)
}

func finish(prog ir.Program, source string, rules *ruleset.Ruleset) Result {
	normalized := Normalize(&prog, rules)
	res := Result{
		Source:     source,
		Normalized: normalized,
		Program:    prog,
	}
	if err := ir.Validate(prog); err != nil {
		res.Err = err.Error()
		return res
	}
	res.Valid = true
	return res
}

// stripFence unwraps the input only when the fence spans the whole text.
// A fence buried in prose is embedded JSON, not a raw program.
func stripFence(s string) string {
	if m := wholeFenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

func parseJSON(s string) (ir.Program, bool) {
	if !strings.HasPrefix(s, "{") {
		return ir.Program{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return ir.Program{}, false
	}
	prog, err := ir.ProgramFromMap(raw)
	if err != nil {
		return ir.Program{}, false
	}
	return prog, true
}

// findEmbedded scans for the first balanced JSON object inside prose.
// Candidates inside code fences are tried first.
func findEmbedded(s string) (ir.Program, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(s, -1) {
		if prog, ok := parseJSON(strings.TrimSpace(m[1])); ok {
			return prog, true
		}
	}
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		end, ok := matchBrace(s, start)
		if !ok {
			continue
		}
		if prog, ok := parseJSON(s[start : end+1]); ok {
			return prog, true
		}
		start = end
	}
	return ir.Program{}, false
}

// matchBrace finds the closing brace for the object opening at start,
// tolerating braces inside JSON strings and escape sequences.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// synthesize builds a program from plain text. Blocks of two or more
// bullet lines, or a block that is a single lone bullet, become a
// list; everything else becomes paragraphs.
func synthesize(text string) ir.Program {
	text = decodeEscapes(text)
	var ops []ir.Op
	for _, block := range paraRe.Split(text, -1) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		items, rest := splitBullets(lines)
		if len(items) >= 2 || (len(items) == 1 && len(rest) == 0) {
			ops = append(ops, listOps(items)...)
			for _, p := range rest {
				ops = append(ops, ir.Op{Kind: ir.KindParagraphInsert, Text: p})
			}
			continue
		}
		ops = append(ops, ir.Op{Kind: ir.KindParagraphInsert, Text: joinLines(lines)})
	}
	return ir.NewProgram(ops)
}

// splitBullets separates bullet lines from plain lines, keeping order
// within each group.
func splitBullets(lines []string) (items, rest []string) {
	for _, line := range lines {
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			items = append(items, m[2])
		} else if t := strings.TrimSpace(line); t != "" {
			rest = append(rest, t)
		}
	}
	return items, rest
}

func listOps(items []string) []ir.Op {
	ops := make([]ir.Op, 0, len(items)+2)
	ops = append(ops, ir.Op{Kind: ir.KindListStart, ListType: ir.ListBullet})
	for _, item := range items {
		ops = append(ops, ir.Op{Kind: ir.KindListItem, Text: item})
	}
	ops = append(ops, ir.Op{Kind: ir.KindListEnd})
	return ops
}

func joinLines(lines []string) string {
	var out []string
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "\n")
}

// decodeEscapes turns literal \n and \t sequences into real
// whitespace. Model output frequently arrives double-escaped.
func decodeEscapes(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\t`, "\t")
	return s
}

// Normalize resolves style hints in place and reports whether any op
// was changed. Running it twice is a no-op the second time.
func Normalize(prog *ir.Program, rules *ruleset.Ruleset) bool {
	changed := false
	for i := range prog.Ops {
		op := &prog.Ops[i]
		if op.Style == "" && op.StyleNameHint != "" {
			if canonical := rules.Resolve(op.StyleNameHint); canonical != "" {
				op.Style = canonical
				changed = true
			}
		}
		if op.Kind == ir.KindListStart && op.ListType == "" {
			hint := op.StyleNameHint
			if hint == "" {
				hint = op.Style
			}
			if canonical := rules.Resolve(hint); canonical != "" {
				op.ListType = canonical
				changed = true
			}
		}
		if op.StyleID == "" {
			if id := ruleset.StyleID(op.Style); id != "" {
				op.StyleID = id
				changed = true
			} else if id := ruleset.StyleIDForName(op.StyleNameHint); id != "" {
				op.StyleID = id
				changed = true
			}
		}
	}
	return changed
}
