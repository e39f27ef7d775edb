// Package ir defines the DocOps intermediate representation: a versioned
// envelope of tagged edit operations plus kind-specific validation.
package ir

import (
	"fmt"
	"strings"
)

const (
	TypeDocOps = "DocOps"
	VersionV1  = "v1"
)

// Op kinds.
const (
	KindParagraphInsert     = "paragraph.insert"
	KindParagraphApplyStyle = "paragraph.apply_style"
	KindListStart           = "list.start"
	KindListItem            = "list.item"
	KindListEnd             = "list.end"
	KindTableStart          = "table.start"
	KindTableRow            = "table.row"
	KindTableCell           = "table.cell"
	KindTableEnd            = "table.end"
	KindImageInsert         = "image.insert"
	KindCaptionAdd          = "caption.add"
	KindFootnoteAdd         = "footnote.add"
	KindDocxInsert          = "docx.insert"
)

// List types accepted on list.start.
const (
	ListBullet = "ListBullet"
	ListNumber = "ListNumber"
)

var knownKinds = map[string]bool{
	KindParagraphInsert:     true,
	KindParagraphApplyStyle: true,
	KindListStart:           true,
	KindListItem:            true,
	KindListEnd:             true,
	KindTableStart:          true,
	KindTableRow:            true,
	KindTableCell:           true,
	KindTableEnd:            true,
	KindImageInsert:         true,
	KindCaptionAdd:          true,
	KindFootnoteAdd:         true,
	KindDocxInsert:          true,
}

// Op is one tagged edit instruction. Which fields are meaningful depends
// on Kind; validation enforces the per-kind requirements.
type Op struct {
	Kind          string  `json:"op"`
	Text          string  `json:"text,omitempty"`
	Style         string  `json:"style,omitempty"`
	StyleID       string  `json:"styleId,omitempty"`
	StyleNameHint string  `json:"styleName,omitempty"`
	ListType      string  `json:"listType,omitempty"`
	Cols          int     `json:"cols,omitempty"`
	Header        bool    `json:"header,omitempty"`
	TableStyle    string  `json:"tableStyle,omitempty"`
	Label         string  `json:"label,omitempty"`
	SeqLabel      string  `json:"seqLabel,omitempty"`
	Target        string  `json:"target,omitempty"`
	Placement     string  `json:"placement,omitempty"`
	ImageBase64   string  `json:"base64,omitempty"`
	WidthMm       float64 `json:"widthMm,omitempty"`
	HeightMm      float64 `json:"heightMm,omitempty"`
}

// Program is the immutable DocOps envelope.
type Program struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Ops     []Op   `json:"ops"`
}

// NewProgram wraps ops in a v1 envelope.
func NewProgram(ops []Op) Program {
	return Program{Type: TypeDocOps, Version: VersionV1, Ops: ops}
}

// ValidationError reports a recognized-but-invalid program.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ParseError reports an input that is not a DocOps envelope at all.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

// OpFromMap builds an Op from an untrusted map, tolerating the field-name
// variants that appear in model output.
func OpFromMap(m map[string]any) Op {
	op := Op{
		Kind:          stringField(m, "op", "kind"),
		Text:          stringField(m, "text"),
		Style:         stringField(m, "styleBuiltIn", "style"),
		StyleID:       stringField(m, "styleId", "style_id"),
		StyleNameHint: stringField(m, "styleName", "styleLocalName", "style_name_hint"),
		ListType:      stringField(m, "listType", "list_type"),
		TableStyle:    stringField(m, "tableStyle", "table_style"),
		Label:         stringField(m, "label"),
		SeqLabel:      stringField(m, "seqLabel"),
		Target:        stringField(m, "target"),
		Placement:     stringField(m, "placement"),
		ImageBase64:   stringField(m, "base64"),
	}
	op.Cols = intField(m, "cols", "columns")
	op.Header = boolField(m, "header", "isHeader", "is_header")
	op.WidthMm = floatField(m, "widthMm")
	op.HeightMm = floatField(m, "heightMm")
	return op
}

// ProgramFromMap builds a Program from an untrusted map. A missing ops key
// is a parse error; missing type/version default to the v1 envelope.
func ProgramFromMap(m map[string]any) (Program, error) {
	rawOps, ok := m["ops"]
	if !ok {
		return Program{}, &ParseError{Reason: "docops: missing ops"}
	}
	list, ok := rawOps.([]any)
	if !ok {
		return Program{}, &ParseError{Reason: "docops: ops must be a list"}
	}
	p := Program{
		Type:    stringField(m, "type"),
		Version: stringField(m, "version"),
	}
	if p.Type == "" {
		p.Type = TypeDocOps
	}
	if p.Version == "" {
		p.Version = VersionV1
	}
	for _, item := range list {
		om, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p.Ops = append(p.Ops, OpFromMap(om))
	}
	return p, nil
}

// Validate checks the envelope and every op against the kind rules.
// It is pure and safe to call repeatedly.
func Validate(p Program) error {
	if p.Type != TypeDocOps {
		return &ValidationError{Reason: fmt.Sprintf("docops: type must be %q, got %q", TypeDocOps, p.Type)}
	}
	if !strings.HasPrefix(p.Version, VersionV1) {
		return &ValidationError{Reason: fmt.Sprintf("docops: unsupported version %q", p.Version)}
	}
	for i, op := range p.Ops {
		if !knownKinds[op.Kind] {
			return &ValidationError{Reason: fmt.Sprintf("docops: ops[%d]: unknown op %q", i, op.Kind)}
		}
		switch op.Kind {
		case KindParagraphApplyStyle:
			if op.Style == "" {
				return &ValidationError{Reason: fmt.Sprintf("docops: ops[%d]: paragraph.apply_style requires style", i)}
			}
		case KindListStart:
			if op.ListType != ListBullet && op.ListType != ListNumber {
				return &ValidationError{Reason: fmt.Sprintf("docops: ops[%d]: list.start requires listType ListBullet or ListNumber", i)}
			}
		}
	}
	return nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

func boolField(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v
		}
	}
	return false
}

func floatField(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}
