package compile

import (
	"docrelay/internal/ir"
)

// Instruction kinds emitted by the document builder.
const (
	InstrParagraph = "paragraph"
	InstrRestyle   = "restyle"
	InstrListItem  = "list_item"
	InstrTable     = "table"
	InstrImage     = "image"
	InstrCaption   = "caption"
	InstrFootnote  = "footnote"
	InstrFragment  = "fragment"
)

// Word style names used when the program does not pin one.
const (
	defaultListStyle  = "List Bullet"
	numberListStyle   = "List Number"
	defaultTableStyle = "Table Grid"
	defaultTableCols  = 2
)

// Caption defaults, Russian document conventions.
const (
	tableCaptionLabel = "Таблица"
	imageCaptionLabel = "Рисунок"
	tableSeqLabel     = "Табл."
	imageSeqLabel     = "Рис."
)

// Cell is one rendered table cell.
type Cell struct {
	Text string
	Bold bool
}

// Instr is one renderer instruction. Fields are meaningful per Kind.
type Instr struct {
	Kind       string
	Text       string
	Style      string
	TableStyle string
	Cols       int
	Rows       [][]Cell
	Label      string
	SeqLabel   string
	Number     int
	Placement  string
	Base64     string
	WidthMm    float64
	HeightMm   float64
}

// builder holds the running state of one document build: the open
// list style, the open table cursor, and caption counters keyed by
// sequence label. Counters persist until the build finishes.
type builder struct {
	out       []Instr
	listStyle string
	table     *tableState
	counters  map[string]int
}

type tableState struct {
	style     string
	cols      int
	rows      [][]Cell
	row       []Cell
	rowOpen   bool
	headerRow bool
}

// Instructions compiles a validated program into the document-build
// instruction stream. It supports the full op vocabulary, including
// tables, images, captions and footnotes.
func Instructions(p ir.Program) ([]Instr, error) {
	b := &builder{counters: map[string]int{}}
	for _, op := range p.Ops {
		if err := b.apply(op); err != nil {
			return nil, err
		}
	}
	b.closeTable()
	return b.out, nil
}

func (b *builder) apply(op ir.Op) error {
	switch op.Kind {
	case ir.KindParagraphInsert:
		b.out = append(b.out, Instr{Kind: InstrParagraph, Text: op.Text, Style: paragraphStyle(op)})
	case ir.KindParagraphApplyStyle:
		b.out = append(b.out, Instr{Kind: InstrRestyle, Style: paragraphStyle(op)})
	case ir.KindListStart:
		b.listStyle = listStyle(op.ListType)
	case ir.KindListItem:
		style := b.listStyle
		if style == "" {
			style = defaultListStyle
		}
		b.out = append(b.out, Instr{Kind: InstrListItem, Text: op.Text, Style: style})
	case ir.KindListEnd:
		b.listStyle = ""
	case ir.KindTableStart:
		b.closeTable()
		b.table = &tableState{
			style: op.TableStyle,
			cols:  op.Cols,
		}
		if b.table.style == "" {
			b.table.style = defaultTableStyle
		}
		if b.table.cols <= 0 {
			b.table.cols = defaultTableCols
		}
	case ir.KindTableRow:
		if b.table == nil {
			return &UnknownOpError{Kind: "table.row outside table"}
		}
		b.table.flushRow()
		b.table.rowOpen = true
		b.table.headerRow = op.Header
	case ir.KindTableCell:
		if b.table == nil || !b.table.rowOpen {
			return &UnknownOpError{Kind: "table.cell outside row"}
		}
		// Cells beyond the declared column count are dropped.
		if len(b.table.row) < b.table.cols {
			b.table.row = append(b.table.row, Cell{Text: op.Text, Bold: b.table.headerRow})
		}
	case ir.KindTableEnd:
		b.closeTable()
	case ir.KindImageInsert:
		b.out = append(b.out, Instr{
			Kind:     InstrImage,
			Base64:   op.ImageBase64,
			WidthMm:  op.WidthMm,
			HeightMm: op.HeightMm,
		})
	case ir.KindCaptionAdd:
		b.out = append(b.out, b.caption(op))
	case ir.KindFootnoteAdd:
		b.out = append(b.out, Instr{Kind: InstrFootnote, Text: op.Text})
	case ir.KindDocxInsert:
		b.out = append(b.out, Instr{Kind: InstrFragment, Base64: op.ImageBase64, Text: op.Text})
	default:
		return &UnknownOpError{Kind: op.Kind}
	}
	return nil
}

// caption numbers one caption. Numbering runs per sequence label and
// never resets within a build.
func (b *builder) caption(op ir.Op) Instr {
	target := op.Target
	if target == "" {
		target = "table"
	}
	label := op.Label
	seq := op.SeqLabel
	placement := op.Placement
	if target == "image" {
		if label == "" {
			label = imageCaptionLabel
		}
		if seq == "" {
			seq = imageSeqLabel
		}
		if placement == "" {
			placement = "below"
		}
	} else {
		if label == "" {
			label = tableCaptionLabel
		}
		if seq == "" {
			seq = tableSeqLabel
		}
		if placement == "" {
			placement = "above"
		}
	}
	b.counters[seq]++
	return Instr{
		Kind:      InstrCaption,
		Text:      op.Text,
		Label:     label,
		SeqLabel:  seq,
		Number:    b.counters[seq],
		Placement: placement,
	}
}

func (b *builder) closeTable() {
	if b.table == nil {
		return
	}
	b.table.flushRow()
	b.out = append(b.out, Instr{
		Kind:       InstrTable,
		TableStyle: b.table.style,
		Cols:       b.table.cols,
		Rows:       b.table.rows,
	})
	b.table = nil
}

func (t *tableState) flushRow() {
	if !t.rowOpen {
		return
	}
	t.rows = append(t.rows, t.row)
	t.row = nil
	t.rowOpen = false
	t.headerRow = false
}

func paragraphStyle(op ir.Op) string {
	if op.Style != "" {
		return op.Style
	}
	return op.StyleNameHint
}

func listStyle(listType string) string {
	switch listType {
	case ir.ListNumber:
		return numberListStyle
	default:
		return defaultListStyle
	}
}
