// Package compile lowers a validated program into renderer-ready
// output: client blocks for the add-in transport, or a document-build
// instruction stream for direct docx generation.
package compile

import (
	"fmt"

	"docrelay/internal/domain"
	"docrelay/internal/ir"
	"docrelay/internal/ruleset"
)

// UnknownOpError marks an op kind reaching the compiler that
// validation should have rejected. It is a contract violation, not a
// user input problem.
type UnknownOpError struct {
	Kind string
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("compile: unknown operation %q", e.Kind)
}

// Blocks maps every op to exactly one client block, in order. The
// client understands a narrower vocabulary than the full instruction
// stream; ops outside it fail compilation.
func Blocks(p ir.Program, rules *ruleset.Ruleset) ([]domain.Block, error) {
	blocks := make([]domain.Block, 0, len(p.Ops))
	for _, op := range p.Ops {
		switch op.Kind {
		case ir.KindParagraphInsert:
			blocks = append(blocks, styledBlock(op, rules, op.Text))
		case ir.KindParagraphApplyStyle:
			blocks = append(blocks, styledBlock(op, rules, ""))
		case ir.KindListStart:
			blocks = append(blocks, styledBlock(op, rules, ""))
		case ir.KindListItem:
			blocks = append(blocks, domain.Block{Kind: op.Kind, Text: op.Text})
		case ir.KindListEnd:
			blocks = append(blocks, domain.Block{Kind: op.Kind})
		default:
			return nil, &UnknownOpError{Kind: op.Kind}
		}
	}
	return blocks, nil
}

// styledBlock carries the style triple. The raw human name is
// duplicated under styleName and styleNameHint for client
// compatibility.
func styledBlock(op ir.Op, rules *ruleset.Ruleset, text string) domain.Block {
	return domain.Block{
		Kind:          op.Kind,
		Text:          text,
		StyleBuiltIn:  op.Style,
		StyleName:     op.StyleNameHint,
		StyleNameHint: op.StyleNameHint,
		StyleID:       blockStyleID(op),
	}
}

func blockStyleID(op ir.Op) string {
	if op.StyleID != "" {
		return op.StyleID
	}
	if id := ruleset.StyleID(op.Style); id != "" {
		return id
	}
	return ruleset.StyleIDForName(op.StyleNameHint)
}
