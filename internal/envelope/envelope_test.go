package envelope

import (
	"errors"
	"testing"

	"docrelay/internal/ir"
	"docrelay/internal/ruleset"
)

func program(ops ...ir.Op) ir.Program {
	return ir.NewProgram(ops)
}

func TestBuildFiltersToClientOps(t *testing.T) {
	prog := program(
		ir.Op{Kind: ir.KindParagraphInsert, Text: "абзац"},
		ir.Op{Kind: ir.KindFootnoteAdd, Text: "сноска"},
		ir.Op{Kind: ir.KindListStart, ListType: ir.ListBullet},
		ir.Op{Kind: ir.KindListItem, Text: "пункт"},
		ir.Op{Kind: ir.KindListEnd},
	)

	env, err := Build(prog, "", nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if env.ID == "" {
		t.Error("expected generated id")
	}
	if len(env.Ops) != 4 {
		t.Fatalf("ops = %+v", env.Ops)
	}
	for _, op := range env.Ops {
		if op.Kind == ir.KindFootnoteAdd {
			t.Error("footnote should be filtered out")
		}
	}
}

func TestBuildUniqueIDs(t *testing.T) {
	prog := program(ir.Op{Kind: ir.KindParagraphInsert, Text: "x"})
	a, err := Build(prog, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(prog, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("ids should differ per build")
	}
}

func TestBuildRejectsEmptyAfterFilter(t *testing.T) {
	prog := program(ir.Op{Kind: ir.KindFootnoteAdd, Text: "только сноска"})

	_, err := Build(prog, "", nil)
	if !errors.Is(err, ErrNoClientOps) {
		t.Fatalf("err = %v, want ErrNoClientOps", err)
	}
}

func TestBuildRejectsWrongEnvelope(t *testing.T) {
	prog := program(ir.Op{Kind: ir.KindParagraphInsert, Text: "x"})
	prog.Type = "NotDocOps"

	if _, err := Build(prog, "", nil); err == nil {
		t.Fatal("expected envelope type error")
	}
}

func TestClientBlocksAnchorAndMarker(t *testing.T) {
	prog := program(
		ir.Op{Kind: ir.KindParagraphInsert, Text: "содержимое"},
	)
	env, err := Build(prog, "после этого абзаца", map[string]any{"origin": "test"})
	if err != nil {
		t.Fatal(err)
	}

	blocks, err := ClientBlocks(env, ruleset.Default())
	if err != nil {
		t.Fatalf("ClientBlocks: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].Kind != ir.KindParagraphInsert || blocks[0].Text != "после этого абзаца" {
		t.Errorf("anchor block = %+v", blocks[0])
	}
	if blocks[1].Text != "содержимое" {
		t.Errorf("content block = %+v", blocks[1])
	}
	tail := blocks[2]
	if tail.Kind != MarkerTailKind || tail.JobID != env.ID {
		t.Errorf("tail block = %+v", tail)
	}
}

func TestClientBlocksNoAnchor(t *testing.T) {
	env, err := Build(program(ir.Op{Kind: ir.KindParagraphInsert, Text: "x"}), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := ClientBlocks(env, ruleset.Default())
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].Text != "x" {
		t.Errorf("first block = %+v", blocks[0])
	}
}
