package extract

import (
	"testing"

	"docrelay/internal/ir"
	"docrelay/internal/ruleset"
)

func TestFromTextRawProgram(t *testing.T) {
	rules := ruleset.Default()
	text := `{"type":"DocOps","version":"v1","ops":[{"op":"paragraph.insert","text":"привет"}]}`

	res := FromText(text, rules)
	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if res.Source != SourceRawDocOps {
		t.Errorf("Source = %q, want raw_docops", res.Source)
	}
	if len(res.Program.Ops) != 1 || res.Program.Ops[0].Text != "привет" {
		t.Errorf("unexpected ops: %+v", res.Program.Ops)
	}
}

func TestFromTextFencedProgram(t *testing.T) {
	rules := ruleset.Default()
	text := "```docops\n{\"type\":\"DocOps\",\"version\":\"v1\",\"ops\":[{\"op\":\"paragraph.insert\",\"text\":\"x\"}]}\n```"

	res := FromText(text, rules)
	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if res.Source != SourceRawDocOps {
		t.Errorf("Source = %q, want raw_docops", res.Source)
	}
}

func TestFromTextFencedProgramInProse(t *testing.T) {
	rules := ruleset.Default()
	text := "Вот программа:\n```json\n{\"type\":\"DocOps\",\"version\":\"v1\",\"ops\":[{\"op\":\"paragraph.insert\",\"text\":\"x\"}]}\n```\nГотово."

	res := FromText(text, rules)
	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if res.Source != SourceJSONInText {
		t.Errorf("Source = %q, want json_in_text", res.Source)
	}
	if len(res.Program.Ops) != 1 || res.Program.Ops[0].Text != "x" {
		t.Errorf("unexpected ops: %+v", res.Program.Ops)
	}
}

func TestFromTextEmbeddedJSON(t *testing.T) {
	rules := ruleset.Default()
	text := `Вот результат: {"type":"DocOps","version":"v1","ops":[{"op":"paragraph.insert","text":"со скобкой } внутри"}]} — готово.`

	res := FromText(text, rules)
	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if res.Source != SourceJSONInText {
		t.Errorf("Source = %q, want json_in_text", res.Source)
	}
	if res.Program.Ops[0].Text != "со скобкой } внутри" {
		t.Errorf("text = %q", res.Program.Ops[0].Text)
	}
}

func TestFromTextSynthesizesBulletList(t *testing.T) {
	rules := ruleset.Default()
	res := FromText("- один\n- два\n- три", rules)

	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if res.Source != SourceSynthesized {
		t.Errorf("Source = %q, want synthesized", res.Source)
	}
	kinds := make([]string, 0, len(res.Program.Ops))
	for _, op := range res.Program.Ops {
		kinds = append(kinds, op.Kind)
	}
	want := []string{ir.KindListStart, ir.KindListItem, ir.KindListItem, ir.KindListItem, ir.KindListEnd}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if res.Program.Ops[0].ListType != ir.ListBullet {
		t.Errorf("ListType = %q", res.Program.Ops[0].ListType)
	}
	if res.Program.Ops[1].Text != "один" {
		t.Errorf("first item = %q", res.Program.Ops[1].Text)
	}
}

func TestFromTextSynthesizesParagraphs(t *testing.T) {
	rules := ruleset.Default()
	res := FromText("Первый абзац.\n\nВторой абзац.", rules)

	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if len(res.Program.Ops) != 2 {
		t.Fatalf("ops = %+v", res.Program.Ops)
	}
	for _, op := range res.Program.Ops {
		if op.Kind != ir.KindParagraphInsert {
			t.Errorf("kind = %q", op.Kind)
		}
	}
	if res.Program.Ops[1].Text != "Второй абзац." {
		t.Errorf("second paragraph = %q", res.Program.Ops[1].Text)
	}
}

func TestFromTextDecodesLiteralEscapes(t *testing.T) {
	rules := ruleset.Default()
	res := FromText(`- раз\n- два`, rules)

	if res.Source != SourceSynthesized {
		t.Fatalf("Source = %q", res.Source)
	}
	items := 0
	for _, op := range res.Program.Ops {
		if op.Kind == ir.KindListItem {
			items++
		}
	}
	if items != 2 {
		t.Errorf("items = %d, want 2", items)
	}
}

func TestFromTextLoneBulletBecomesList(t *testing.T) {
	rules := ruleset.Default()
	res := FromText("• единственный пункт", rules)

	if len(res.Program.Ops) != 3 || res.Program.Ops[0].Kind != ir.KindListStart {
		t.Fatalf("ops = %+v", res.Program.Ops)
	}
}

func TestFromTextEmptyInput(t *testing.T) {
	rules := ruleset.Default()
	res := FromText("   \n  ", rules)

	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if res.Source != SourcePlainTextEmpty {
		t.Errorf("Source = %q, want plain_text_empty", res.Source)
	}
	if len(res.Program.Ops) != 0 {
		t.Errorf("ops = %+v", res.Program.Ops)
	}
}

func TestFromTextMalformedJSONFallsThrough(t *testing.T) {
	rules := ruleset.Default()
	res := FromText(`{"type":"DocOps","version":"v1","ops":[`, rules)

	if res.Source != SourceSynthesized {
		t.Errorf("Source = %q, want synthesized", res.Source)
	}
	if !res.Valid {
		t.Errorf("not valid: %s", res.Err)
	}
}

func TestNormalizeResolvesStyleHints(t *testing.T) {
	rules := ruleset.Default()
	text := `{"type":"DocOps","version":"v1","ops":[{"op":"list.start","styleName":"Маркированный список"},{"op":"list.item","text":"а"},{"op":"list.end"}]}`

	res := FromText(text, rules)
	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if !res.Normalized {
		t.Error("expected Normalized = true")
	}
	op := res.Program.Ops[0]
	if op.ListType != ir.ListBullet {
		t.Errorf("ListType = %q", op.ListType)
	}
	if op.StyleID != "a" {
		t.Errorf("StyleID = %q", op.StyleID)
	}
}

func TestNormalizeResolvesParagraphStyle(t *testing.T) {
	rules := ruleset.Default()
	text := `{"type":"DocOps","version":"v1","ops":[{"op":"paragraph.insert","styleName":"Маркированный список","text":"item"}]}`

	res := FromText(text, rules)
	if !res.Valid {
		t.Fatalf("not valid: %s", res.Err)
	}
	if !res.Normalized {
		t.Error("expected Normalized = true")
	}
	if res.Program.Ops[0].Style != ir.ListBullet {
		t.Errorf("Style = %q, want ListBullet", res.Program.Ops[0].Style)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	rules := ruleset.Default()
	prog := ir.NewProgram([]ir.Op{
		{Kind: ir.KindListStart, StyleNameHint: "маркированный список"},
		{Kind: ir.KindListItem, Text: "а"},
		{Kind: ir.KindListEnd},
	})

	if !Normalize(&prog, rules) {
		t.Fatal("first Normalize should change the program")
	}
	if Normalize(&prog, rules) {
		t.Error("second Normalize should be a no-op")
	}
}
