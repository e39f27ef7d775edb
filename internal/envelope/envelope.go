// Package envelope builds the add-in job payload from a compiled
// program. This is the pure, synchronous step between compilation and
// delivery.
package envelope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"docrelay/internal/compile"
	"docrelay/internal/domain"
	"docrelay/internal/ir"
	"docrelay/internal/ruleset"
)

// ErrNoClientOps means filtering left nothing the add-in can apply.
var ErrNoClientOps = errors.New("envelope: no client-applicable ops")

// MarkerTailKind closes every client payload; it carries the job id
// so the client can acknowledge the right job.
const MarkerTailKind = "job.marker.tail"

// Ops the add-in client knows how to apply.
var clientOps = map[string]bool{
	ir.KindParagraphInsert: true,
	ir.KindListStart:       true,
	ir.KindListItem:        true,
	ir.KindListEnd:         true,
}

// Envelope is one deliverable job payload.
type Envelope struct {
	ID     string         `json:"id"`
	Ops    []ir.Op        `json:"ops"`
	Anchor string         `json:"anchor,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Build filters a program down to the client vocabulary and wraps it
// with a fresh job id. Anchor and meta pass through untouched.
func Build(p ir.Program, anchor string, meta map[string]any) (Envelope, error) {
	if p.Type != ir.TypeDocOps {
		return Envelope{}, fmt.Errorf("envelope: not a %s program", ir.TypeDocOps)
	}
	if err := ir.Validate(p); err != nil {
		return Envelope{}, err
	}
	var ops []ir.Op
	for _, op := range p.Ops {
		if clientOps[op.Kind] {
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return Envelope{}, ErrNoClientOps
	}
	return Envelope{
		ID:     uuid.NewString(),
		Ops:    ops,
		Anchor: anchor,
		Meta:   meta,
	}, nil
}

// ClientBlocks renders the blocks the add-in applies, in order: the
// anchor paragraph (when present), the compiled ops, then the job
// marker tail. Queue and live-push transports send the same sequence.
func ClientBlocks(env Envelope, rules *ruleset.Ruleset) ([]domain.Block, error) {
	compiled, err := compile.Blocks(ir.NewProgram(env.Ops), rules)
	if err != nil {
		return nil, err
	}
	blocks := make([]domain.Block, 0, len(compiled)+2)
	if env.Anchor != "" {
		blocks = append(blocks, domain.Block{Kind: ir.KindParagraphInsert, Text: env.Anchor})
	}
	blocks = append(blocks, compiled...)
	blocks = append(blocks, domain.Block{Kind: MarkerTailKind, JobID: env.ID})
	return blocks, nil
}
