package app

import (
	"context"
	"fmt"
	"strings"

	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/domainerr"
	"chronicle/coedit/internal/safety"
	"chronicle/coedit/internal/status"
	"chronicle/coedit/internal/util"
)

const checklistItemType = "checkListItem"

// MutationRequest is a safety request plus who sent it and where their
// cursor was.
type MutationRequest struct {
	safety.Request
	ActorID       string `json:"actorId"`
	CursorBlockID string `json:"cursorBlockId,omitempty"`
}

// Plan is a validated mutation ready to apply. Insert ids are fixed when
// the plan is first built so a retry inserts the same blocks.
type Plan struct {
	Kind      safety.Kind
	ActorID   string
	Targets   []string
	Reference string
	Inserts   []document.Block
	Content   []string
}

// Affected lists the block ids whose status the plan drives.
func (p Plan) Affected() []string {
	if p.Kind.Inserting() {
		ids := make([]string, 0, len(p.Inserts))
		for _, b := range p.Inserts {
			ids = append(ids, b.ID)
		}
		return ids
	}
	return append([]string(nil), p.Targets...)
}

// retryArgs is what the retry manager replays.
type retryArgs struct {
	Request   MutationRequest
	InsertIDs []string
}

func actionFor(kind safety.Kind) status.Action {
	switch kind {
	case safety.KindAdd, safety.KindCreateChecklist:
		return status.ActionInsert
	case safety.KindDelete:
		return status.ActionDelete
	default:
		return status.ActionUpdate
	}
}

func insertCount(req MutationRequest) int {
	if n := len(req.Content); n > 0 {
		return n
	}
	return 1
}

func newInsertIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = util.NewID("blk")
	}
	return ids
}

func buildPlan(res safety.Result, req MutationRequest, insertIDs []string) Plan {
	plan := Plan{
		Kind:      req.Type,
		ActorID:   req.ActorID,
		Targets:   append([]string(nil), res.ResolvedTargets...),
		Reference: res.ResolvedReference,
		Content:   append([]string(nil), req.Content...),
	}
	if !req.Type.Inserting() {
		return plan
	}
	texts := plan.Content
	if len(texts) == 0 {
		texts = []string{""}
	}
	for i, id := range insertIDs {
		text := ""
		if i < len(texts) {
			text = texts[i]
		}
		plan.Inserts = append(plan.Inserts, newBlock(req.Type, id, text))
	}
	return plan
}

func newBlock(kind safety.Kind, id, text string) document.Block {
	b := document.Block{
		ID:      id,
		Type:    document.ScaffoldType,
		Props:   map[string]any{},
		Content: inline(text),
	}
	if kind == safety.KindCreateChecklist {
		b.Type = checklistItemType
		b.Props["checked"] = false
	}
	return b
}

func inline(text string) []document.InlineContent {
	if text == "" {
		return []document.InlineContent{}
	}
	return []document.InlineContent{{Type: "text", Text: text}}
}

// tableRows splits "a | b | c" lines into cells.
func tableRows(content []string) [][]string {
	rows := make([][]string, 0, len(content))
	for _, line := range content {
		cells := strings.Split(line, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		rows = append(rows, cells)
	}
	return rows
}

// Applier executes a plan against a document.
type Applier interface {
	Apply(ctx context.Context, doc *document.Document, plan Plan) error
}

type ApplierFunc func(ctx context.Context, doc *document.Document, plan Plan) error

func (f ApplierFunc) Apply(ctx context.Context, doc *document.Document, plan Plan) error {
	return f(ctx, doc, plan)
}

// DocumentApplier applies plans directly to the replicated document.
type DocumentApplier struct{}

func (DocumentApplier) Apply(ctx context.Context, doc *document.Document, plan Plan) error {
	if err := ctx.Err(); err != nil {
		return domainerr.Operation("APPLY_CANCELLED", "mutation cancelled before it was applied", err)
	}
	switch plan.Kind {
	case safety.KindAdd, safety.KindCreateChecklist:
		return applyInserts(doc, plan)
	case safety.KindDelete:
		for _, id := range plan.Targets {
			// Deleting a parent earlier in the list takes its children with it.
			if _, ok := doc.Block(id); !ok {
				continue
			}
			if !doc.DeleteBlock(id, plan.ActorID) {
				return domainerr.Operation("DELETE_FAILED", fmt.Sprintf("block %s could not be deleted", id), nil)
			}
		}
		return nil
	case safety.KindModify, safety.KindModifyTable:
		for i, id := range plan.Targets {
			if !doc.UpdateBlock(id, updateFor(plan, i), plan.ActorID) {
				return domainerr.Operation("UPDATE_FAILED", fmt.Sprintf("block %s could not be updated", id), nil)
			}
		}
		return nil
	default:
		return domainerr.Validation("UNKNOWN_OPERATION", fmt.Sprintf("unknown operation type %q", plan.Kind), nil)
	}
}

func updateFor(plan Plan, i int) document.BlockUpdate {
	if plan.Kind == safety.KindModifyTable {
		return document.BlockUpdate{Props: map[string]any{"rows": tableRows(plan.Content)}}
	}
	if len(plan.Content) == 0 {
		return document.BlockUpdate{}
	}
	// One content entry per target, the last one repeating.
	idx := i
	if idx >= len(plan.Content) {
		idx = len(plan.Content) - 1
	}
	return document.BlockUpdate{Content: inline(plan.Content[idx])}
}

func applyInserts(doc *document.Document, plan Plan) error {
	position := 0
	if plan.Reference != "" {
		idx, ok := topLevelIndex(doc.Blocks(), plan.Reference)
		if !ok {
			return domainerr.Operation("REFERENCE_GONE", fmt.Sprintf("reference block %s disappeared", plan.Reference), nil)
		}
		position = idx + 1
	}
	for _, b := range plan.Inserts {
		// Already inserted by an earlier attempt.
		if _, exists := doc.Block(b.ID); exists {
			if idx, ok := topLevelIndex(doc.Blocks(), b.ID); ok {
				position = idx + 1
			}
			continue
		}
		if !doc.InsertBlock(b, position, plan.ActorID) {
			return domainerr.Operation("INSERT_FAILED", fmt.Sprintf("block %s could not be inserted", b.ID), nil)
		}
		position++
	}
	return nil
}

// topLevelIndex finds the top-level block that is, or contains, id.
func topLevelIndex(blocks []document.Block, id string) (int, bool) {
	for i, b := range blocks {
		if b.ID == id || containsID(b.Children, id) {
			return i, true
		}
	}
	return 0, false
}

func containsID(blocks []document.Block, id string) bool {
	for _, b := range blocks {
		if b.ID == id || containsID(b.Children, id) {
			return true
		}
	}
	return false
}
