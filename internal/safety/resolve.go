package safety

import (
	"fmt"
	"strings"

	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/domainerr"
)

const (
	// MaxContentLength is the ceiling on a request's total content, in characters.
	MaxContentLength  = 10000
	DefaultMaxTargets = 50

	ReasonEmptyDocument = "document empty, will create first block"
	reasonCursor        = "using block at cursor position"
	reasonLastBlock     = "using last block in document"
)

type Config struct {
	AllowFallback bool
	// PreferCursor tries the cursor block before the last block.
	PreferCursor bool
	MaxTargets   int
}

func DefaultConfig() Config {
	return Config{AllowFallback: true, PreferCursor: true, MaxTargets: DefaultMaxTargets}
}

// Snapshot is the read-only view of the live document the validator checks
// against.
type Snapshot struct {
	order  []string
	types  map[string]string
	owners map[string]string
	cursor string
}

// NewSnapshot indexes blocks, nested children included. cursorBlockID may
// be empty.
func NewSnapshot(blocks []document.Block, cursorBlockID string) Snapshot {
	s := Snapshot{
		order:  make([]string, 0, len(blocks)),
		types:  make(map[string]string),
		owners: make(map[string]string),
		cursor: cursorBlockID,
	}
	for _, b := range blocks {
		s.order = append(s.order, b.ID)
		s.index(b, b.ID)
	}
	return s
}

func (s Snapshot) index(b document.Block, owner string) {
	s.types[b.ID] = b.Type
	s.owners[b.ID] = owner
	for _, child := range b.Children {
		s.index(child, owner)
	}
}

// topLevelCount is how many of ids are top-level blocks themselves.
func (s Snapshot) topLevelCount(ids []string) int {
	n := 0
	for _, id := range ids {
		if owner, ok := s.owners[id]; ok && owner == id {
			n++
		}
	}
	return n
}

// Len is the number of top-level blocks.
func (s Snapshot) Len() int { return len(s.order) }

func (s Snapshot) Has(id string) bool {
	_, ok := s.types[id]
	return ok
}

func (s Snapshot) Type(id string) (string, bool) {
	t, ok := s.types[id]
	return t, ok
}

func (s Snapshot) last() string {
	if len(s.order) == 0 {
		return ""
	}
	return s.order[len(s.order)-1]
}

// Result is the validator output handed to the execution layer.
type Result struct {
	IsValid            bool     `json:"isValid"`
	ResolvedTargets    []string `json:"resolvedTargets"`
	ResolvedReference  string   `json:"resolvedReference,omitempty"`
	FallbackUsed       bool     `json:"fallbackUsed,omitempty"`
	FallbackReason     string   `json:"fallbackReason,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
	ErrorMessage       string   `json:"errorMessage,omitempty"`
	AffectedBlockCount int      `json:"affectedBlockCount,omitempty"`
	// Err carries the taxonomy kind of a rejection.
	Err error `json:"-"`
}

func invalid(err *domainerr.Error) Result {
	return Result{ErrorMessage: err.Message, Err: err}
}

// fallback walks the cursor → last block chain. ok is false only when the
// document has no blocks.
func fallback(doc Snapshot, cfg Config) (id, reason string, ok bool) {
	if cfg.PreferCursor && doc.cursor != "" && doc.Has(doc.cursor) {
		return doc.cursor, reasonCursor, true
	}
	if last := doc.last(); last != "" {
		return last, reasonLastBlock, true
	}
	return "", "", false
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func missingMessage(missing []string) string {
	return "target blocks not found: " + strings.Join(missing, ", ")
}

// ResolveTargets turns requested ids into existing block ids.
//
// With no ids the fallback chain is used (cursor block, last block, or a
// zero-target success on an empty document). With ids, missing ones are
// dropped with a warning as long as one remains; when none remain the
// fallback chain is tried before failing.
func ResolveTargets(doc Snapshot, requested []string, cfg Config) Result {
	ids := normalizeIDs(requested)

	if len(ids) == 0 {
		if !cfg.AllowFallback {
			return invalid(domainerr.Validation("NO_TARGET", "no target specified and fallback disabled", nil))
		}
		id, reason, ok := fallback(doc, cfg)
		if !ok {
			return Result{IsValid: true, ResolvedTargets: []string{}, FallbackUsed: true, FallbackReason: ReasonEmptyDocument}
		}
		return Result{IsValid: true, ResolvedTargets: []string{id}, FallbackUsed: true, FallbackReason: reason, AffectedBlockCount: 1}
	}

	if cfg.MaxTargets > 0 && len(ids) > cfg.MaxTargets {
		return invalid(domainerr.Capacity("TOO_MANY_TARGETS",
			fmt.Sprintf("too many target blocks: %d exceeds the maximum of %d", len(ids), cfg.MaxTargets),
			map[string]int{"requested": len(ids), "max": cfg.MaxTargets}))
	}

	found := make([]string, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if doc.Has(id) {
			found = append(found, id)
			continue
		}
		missing = append(missing, id)
	}

	if len(found) > 0 {
		res := Result{IsValid: true, ResolvedTargets: found, AffectedBlockCount: len(found)}
		if len(missing) > 0 {
			res.Warnings = append(res.Warnings, missingMessage(missing))
		}
		return res
	}

	if cfg.AllowFallback {
		if id, reason, ok := fallback(doc, cfg); ok {
			return Result{
				IsValid:            true,
				ResolvedTargets:    []string{id},
				FallbackUsed:       true,
				FallbackReason:     reason,
				Warnings:           []string{missingMessage(missing)},
				AffectedBlockCount: 1,
			}
		}
	}
	return invalid(domainerr.NotFound("TARGETS_NOT_FOUND", missingMessage(missing), map[string]any{"missing": missing}))
}

// ResolveReference resolves the single block an insertion is anchored to.
// An empty document resolves to no reference, meaning "create the first
// block".
func ResolveReference(doc Snapshot, referenceID string, cfg Config) Result {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID != "" && doc.Has(referenceID) {
		return Result{IsValid: true, ResolvedTargets: []string{}, ResolvedReference: referenceID, AffectedBlockCount: 1}
	}

	var warnings []string
	if referenceID != "" {
		notFound := fmt.Sprintf("reference block not found: %s", referenceID)
		if !cfg.AllowFallback {
			return invalid(domainerr.NotFound("REFERENCE_NOT_FOUND", notFound, map[string]any{"missing": []string{referenceID}}))
		}
		warnings = append(warnings, notFound)
	} else if !cfg.AllowFallback {
		return invalid(domainerr.Validation("NO_TARGET", "no reference block specified and fallback disabled", nil))
	}

	id, reason, ok := fallback(doc, cfg)
	if !ok {
		return Result{IsValid: true, ResolvedTargets: []string{}, FallbackUsed: true, FallbackReason: ReasonEmptyDocument, Warnings: warnings}
	}
	return Result{
		IsValid:            true,
		ResolvedTargets:    []string{},
		ResolvedReference:  id,
		FallbackUsed:       true,
		FallbackReason:     reason,
		Warnings:           warnings,
		AffectedBlockCount: 1,
	}
}
