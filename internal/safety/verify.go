package safety

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"chronicle/coedit/internal/domainerr"
)

// TableTypes is the allowed set for table-structure edits.
var TableTypes = []string{"table"}

type Options struct {
	// AllowedTypes restricts target block types; empty allows any.
	AllowedTypes []string
	Content      []string
}

// ContentLength counts characters across all content items.
func ContentLength(content []string) int {
	n := 0
	for _, c := range content {
		n += utf8.RuneCountInString(c)
	}
	return n
}

// VerifyOperationSafety applies the document-level safety rules to an
// already resolved target set.
func VerifyOperationSafety(doc Snapshot, blockIDs []string, kind Kind, opts Options) Result {
	if n := ContentLength(opts.Content); n > MaxContentLength {
		return invalid(domainerr.Safety("CONTENT_TOO_LARGE",
			fmt.Sprintf("content length %d exceeds the maximum of %d characters", n, MaxContentLength),
			map[string]int{"length": n, "max": MaxContentLength}))
	}

	// Only top-level targets shrink the document; nested children don't.
	total := doc.Len()
	if removed := doc.topLevelCount(blockIDs); kind == KindDelete && removed >= total {
		return invalid(domainerr.Safety("WOULD_EMPTY_DOCUMENT",
			fmt.Sprintf("cannot delete %d of %d blocks: the document must never be left empty", removed, total),
			map[string]int{"targets": removed, "documentLength": total}))
	}

	if len(opts.AllowedTypes) > 0 {
		allowed := make(map[string]struct{}, len(opts.AllowedTypes))
		for _, t := range opts.AllowedTypes {
			allowed[t] = struct{}{}
		}
		for _, id := range blockIDs {
			blockType, ok := doc.Type(id)
			if !ok {
				return invalid(domainerr.NotFound("TARGETS_NOT_FOUND", missingMessage([]string{id}), nil))
			}
			if _, ok := allowed[blockType]; !ok {
				sorted := append([]string(nil), opts.AllowedTypes...)
				sort.Strings(sorted)
				return invalid(domainerr.Safety("BLOCK_TYPE_NOT_ALLOWED",
					fmt.Sprintf("block %s has type %q, but %s only applies to types [%s]", id, blockType, kind, strings.Join(sorted, ", ")),
					map[string]any{"blockId": id, "type": blockType, "allowedTypes": sorted}))
			}
		}
	}

	res := Result{IsValid: true, ResolvedTargets: blockIDs, AffectedBlockCount: len(blockIDs)}
	if total > 0 && len(blockIDs)*2 > total {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("large batch: operation affects %d of %d blocks (more than 50%%)", len(blockIDs), total))
	}
	return res
}

// Validate runs the full gate for req: shape, target or reference
// resolution, then the safety rules for its kind. Nothing here mutates doc.
func Validate(doc Snapshot, req Request, cfg Config) Result {
	if err := req.Validate(); err != nil {
		var de *domainerr.Error
		if errors.As(err, &de) {
			return invalid(de)
		}
		return Result{ErrorMessage: err.Error(), Err: err}
	}

	if req.Type.Inserting() {
		ref := ResolveReference(doc, req.ReferenceBlockID, cfg)
		if !ref.IsValid {
			return ref
		}
		check := VerifyOperationSafety(doc, nil, req.Type, Options{Content: req.Content})
		if !check.IsValid {
			return check
		}
		ref.Warnings = append(ref.Warnings, check.Warnings...)
		return ref
	}

	targets := ResolveTargets(doc, req.TargetBlockIDs, cfg)
	if !targets.IsValid {
		return targets
	}
	opts := Options{Content: req.Content}
	if req.Type == KindModifyTable {
		opts.AllowedTypes = TableTypes
	}
	check := VerifyOperationSafety(doc, targets.ResolvedTargets, req.Type, opts)
	if !check.IsValid {
		return check
	}
	targets.Warnings = append(targets.Warnings, check.Warnings...)
	targets.AffectedBlockCount = check.AffectedBlockCount
	return targets
}
