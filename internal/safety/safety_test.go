package safety

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/domainerr"
)

func blocks(n int) []document.Block {
	out := make([]document.Block, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, document.Block{ID: fmt.Sprintf("b%d", i), Type: "paragraph"})
	}
	return out
}

func TestResolveTargetsWithoutIDs(t *testing.T) {
	doc := NewSnapshot(blocks(3), "b1")

	tests := []struct {
		name       string
		doc        Snapshot
		cfg        Config
		wantValid  bool
		wantTarget []string
		wantReason string
	}{
		{name: "fallback disabled", doc: doc, cfg: Config{AllowFallback: false}, wantValid: false},
		{name: "cursor preferred", doc: doc, cfg: DefaultConfig(), wantValid: true, wantTarget: []string{"b1"}, wantReason: reasonCursor},
		{name: "last block", doc: doc, cfg: Config{AllowFallback: true}, wantValid: true, wantTarget: []string{"b2"}, wantReason: reasonLastBlock},
		{name: "stale cursor", doc: NewSnapshot(blocks(3), "gone"), cfg: DefaultConfig(), wantValid: true, wantTarget: []string{"b2"}, wantReason: reasonLastBlock},
		{name: "empty document", doc: NewSnapshot(nil, ""), cfg: DefaultConfig(), wantValid: true, wantTarget: []string{}, wantReason: ReasonEmptyDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ResolveTargets(tt.doc, nil, tt.cfg)
			assert.Equal(t, tt.wantValid, res.IsValid)
			if !tt.wantValid {
				assert.Contains(t, res.ErrorMessage, "fallback disabled")
				assert.ErrorIs(t, res.Err, domainerr.ErrValidation)
				return
			}
			assert.Equal(t, tt.wantTarget, res.ResolvedTargets)
			assert.True(t, res.FallbackUsed)
			assert.Equal(t, tt.wantReason, res.FallbackReason)
		})
	}
}

func TestResolveTargetsPartialSuccess(t *testing.T) {
	doc := NewSnapshot(blocks(5), "")

	res := ResolveTargets(doc, []string{"b1", "missing-1", "b3", "b1", " ", "missing-2"}, DefaultConfig())

	require.True(t, res.IsValid)
	assert.Equal(t, []string{"b1", "b3"}, res.ResolvedTargets)
	assert.False(t, res.FallbackUsed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "missing-1")
	assert.Contains(t, res.Warnings[0], "missing-2")
}

func TestResolveTargetsAllMissing(t *testing.T) {
	doc := NewSnapshot(blocks(2), "")

	res := ResolveTargets(doc, []string{"x", "y"}, DefaultConfig())
	require.True(t, res.IsValid)
	assert.Equal(t, []string{"b1"}, res.ResolvedTargets)
	assert.True(t, res.FallbackUsed)
	assert.NotEmpty(t, res.Warnings)

	res = ResolveTargets(doc, []string{"x", "y"}, Config{AllowFallback: false})
	require.False(t, res.IsValid)
	assert.Equal(t, "target blocks not found: x, y", res.ErrorMessage)
	assert.ErrorIs(t, res.Err, domainerr.ErrNotFound)

	res = ResolveTargets(NewSnapshot(nil, ""), []string{"x"}, DefaultConfig())
	require.False(t, res.IsValid)
	assert.ErrorIs(t, res.Err, domainerr.ErrNotFound)
}

func TestResolveTargetsCapacity(t *testing.T) {
	doc := NewSnapshot(blocks(10), "")
	requested := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		requested = append(requested, fmt.Sprintf("b%d", i))
	}

	res := ResolveTargets(doc, requested, Config{AllowFallback: true, MaxTargets: 3})

	require.False(t, res.IsValid)
	assert.ErrorIs(t, res.Err, domainerr.ErrCapacity)
	assert.Contains(t, res.ErrorMessage, "4 exceeds the maximum of 3")
}

func TestResolveTargetsSubsetProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := rng.Intn(8)
		doc := NewSnapshot(blocks(n), "")
		existing := map[string]bool{}
		for j := 0; j < n; j++ {
			existing[fmt.Sprintf("b%d", j)] = true
		}

		count := 1 + rng.Intn(5)
		requested := make([]string, 0, count)
		for j := 0; j < count; j++ {
			requested = append(requested, fmt.Sprintf("b%d", rng.Intn(12)))
		}
		asked := map[string]bool{}
		for _, id := range requested {
			asked[id] = true
		}

		res := ResolveTargets(doc, requested, Config{AllowFallback: false, MaxTargets: 50})

		var anyValid, anyMissing bool
		for id := range asked {
			if existing[id] {
				anyValid = true
			} else {
				anyMissing = true
			}
		}
		if !anyValid {
			assert.False(t, res.IsValid)
			continue
		}
		require.True(t, res.IsValid)
		for _, id := range res.ResolvedTargets {
			assert.True(t, asked[id] && existing[id], "resolved %s outside requested ∩ existing", id)
		}
		if anyMissing {
			require.Len(t, res.Warnings, 1)
			for id := range asked {
				if !existing[id] {
					assert.Contains(t, res.Warnings[0], id)
				}
			}
		}
	}
}

func TestResolveReference(t *testing.T) {
	doc := NewSnapshot(blocks(3), "")

	res := ResolveReference(doc, "b0", DefaultConfig())
	require.True(t, res.IsValid)
	assert.Equal(t, "b0", res.ResolvedReference)
	assert.False(t, res.FallbackUsed)

	res = ResolveReference(doc, "gone", DefaultConfig())
	require.True(t, res.IsValid)
	assert.Equal(t, "b2", res.ResolvedReference)
	assert.True(t, res.FallbackUsed)
	assert.Contains(t, res.Warnings[0], "gone")

	res = ResolveReference(doc, "gone", Config{})
	require.False(t, res.IsValid)
	assert.ErrorIs(t, res.Err, domainerr.ErrNotFound)
}

func TestVerifyDeleteNeverEmptiesDocument(t *testing.T) {
	for _, n := range []int{1, 2, 10} {
		doc := NewSnapshot(blocks(n), "")
		all := make([]string, 0, n)
		for _, b := range blocks(n) {
			all = append(all, b.ID)
		}

		res := VerifyOperationSafety(doc, all, KindDelete, Options{})

		require.False(t, res.IsValid, "n=%d", n)
		assert.Contains(t, res.ErrorMessage, "empty")
		assert.ErrorIs(t, res.Err, domainerr.ErrSafety)
	}
}

func TestVerifyDeleteCountsTopLevelTargetsOnly(t *testing.T) {
	bs := blocks(2)
	bs[0].Children = []document.Block{{ID: "c1", Type: "checkListItem"}, {ID: "c2", Type: "checkListItem"}}
	doc := NewSnapshot(bs, "")

	res := VerifyOperationSafety(doc, []string{"c1", "c2"}, KindDelete, Options{})
	require.True(t, res.IsValid, res.ErrorMessage)
	assert.Equal(t, 2, res.AffectedBlockCount)

	res = VerifyOperationSafety(doc, []string{"b0", "c1", "b1"}, KindDelete, Options{})
	require.False(t, res.IsValid)
	assert.Contains(t, res.ErrorMessage, "2 of 2")
}

func TestVerifyLargeBatchWarning(t *testing.T) {
	doc := NewSnapshot(blocks(10), "")

	res := VerifyOperationSafety(doc, []string{"b0", "b1", "b2", "b3", "b4", "b5"}, KindModify, Options{})
	require.True(t, res.IsValid)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "6 of 10")

	res = VerifyOperationSafety(doc, []string{"b0", "b1", "b2", "b3", "b4"}, KindModify, Options{})
	require.True(t, res.IsValid)
	assert.Empty(t, res.Warnings)
}

func TestVerifyContentCeiling(t *testing.T) {
	doc := NewSnapshot(blocks(2), "")
	content := []string{strings.Repeat("a", 6000), strings.Repeat("é", 4000)}
	res := VerifyOperationSafety(doc, []string{"b0"}, KindModify, Options{Content: content})
	require.True(t, res.IsValid)

	content = append(content, "!")
	res = VerifyOperationSafety(doc, []string{"b0"}, KindModify, Options{Content: content})
	require.False(t, res.IsValid)
	assert.ErrorIs(t, res.Err, domainerr.ErrSafety)
	assert.Contains(t, res.ErrorMessage, "10001")
}

func TestValidateEmptyDocumentAdd(t *testing.T) {
	res := Validate(NewSnapshot(nil, ""), Request{Type: KindAdd, Content: StringList{"hello"}}, DefaultConfig())

	require.True(t, res.IsValid)
	assert.Equal(t, []string{}, res.ResolvedTargets)
	assert.Equal(t, "document empty, will create first block", res.FallbackReason)
}

func TestValidateModifyTableRejectsOtherTypes(t *testing.T) {
	bs := blocks(10)
	bs[4].Type = "table"
	doc := NewSnapshot(bs, "")

	res := Validate(doc, Request{Type: KindModifyTable, TargetBlockIDs: StringList{"b2"}}, DefaultConfig())

	require.False(t, res.IsValid)
	assert.Contains(t, res.ErrorMessage, `"paragraph"`)
	assert.Contains(t, res.ErrorMessage, "[table]")
	assert.ErrorIs(t, res.Err, domainerr.ErrSafety)

	res = Validate(doc, Request{Type: KindModifyTable, TargetBlockIDs: StringList{"b4"}}, DefaultConfig())
	require.True(t, res.IsValid)
	assert.Equal(t, []string{"b4"}, res.ResolvedTargets)
}

func TestValidateDeleteAllTargets(t *testing.T) {
	bs := blocks(3)
	doc := NewSnapshot(bs, "")

	res := Validate(doc, Request{Type: KindDelete, TargetBlockIDs: StringList{"b0", "b1", "b2"}}, DefaultConfig())

	require.False(t, res.IsValid)
	assert.Contains(t, res.ErrorMessage, "empty")

	res = Validate(doc, Request{Type: KindDelete, TargetBlockIDs: StringList{"b0"}}, DefaultConfig())
	require.True(t, res.IsValid)
	assert.Equal(t, 1, res.AffectedBlockCount)
}

func TestValidateNestedTargets(t *testing.T) {
	bs := blocks(2)
	bs[0].Children = []document.Block{{ID: "child", Type: "checkListItem"}}
	doc := NewSnapshot(bs, "")

	res := Validate(doc, Request{Type: KindModify, TargetBlockIDs: StringList{"child"}}, DefaultConfig())

	require.True(t, res.IsValid)
	assert.Equal(t, []string{"child"}, res.ResolvedTargets)
}

func TestValidateRequestShape(t *testing.T) {
	doc := NewSnapshot(blocks(2), "")

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing type", req: Request{}},
		{name: "unknown type", req: Request{Type: "rewrite"}},
		{name: "bad target id", req: Request{Type: KindModify, TargetBlockIDs: StringList{"b0", "has space"}}},
		{name: "bad reference id", req: Request{Type: KindAdd, ReferenceBlockID: "../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(doc, tt.req, DefaultConfig())
			require.False(t, res.IsValid)
			assert.ErrorIs(t, res.Err, domainerr.ErrValidation)
			assert.NotEmpty(t, res.ErrorMessage)
		})
	}
}

func TestStringListAcceptsStringOrArray(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"type":"modify","targetBlockIds":"b1","content":["x","y"]}`), &req))
	assert.Equal(t, StringList{"b1"}, req.TargetBlockIDs)
	assert.Equal(t, StringList{"x", "y"}, req.Content)

	req = Request{}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"add","targetBlockIds":null,"content":""}`), &req))
	assert.Nil(t, req.TargetBlockIDs)
	assert.Nil(t, req.Content)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"add","content":42}`), &req))
}
