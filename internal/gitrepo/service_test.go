package gitrepo

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"chronicle/coedit/internal/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(id, text string) document.Block {
	return document.Block{
		ID:      id,
		Type:    "paragraph",
		Props:   map[string]any{},
		Content: []document.InlineContent{{Type: "text", Text: text}},
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first := Snapshot{
		Metadata: document.Metadata{DocumentID: "doc-1", Version: 3, BlockCount: 2},
		Blocks:   []document.Block{block("a", "Alpha"), block("b", "Beta")},
	}
	c1, err := svc.Commit("doc-1", first, "Avery Quinn", "draft")
	require.NoError(t, err)
	require.Len(t, c1.Hash, 7)
	_, err = os.Stat(filepath.Join(tempDir, "doc-1", ".git"))
	require.NoError(t, err)

	second := Snapshot{
		Metadata: document.Metadata{DocumentID: "doc-1", Version: 5, BlockCount: 2},
		Blocks:   []document.Block{block("a", "Alpha edited"), block("c", "Gamma")},
	}
	c2, err := svc.Commit("doc-1", second, "Avery Quinn", "review")
	require.NoError(t, err)
	assert.NotEqual(t, c1.FullHash, c2.FullHash)

	history, err := svc.History("doc-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "review", history[0].Message)
	assert.Equal(t, "Avery Quinn", history[0].Author)

	limited, err := svc.History("doc-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	loaded, info, err := svc.Snapshot("doc-1", c1.Hash)
	require.NoError(t, err)
	assert.Equal(t, c1.FullHash, info.FullHash)
	assert.Equal(t, int64(3), loaded.Metadata.Version)
	require.Len(t, loaded.Blocks, 2)
	assert.Equal(t, "Beta", loaded.Blocks[1].Text())

	assert.Equal(t, []BlockChange{
		{BlockID: "a", Kind: ChangeModified},
		{BlockID: "c", Kind: ChangeAdded},
		{BlockID: "b", Kind: ChangeRemoved},
	}, Diff(loaded, second))

	require.NoError(t, svc.CreateTag("doc-1", c2.Hash, "v1"))
	require.NoError(t, svc.CreateTag("doc-1", c2.Hash, "v1"))
}

func TestHistoryWithoutCheckpoints(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("doc-none", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, _, err = svc.Snapshot("doc-none", "abc1234")
	assert.ErrorIs(t, err, ErrNoCheckpoints)
}

func TestRejectsPathLikeDocumentIDs(t *testing.T) {
	svc := New(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := svc.Commit(id, Snapshot{}, "x", "m")
		assert.Error(t, err, id)
	}
}

func TestDiffIgnoresBlockMetadata(t *testing.T) {
	a := block("a", "same")
	b := a
	b.Meta.Version = 9
	assert.Empty(t, Diff(Snapshot{Blocks: []document.Block{a}}, Snapshot{Blocks: []document.Block{b}}))
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	svc := New(t.TempDir())
	_, err := svc.Commit("doc-1", Snapshot{Blocks: []document.Block{block("a", "0")}}, "x", "init")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Commit("doc-1", Snapshot{Blocks: []document.Block{block("a", "n")}}, "x", "update")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := svc.History("doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestSanitizeEmail(t *testing.T) {
	assert.Equal(t, "Avery.Quinn", sanitizeEmail("Avery Quinn"))
	assert.Equal(t, "user", sanitizeEmail("@@@"))
}
