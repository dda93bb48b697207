package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/coedit/internal/blob"
	"chronicle/coedit/internal/document"
	"chronicle/coedit/internal/domainerr"
	"chronicle/coedit/internal/gitrepo"
	"chronicle/coedit/internal/notify"
	"chronicle/coedit/internal/presence"
	"chronicle/coedit/internal/retry"
	"chronicle/coedit/internal/safety"
	"chronicle/coedit/internal/search"
	"chronicle/coedit/internal/status"
	"chronicle/coedit/internal/store"
)

func paragraph(id, text string) document.Block {
	return document.Block{
		ID:      id,
		Type:    "paragraph",
		Props:   map[string]any{},
		Content: []document.InlineContent{{Type: "text", Text: text}},
	}
}

func blockIDs(blocks []document.Block) []string {
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.ID)
	}
	return ids
}

func newTestService(t *testing.T, opts ...Option) (*Service, *store.MemoryStore) {
	t.Helper()
	log := store.NewMemoryStore()
	svc := New(log, opts...)
	t.Cleanup(svc.Close)
	return svc, log
}

func seed(t *testing.T, svc *Service, documentID string, blocks ...document.Block) {
	t.Helper()
	_, err := svc.ReplaceBlocks(context.Background(), documentID, blocks, "seed")
	require.NoError(t, err)
}

func modify(target, text string) MutationRequest {
	return MutationRequest{
		Request: safety.Request{
			Type:           safety.KindModify,
			TargetBlockIDs: safety.StringList{target},
			Content:        safety.StringList{text},
		},
		ActorID: "agent",
	}
}

func findNotification(sess *Session, status string) (notify.Notification, bool) {
	notes := sess.Notifications()
	for i := len(notes) - 1; i >= 0; i-- {
		if notes[i].Status == status {
			return notes[i], true
		}
	}
	return notify.Notification{}, false
}

// flaky fails the first n applications with a retryable error.
func flaky(n int32) (Applier, *atomic.Int32) {
	var calls atomic.Int32
	return ApplierFunc(func(ctx context.Context, doc *document.Document, plan Plan) error {
		if calls.Add(1) <= n {
			return domainerr.Operation("BACKEND_DOWN", "editor backend unavailable", nil)
		}
		return DocumentApplier{}.Apply(ctx, doc, plan)
	}), &calls
}

func TestOpenRequiresDocumentID(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Open(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, domainerr.KindValidation, domainerr.KindOf(err))
}

func TestOpenReturnsSameSession(t *testing.T) {
	svc, _ := newTestService(t)
	a, err := svc.Open(context.Background(), "doc-1")
	require.NoError(t, err)
	b, err := svc.Open(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, []string{"doc-1"}, svc.OpenDocuments())
}

func TestSubmitModifyAppliesAndMarksModified(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	result, err := svc.Submit(ctx, "doc-1", modify("b2", "changed"))
	require.NoError(t, err)
	assert.True(t, result.Validation.IsValid)
	assert.Equal(t, []string{"b2"}, result.AffectedBlockIDs)
	assert.Empty(t, result.RetryOperationID)

	sess, err := svc.Open(ctx, "doc-1")
	require.NoError(t, err)
	b2, ok := sess.Doc.Block("b2")
	require.True(t, ok)
	assert.Equal(t, "changed", b2.Text())
	assert.Equal(t, status.Modified, sess.Status.Get("b2").Status)
	assert.Equal(t, status.Idle, sess.Status.Get("b1").Status)
}

func TestSubmitFallsBackToLastBlockWithWarning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	result, err := svc.Submit(ctx, "doc-1", modify("gone", "changed"))
	require.NoError(t, err)
	assert.True(t, result.Validation.FallbackUsed)
	assert.Equal(t, []string{"b2"}, result.AffectedBlockIDs)
	assert.NotEmpty(t, result.Validation.Warnings)

	sess, _ := svc.Open(ctx, "doc-1")
	_, warned := findNotification(sess, notify.StatusWarning)
	assert.True(t, warned)
}

func TestSubmitRejectedLeavesDocumentUntouched(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "only"))

	result, err := svc.Submit(ctx, "doc-1", MutationRequest{
		Request: safety.Request{Type: safety.KindDelete, TargetBlockIDs: safety.StringList{"b1"}},
	})
	require.Error(t, err)
	assert.Equal(t, domainerr.KindSafety, domainerr.KindOf(err))
	assert.False(t, result.Validation.IsValid)
	assert.Empty(t, result.AffectedBlockIDs)

	sess, _ := svc.Open(ctx, "doc-1")
	assert.Equal(t, 1, sess.Doc.Len())
	assert.Equal(t, status.Idle, sess.Status.Get("b1").Status)
	assert.Empty(t, sess.Retries.List())

	rejected, ok := findNotification(sess, notify.StatusError)
	require.True(t, ok)
	assert.Equal(t, notify.CategoryValidation, rejected.Category)
	assert.False(t, rejected.Retryable)
}

func TestSubmitInvalidShape(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), "doc-1", MutationRequest{Request: safety.Request{Type: "rename"}})
	require.Error(t, err)
	assert.Equal(t, domainerr.KindValidation, domainerr.KindOf(err))
}

func TestSubmitAddInsertsAfterReference(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	result, err := svc.Submit(ctx, "doc-1", MutationRequest{
		Request: safety.Request{
			Type:             safety.KindAdd,
			ReferenceBlockID: "b1",
			Content:          safety.StringList{"x", "y"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.AffectedBlockIDs, 2)

	sess, _ := svc.Open(ctx, "doc-1")
	blocks := sess.Doc.Blocks()
	require.Len(t, blocks, 4)
	assert.Equal(t, []string{"b1", result.AffectedBlockIDs[0], result.AffectedBlockIDs[1], "b2"}, blockIDs(blocks))
	assert.Equal(t, "x", blocks[1].Text())
	assert.Equal(t, "y", blocks[2].Text())
	for _, id := range result.AffectedBlockIDs {
		assert.Equal(t, status.Modified, sess.Status.Get(id).Status)
	}
}

func TestSubmitChecklistOnEmptyDocumentCreatesFirstBlock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Submit(ctx, "doc-1", MutationRequest{
		Request: safety.Request{Type: safety.KindCreateChecklist, Content: safety.StringList{"buy milk"}},
	})
	require.NoError(t, err)
	assert.Equal(t, safety.ReasonEmptyDocument, result.Validation.FallbackReason)

	sess, _ := svc.Open(ctx, "doc-1")
	blocks := sess.Doc.Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, "checkListItem", blocks[0].Type)
	assert.Equal(t, false, blocks[0].Props["checked"])
}

func TestSubmitModifyTableSetsRows(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", document.Block{ID: "t1", Type: "table", Props: map[string]any{}})

	_, err := svc.Submit(ctx, "doc-1", MutationRequest{
		Request: safety.Request{
			Type:           safety.KindModifyTable,
			TargetBlockIDs: safety.StringList{"t1"},
			Content:        safety.StringList{"a | b", "c | d"},
		},
	})
	require.NoError(t, err)

	sess, _ := svc.Open(ctx, "doc-1")
	t1, ok := sess.Doc.Block("t1")
	require.True(t, ok)
	assert.NotNil(t, t1.Props["rows"])
}

func TestFailedSubmitRegistersRetryThatSucceeds(t *testing.T) {
	applier, calls := flaky(1)
	svc, _ := newTestService(t, WithApplier(applier))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	result, err := svc.Submit(ctx, "doc-1", modify("b1", "fixed"))
	require.Error(t, err)
	require.NotEmpty(t, result.RetryOperationID)

	sess, _ := svc.Open(ctx, "doc-1")
	assert.Equal(t, status.Error, sess.Status.Get("b1").Status)
	require.Len(t, sess.Retries.RetryableForBlock("b1"), 1)
	failure, ok := findNotification(sess, notify.StatusError)
	require.True(t, ok)
	assert.Equal(t, result.RetryOperationID, failure.RetryID)
	assert.True(t, failure.Retryable)

	retried, err := svc.Retry(ctx, "doc-1", result.RetryOperationID)
	require.NoError(t, err)
	assert.Equal(t, retry.OutcomeSucceeded, retried.Outcome)
	assert.Nil(t, retried.Operation)
	assert.Equal(t, int32(2), calls.Load())

	b1, _ := sess.Doc.Block("b1")
	assert.Equal(t, "fixed", b1.Text())
	assert.Equal(t, status.Modified, sess.Status.Get("b1").Status)
	assert.Empty(t, sess.Retries.List())
}

func TestRetryOfInsertDoesNotDuplicateBlocks(t *testing.T) {
	var calls atomic.Int32
	applier := ApplierFunc(func(ctx context.Context, doc *document.Document, plan Plan) error {
		err := DocumentApplier{}.Apply(ctx, doc, plan)
		if calls.Add(1) == 1 {
			return domainerr.Network("ACK_LOST", "acknowledgement lost", nil)
		}
		return err
	})
	svc, _ := newTestService(t, WithApplier(applier))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"))

	result, err := svc.Submit(ctx, "doc-1", MutationRequest{
		Request: safety.Request{Type: safety.KindAdd, ReferenceBlockID: "b1", Content: safety.StringList{"new"}},
	})
	require.Error(t, err)
	require.NotEmpty(t, result.RetryOperationID)

	sess, _ := svc.Open(ctx, "doc-1")
	require.Equal(t, 2, sess.Doc.Len())

	retried, err := svc.Retry(ctx, "doc-1", result.RetryOperationID)
	require.NoError(t, err)
	assert.Equal(t, retry.OutcomeSucceeded, retried.Outcome)
	assert.Equal(t, 2, sess.Doc.Len())
	assert.Equal(t, []string{"b1", result.AffectedBlockIDs[0]}, blockIDs(sess.Doc.Blocks()))
}

func TestRetryStopsWhenDocumentNoLongerAllowsIt(t *testing.T) {
	applier, _ := flaky(1)
	svc, _ := newTestService(t, WithApplier(applier), WithSettings(Settings{
		MaxRetries:  3,
		MaxTargets:  safety.DefaultMaxTargets,
		DedupWindow: notify.DefaultDedupWindow,
		BatchWindow: notify.DefaultBatchWindow,
		MaxListed:   notify.DefaultMaxListed,
	}))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	result, err := svc.Submit(ctx, "doc-1", modify("b2", "later"))
	require.Error(t, err)
	require.NotEmpty(t, result.RetryOperationID)

	// Without fallback the removed target now fails validation.
	seed(t, svc, "doc-1", paragraph("b1", "one"))

	retried, err := svc.Retry(ctx, "doc-1", result.RetryOperationID)
	require.Error(t, err)
	assert.Equal(t, retry.OutcomeExhausted, retried.Outcome)
	require.NotNil(t, retried.Operation)
	assert.True(t, retried.Operation.Exhausted())

	sess, _ := svc.Open(ctx, "doc-1")
	assert.Equal(t, status.Error, sess.Status.Get("b2").Status)

	// Retrying a terminal operation must not cycle the block through loading.
	before := len(sess.Status.History())
	again, err := svc.Retry(ctx, "doc-1", result.RetryOperationID)
	require.Error(t, err)
	assert.Equal(t, retry.OutcomeExhausted, again.Outcome)
	assert.Len(t, sess.Status.History(), before)
	assert.Equal(t, status.Error, sess.Status.Get("b2").Status)
}

func TestRetryUnknownOperation(t *testing.T) {
	svc, _ := newTestService(t)
	result, err := svc.Retry(context.Background(), "doc-1", "retry_missing")
	require.Error(t, err)
	assert.Equal(t, retry.OutcomeNotFound, result.Outcome)
	assert.Equal(t, domainerr.KindNotFound, domainerr.KindOf(err))
}

func TestSuccessSupersedesStaleRetry(t *testing.T) {
	applier, _ := flaky(1)
	svc, _ := newTestService(t, WithApplier(applier))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	failed, err := svc.Submit(ctx, "doc-1", modify("b1", "first"))
	require.Error(t, err)
	require.NotEmpty(t, failed.RetryOperationID)

	_, err = svc.Submit(ctx, "doc-1", modify("b1", "second"))
	require.NoError(t, err)

	sess, _ := svc.Open(ctx, "doc-1")
	assert.Empty(t, sess.Retries.List())
}

func TestClearErrorResetsBlock(t *testing.T) {
	applier, _ := flaky(10)
	svc, _ := newTestService(t, WithApplier(applier))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	_, err := svc.Submit(ctx, "doc-1", modify("b1", "nope"))
	require.Error(t, err)

	entry, err := svc.ClearError(ctx, "doc-1", "b1")
	require.NoError(t, err)
	assert.Equal(t, status.Idle, entry.Status)

	sess, _ := svc.Open(ctx, "doc-1")
	assert.Empty(t, sess.Retries.List())
	cleared, ok := findNotification(sess, notify.StatusCleared)
	require.True(t, ok)
	assert.Equal(t, []string{"b1"}, cleared.BlockIDs)
}

func TestDiscardRetry(t *testing.T) {
	applier, _ := flaky(1)
	svc, _ := newTestService(t, WithApplier(applier))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"))

	result, err := svc.Submit(ctx, "doc-1", modify("b1", "x"))
	require.Error(t, err)

	require.NoError(t, svc.DiscardRetry(ctx, "doc-1", result.RetryOperationID))
	err = svc.DiscardRetry(ctx, "doc-1", result.RetryOperationID)
	assert.Equal(t, domainerr.KindNotFound, domainerr.KindOf(err))
}

func TestNonTaxonomyApplyErrorIsRetryable(t *testing.T) {
	svc, _ := newTestService(t, WithApplier(ApplierFunc(func(context.Context, *document.Document, Plan) error {
		return errors.New("boom")
	})))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"))

	result, err := svc.Submit(ctx, "doc-1", modify("b1", "x"))
	require.Error(t, err)
	assert.Equal(t, domainerr.KindOperation, domainerr.KindOf(err))
	assert.NotEmpty(t, result.RetryOperationID)
}

func TestNetworkApplyErrorSurfacesAsOperation(t *testing.T) {
	cause := domainerr.Network("RELAY_DOWN", "relay unreachable", nil)
	svc, _ := newTestService(t, WithApplier(ApplierFunc(func(context.Context, *document.Document, Plan) error {
		return cause
	})))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"))

	result, err := svc.Submit(ctx, "doc-1", modify("b1", "x"))
	require.Error(t, err)
	assert.Equal(t, domainerr.KindOperation, domainerr.KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.NotEmpty(t, result.RetryOperationID)
}

func TestConcurrentDeletesNeverEmptyDocument(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	svc, _ := newTestService(t, WithApplier(ApplierFunc(func(ctx context.Context, doc *document.Document, plan Plan) error {
		entered <- struct{}{}
		<-release
		return DocumentApplier{}.Apply(ctx, doc, plan)
	})))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("a", "one"), paragraph("b", "two"))

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func() {
			_, err := svc.Submit(ctx, "doc-1", MutationRequest{Request: safety.Request{
				Type:           safety.KindDelete,
				TargetBlockIDs: safety.StringList{id},
			}})
			errs <- err
		}()
	}

	<-entered
	select {
	case <-entered:
		t.Fatal("second delete reached the applier while the first was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	failed := 0
	for range 2 {
		if err := <-errs; err != nil {
			failed++
			assert.Equal(t, domainerr.KindSafety, domainerr.KindOf(err))
		}
	}
	assert.Equal(t, 1, failed)
	sess, _ := svc.Open(ctx, "doc-1")
	assert.Equal(t, 1, sess.Doc.Len())
}

func TestLocalUpdatesPersistAndReplay(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"))
	_, err := svc.Submit(ctx, "doc-1", modify("b1", "persisted"))
	require.NoError(t, err)

	sess, _ := svc.Open(ctx, "doc-1")
	replica := sess.Doc.ReplicaID()
	svc.CloseDocument("doc-1")

	updates, err := log.ListUpdates(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	for _, u := range updates {
		assert.Equal(t, replica, u.Origin)
	}

	reopened := New(log)
	defer reopened.Close()
	again, err := reopened.Open(ctx, "doc-1")
	require.NoError(t, err)
	b1, ok := again.Doc.Block("b1")
	require.True(t, ok)
	assert.Equal(t, "persisted", b1.Text())
	assert.Equal(t, updates[1].Seq, again.LastSeq())
}

func TestApplyRemoteConverges(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	peer := document.New("doc-1")
	defer peer.Close()
	require.NoError(t, peer.ReplaceAllBlocks([]document.Block{paragraph("p1", "from peer"), paragraph("p2", "also")}, "peer"))
	state, err := peer.EncodeState()
	require.NoError(t, err)

	md, err := svc.ApplyRemote(ctx, "doc-1", "peer-replica", state)
	require.NoError(t, err)
	assert.Equal(t, 2, md.BlockCount)

	sess, _ := svc.Open(ctx, "doc-1")
	assert.Equal(t, blockIDs(peer.Blocks()), blockIDs(sess.Doc.Blocks()))

	updates, err := log.ListUpdates(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "peer-replica", updates[0].Origin)
	assert.Equal(t, updates[0].Seq, sess.LastSeq())
}

func TestApplyRemoteRejectsMalformed(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyRemote(ctx, "doc-1", "peer", []byte("not an update"))
	require.Error(t, err)
	assert.Equal(t, domainerr.KindValidation, domainerr.KindOf(err))

	updates, err := log.ListUpdates(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestStateRoundTripsToFreshReplica(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	state, err := svc.State(ctx, "doc-1")
	require.NoError(t, err)

	fresh := document.New("doc-1")
	defer fresh.Close()
	require.NoError(t, fresh.ApplyRemoteUpdate(state))
	assert.Equal(t, []string{"b1", "b2"}, blockIDs(fresh.Blocks()))
}

func TestCompactFoldsLogIntoSnapshot(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		peer := document.New("doc-1")
		require.NoError(t, peer.ReplaceAllBlocks([]document.Block{paragraph("p-"+text, text)}, "peer"))
		update, err := peer.EncodeState()
		require.NoError(t, err)
		peer.Close()
		_, err = svc.ApplyRemote(ctx, "doc-1", "peer", update)
		require.NoError(t, err)
	}
	sess, _ := svc.Open(ctx, "doc-1")
	before := blockIDs(sess.Doc.Blocks())

	snapshot, err := svc.Compact(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, snapshot.IsSnapshot)

	updates, err := log.ListUpdates(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, store.OriginCompaction, updates[0].Origin)

	svc.CloseDocument("doc-1")
	reopened, err := svc.Open(ctx, "doc-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, before, blockIDs(reopened.Doc.Blocks()))
}

func TestCheckpointAndRestore(t *testing.T) {
	archive := blob.NewMemoryArchive()
	svc, _ := newTestService(t, WithCheckpoints(gitrepo.New(t.TempDir())), WithArchive(archive))
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "original"), paragraph("b2", "two"))

	cp, err := svc.Checkpoint(ctx, "doc-1", "before edits", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, cp.CommitHash)
	assert.Equal(t, 2, cp.BlockCount)
	assert.Equal(t, blob.StateKey("doc-1", cp.ID), cp.ArchiveKey)

	state, err := archive.Get(ctx, cp.ArchiveKey)
	require.NoError(t, err)
	assert.NotEmpty(t, state)

	_, err = svc.Submit(ctx, "doc-1", modify("b1", "edited"))
	require.NoError(t, err)

	items, err := svc.Checkpoints(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, cp.ID, items[0].ID)

	snapshot, err := svc.CheckpointBlocks(ctx, "doc-1", cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, blockIDs(snapshot.Blocks))

	_, err = svc.RestoreCheckpoint(ctx, "doc-1", cp.ID, "alice")
	require.NoError(t, err)
	sess, _ := svc.Open(ctx, "doc-1")
	b1, ok := sess.Doc.Block("b1")
	require.True(t, ok)
	assert.Equal(t, "original", b1.Text())
}

func TestCheckpointUnknownAndUnavailable(t *testing.T) {
	svc, _ := newTestService(t, WithCheckpoints(gitrepo.New(t.TempDir())))
	ctx := context.Background()
	_, err := svc.RestoreCheckpoint(ctx, "doc-1", "cp_missing", "alice")
	assert.Equal(t, domainerr.KindNotFound, domainerr.KindOf(err))

	bare, _ := newTestService(t)
	_, err = bare.Checkpoint(ctx, "doc-1", "", "alice")
	assert.Equal(t, domainerr.KindNetwork, domainerr.KindOf(err))
}

func TestPresenceIsSharedThroughMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mirror := presence.NewRedisMirrorWithClient(client)

	a, _ := newTestService(t, WithPresenceMirror(mirror))
	b, _ := newTestService(t, WithPresenceMirror(mirror))
	ctx := context.Background()

	entry, err := a.UpdatePresence(ctx, "doc-1", "alice", document.PresenceUpdate{Name: "Alice", Color: "#f00"})
	require.NoError(t, err)
	assert.Equal(t, "alice", entry.UserID)

	seen, err := b.Presence(ctx, "doc-1", false)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "Alice", seen[0].Name)

	active, err := b.Presence(ctx, "doc-1", true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, a.RemovePresence(ctx, "doc-1", "alice"))
	members, err := mirror.Members(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPresenceRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.UpdatePresence(context.Background(), "doc-1", "", document.PresenceUpdate{})
	assert.Equal(t, domainerr.KindValidation, domainerr.KindOf(err))
}

func TestSearchIndexesDocumentBlocks(t *testing.T) {
	svc, _ := newTestService(t, WithIndex(search.NewService(nil, nil)))
	seed(t, svc, "doc-1", paragraph("b1", "quarterly revenue"), paragraph("b2", "headcount"))

	require.Eventually(t, func() bool {
		return svc.Search(search.Query{Text: "revenue"}).Total == 1
	}, 2*time.Second, 20*time.Millisecond)
	res := svc.Search(search.Query{Text: "revenue"})
	assert.Equal(t, "b1", res.Results[0].BlockID)
	assert.Equal(t, "doc-1", res.Results[0].DocumentID)
}

func TestSearchWithoutIndex(t *testing.T) {
	svc, _ := newTestService(t)
	res := svc.Search(search.Query{Text: "x"})
	assert.Empty(t, res.Results)
	assert.NotNil(t, res.Results)
}

func TestSessionStreamsEvents(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seed(t, svc, "doc-1", paragraph("b1", "one"), paragraph("b2", "two"))

	sess, _ := svc.Open(ctx, "doc-1")
	events, cancel := sess.Subscribe()
	defer cancel()

	_, err := svc.Submit(ctx, "doc-1", modify("b1", "streamed"))
	require.NoError(t, err)

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !(seen[EventUpdate] && seen[EventStatus]) {
		select {
		case evt := <-events:
			seen[evt.Type] = true
		case <-timeout:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestDocumentsListsPersistedIDs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.UpdatePresence(ctx, "doc-empty", "bob", document.PresenceUpdate{})
	require.NoError(t, err)
	seed(t, svc, "doc-1", paragraph("b1", "one"))
	svc.CloseDocument("doc-1")

	docs, err := svc.Documents(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-1", docs[0].ID)
}
