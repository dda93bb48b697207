package notify

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle/coedit/internal/domainerr"
)

type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func (r *recorder) withStatus(status string) []Notification {
	var out []Notification
	for _, n := range r.all() {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out
}

func TestDecideDisplay(t *testing.T) {
	tests := []struct {
		count    int
		severity Severity
		category Category
		want     Display
	}{
		{0, SeverityError, CategoryOperation, DisplayToast},
		{1, SeverityError, CategoryOperation, DisplayInline},
		{3, SeverityInfo, CategoryOperation, DisplayInline},
		{4, SeverityError, CategoryOperation, DisplayBoth},
		{5, SeverityError, CategoryOperation, DisplayToast},
		{12, SeverityWarning, CategoryValidation, DisplayToast},
		{2, SeverityCritical, CategoryOperation, DisplayBoth},
		{0, SeverityError, CategorySystem, DisplayToast},
		{2, SeverityError, CategorySystem, DisplayBoth},
		{9, SeverityError, CategorySystem, DisplayToast},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s/%s", tt.count, tt.severity, tt.category), func(t *testing.T) {
			assert.Equal(t, tt.want, DecideDisplay(tt.count, tt.severity, tt.category))
		})
	}
}

func TestSixInsertsWithinWindowProduceOneNotification(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec)
	defer c.Close()

	ids := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
	for _, id := range ids {
		c.HandleOperationSuccess([]string{id}, "add", "insert")
	}

	require.Eventually(t, func() bool { return len(rec.withStatus(StatusModified)) > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	got := rec.withStatus(StatusModified)
	require.Len(t, got, 1)
	assert.Equal(t, ids, got[0].BlockIDs)
	assert.Equal(t, "insert", got[0].Action)
	assert.Equal(t, "Inserted 6 blocks: b1, b2, b3, b4, b5 and 1 more", got[0].Message)
	assert.Equal(t, DisplayToast, got[0].Display)
}

func TestBatchesAreKeyedByStatusAndAction(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, WithBatchWindow(time.Hour))

	c.HandleOperationStart([]string{"a", "b"}, "modify", "update")
	c.HandleOperationSuccess([]string{"a"}, "modify", "update")
	c.HandleOperationSuccess([]string{"b", "a"}, "modify", "update")
	c.HandleOperationSuccess([]string{"c"}, "delete", "delete")
	assert.Empty(t, rec.all())

	c.Flush()

	got := rec.all()
	require.Len(t, got, 3)
	byKey := map[string]Notification{}
	for _, n := range got {
		byKey[n.Status+"/"+n.Action] = n
	}
	assert.Equal(t, []string{"a", "b"}, byKey["loading/update"].BlockIDs)
	assert.Equal(t, []string{"a", "b"}, byKey["modified/update"].BlockIDs)
	assert.Equal(t, "Updated 2 blocks: a, b", byKey["modified/update"].Message)
	assert.Equal(t, "Deleted 1 block: c", byKey["modified/delete"].Message)
	assert.Equal(t, DisplayInline, byKey["modified/delete"].Display)

	c.Flush()
	assert.Len(t, rec.all(), 3)
}

func TestMaxListedIsConfigurable(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, WithBatchWindow(time.Hour), WithMaxListed(2))
	c.HandleOperationSuccess([]string{"a", "b", "c", "d"}, "add", "insert")
	c.Flush()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "Inserted 4 blocks: a, b and 2 more", got[0].Message)
	assert.Len(t, got[0].BlockIDs, 4)
}

func TestErrorsAreDeduplicated(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &recorder{}
	c := NewCoordinator(rec, WithClock(func() time.Time { return now }))
	err := domainerr.Operation("APPLY_FAILED", "could not apply change", errors.New("conflict"))

	assert.True(t, c.HandleOperationError([]string{"b2", "b1"}, "modify", err, ErrorOptions{}))
	assert.False(t, c.HandleOperationError([]string{"b1", "b2"}, "modify", err, ErrorOptions{}))

	now = now.Add(2 * time.Second)
	assert.False(t, c.HandleOperationError([]string{"b1", "b2"}, "modify", err, ErrorOptions{}))
	assert.True(t, c.HandleOperationError([]string{"b1"}, "modify", err, ErrorOptions{}))
	assert.True(t, c.HandleOperationError([]string{"b1", "b2"}, "delete", err, ErrorOptions{}))

	now = now.Add(5 * time.Second)
	assert.True(t, c.HandleOperationError([]string{"b1", "b2"}, "modify", err, ErrorOptions{}))

	assert.Len(t, rec.withStatus(StatusError), 4)
}

func TestErrorNotificationShape(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec)

	retryable := domainerr.Operation("APPLY_FAILED", "could not apply change", nil)
	require.True(t, c.HandleOperationError([]string{"b1"}, "modify", retryable, ErrorOptions{RetryID: "rop_1"}))
	safety := domainerr.Safety("WOULD_EMPTY_DOCUMENT", "document must never be left empty", nil)
	require.True(t, c.HandleOperationError([]string{"b1", "b2"}, "delete", safety, ErrorOptions{}))
	require.True(t, c.HandleOperationError(nil, "modify", errors.New("panic in executor"), ErrorOptions{}))

	got := rec.all()
	require.Len(t, got, 3)

	assert.True(t, got[0].Retryable)
	assert.Equal(t, "rop_1", got[0].RetryID)
	assert.Contains(t, got[0].Actions, "retry")
	assert.Equal(t, DisplayInline, got[0].Display)
	assert.Equal(t, CategoryOperation, got[0].Category)
	assert.Equal(t, "could not apply change", got[0].Message)

	assert.False(t, got[1].Retryable)
	assert.NotContains(t, got[1].Actions, "retry")
	assert.Equal(t, CategoryValidation, got[1].Category)
	assert.Greater(t, got[0].Priority, got[1].Priority)

	assert.Equal(t, CategorySystem, got[2].Category)
	assert.Equal(t, DisplayToast, got[2].Display)
	assert.Equal(t, []string{}, got[2].BlockIDs)
}

func TestClearErrorStateResetsDedup(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec)
	err := domainerr.Operation("APPLY_FAILED", "could not apply change", nil)

	require.True(t, c.HandleOperationError([]string{"b1"}, "modify", err, ErrorOptions{}))
	c.ClearErrorState("b1")
	assert.True(t, c.HandleOperationError([]string{"b1"}, "modify", err, ErrorOptions{}))

	cleared := rec.withStatus(StatusCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, []string{"b1"}, cleared[0].BlockIDs)
}

func TestHandleWarnings(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec)

	assert.False(t, c.HandleWarnings([]string{"b1"}, "modify", nil))
	assert.True(t, c.HandleWarnings([]string{"b1"}, "modify", []string{"target blocks not found: x"}))
	assert.False(t, c.HandleWarnings([]string{"b1"}, "modify", []string{"target blocks not found: x"}))

	got := rec.withStatus(StatusWarning)
	require.Len(t, got, 1)
	assert.Equal(t, SeverityWarning, got[0].Severity)
}

func TestCloseFlushesAndDropsLaterEvents(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, WithBatchWindow(time.Hour))
	c.HandleOperationSuccess([]string{"a"}, "add", "insert")

	c.Close()
	require.Len(t, rec.all(), 1)

	c.HandleOperationSuccess([]string{"b"}, "add", "insert")
	c.HandleOperationError([]string{"b"}, "add", errors.New("x"), ErrorOptions{})
	c.Flush()
	assert.Len(t, rec.all(), 1)
}
