package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(logger.Default())
}

func TestAddAndMarkSent(t *testing.T) {
	q := newTestQueue(t)

	p := q.Add("r1", "n1", SourceOrchestrator, "do the thing")
	assert.Equal(t, StatusPending, p.Status)
	assert.Nil(t, p.SentAt)

	require.NoError(t, q.MarkSent(p.ID))
	got, ok := q.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)
	assert.NotNil(t, got.SentAt)
}

func TestTransitionsOnlyFromPending(t *testing.T) {
	q := newTestQueue(t)

	p := q.Add("r1", "n1", SourceUser, "edit me")
	require.NoError(t, q.Cancel(p.ID, "changed mind"))

	assert.ErrorIs(t, q.MarkSent(p.ID), ErrNotPending)
	assert.ErrorIs(t, q.ModifyContent(p.ID, "too late"), ErrNotPending)
	assert.ErrorIs(t, q.Cancel(p.ID, "again"), ErrNotPending)
	assert.ErrorIs(t, q.MarkSent("missing"), ErrPromptNotFound)

	got, _ := q.Get(p.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "changed mind", got.CancelReason)
	assert.NotNil(t, got.CancelledAt)
}

func TestModifyContentKeepsPending(t *testing.T) {
	q := newTestQueue(t)

	p := q.Add("r1", "n1", SourceUser, "draft")
	require.NoError(t, q.ModifyContent(p.ID, "final wording"))

	got, _ := q.Get(p.ID)
	assert.Equal(t, "final wording", got.Content)
	assert.Equal(t, StatusPending, got.Status)
}

func TestQueriesByRunAndSource(t *testing.T) {
	q := newTestQueue(t)

	q.Add("r1", "n1", SourceOrchestrator, "a")
	q.Add("r1", "n2", SourceUser, "b")
	q.Add("r2", "n1", SourceOrchestrator, "c")

	assert.Len(t, q.ByRun("r1"), 2)
	assert.Len(t, q.ByRun("r2"), 1)

	user := q.BySource("r1", SourceUser)
	require.Len(t, user, 1)
	assert.Equal(t, "b", user[0].Content)
}

func TestPendingForNodeExcludesResolved(t *testing.T) {
	q := newTestQueue(t)

	p1 := q.Add("r1", "n1", SourceOrchestrator, "first")
	q.Add("r1", "n1", SourceOrchestrator, "second")
	require.NoError(t, q.MarkSent(p1.ID))

	pending := q.PendingForNode("r1", "n1")
	require.Len(t, pending, 1)
	assert.Equal(t, "second", pending[0].Content)
}

func TestClearRunCancelsPendingOnly(t *testing.T) {
	q := newTestQueue(t)

	p1 := q.Add("r1", "n1", SourceOrchestrator, "a")
	q.Add("r1", "n2", SourceUser, "b")
	q.Add("r2", "n1", SourceOrchestrator, "other run")
	require.NoError(t, q.MarkSent(p1.ID))

	assert.Equal(t, 1, q.ClearRun("r1"))
	assert.Empty(t, q.ByRun("r1"))
	assert.Len(t, q.ByRun("r2"), 1)
}

func TestInsertionOrder(t *testing.T) {
	q := newTestQueue(t)

	for _, content := range []string{"a", "b", "c"} {
		q.Add("r1", "n1", SourceOrchestrator, content)
	}
	all := q.ByRun("r1")
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Content)
	assert.Equal(t, "c", all[2].Content)
}
