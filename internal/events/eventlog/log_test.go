package eventlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return New(t.TempDir(), logger.Default())
}

func appendEvents(t *testing.T, l *Log, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := events.New(runID, events.NodeProgress, map[string]interface{}{"seq": i})
		require.NoError(t, l.Append(ev))
	}
}

func TestReplayEmptyLog(t *testing.T) {
	l := newTestLog(t)
	page, err := l.Replay("missing", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Nil(t, page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestReplayReturnsChronologicalOrder(t *testing.T) {
	l := newTestLog(t)
	appendEvents(t, l, "r1", 5)

	page, err := l.Replay("r1", 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Events, 5)
	for i, ev := range page.Events {
		assert.Equal(t, float64(i), ev.Payload["seq"])
	}
	assert.Nil(t, page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestReplayPagingWalksBackward(t *testing.T) {
	l := newTestLog(t)
	appendEvents(t, l, "r1", 10)

	// First page: the most recent 4 events.
	page, err := l.Replay("r1", 4, nil)
	require.NoError(t, err)
	require.Len(t, page.Events, 4)
	assert.Equal(t, float64(6), page.Events[0].Payload["seq"])
	assert.Equal(t, float64(9), page.Events[3].Payload["seq"])
	require.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	// Walk backward to the start; each page is ordered and contiguous.
	var collected []float64
	for _, ev := range page.Events {
		collected = append(collected, ev.Payload["seq"].(float64))
	}
	cursor := page.NextCursor
	for cursor != nil {
		page, err = l.Replay("r1", 4, cursor)
		require.NoError(t, err)
		require.NotEmpty(t, page.Events)
		var seqs []float64
		for _, ev := range page.Events {
			seqs = append(seqs, ev.Payload["seq"].(float64))
		}
		collected = append(seqs, collected...)
		cursor = page.NextCursor
		assert.Equal(t, cursor != nil, page.HasMore)
	}

	require.Len(t, collected, 10)
	for i, seq := range collected {
		assert.Equal(t, float64(i), seq)
	}
}

func TestReplayNextCursorNilIffNoMore(t *testing.T) {
	l := newTestLog(t)
	appendEvents(t, l, "r1", 3)

	page, err := l.Replay("r1", 3, nil)
	require.NoError(t, err)
	assert.Nil(t, page.NextCursor)
	assert.False(t, page.HasMore)

	page, err = l.Replay("r1", 2, nil)
	require.NoError(t, err)
	assert.NotNil(t, page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestReplaySpansReadBlocks(t *testing.T) {
	l := newTestLog(t)
	// Lines large enough that a page crosses the 64 KiB read block.
	big := make([]byte, 8*1024)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < 20; i++ {
		ev := events.New("r1", events.NodeProgress, map[string]interface{}{
			"seq":     i,
			"padding": string(big),
		})
		require.NoError(t, l.Append(ev))
	}

	page, err := l.Replay("r1", 12, nil)
	require.NoError(t, err)
	require.Len(t, page.Events, 12)
	assert.Equal(t, float64(8), page.Events[0].Payload["seq"])
	assert.Equal(t, float64(19), page.Events[11].Payload["seq"])
	assert.True(t, page.HasMore)
}

func TestRemoveDeletesLog(t *testing.T) {
	l := newTestLog(t)
	appendEvents(t, l, "r1", 2)
	require.NoError(t, l.Remove("r1"))

	page, err := l.Replay("r1", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, page.Events)

	// Removing twice is fine.
	require.NoError(t, l.Remove("r1"))
}

func TestAppendIsolatesRuns(t *testing.T) {
	l := newTestLog(t)
	appendEvents(t, l, "r1", 2)
	appendEvents(t, l, "r2", 3)

	p1, err := l.Replay("r1", 10, nil)
	require.NoError(t, err)
	p2, err := l.Replay("r2", 10, nil)
	require.NoError(t, err)
	assert.Len(t, p1.Events, 2)
	assert.Len(t, p2.Events, 3)
	for i, ev := range p2.Events {
		assert.Equal(t, "r2", ev.RunID, fmt.Sprintf("event %d", i))
	}
}
