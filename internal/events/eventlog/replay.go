package eventlog

import (
	"bytes"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/events"
)

// readBlock is the granularity of backward reads. Each step reads one block
// ending at the current scan position, so the pager touches at most
// ceil(page bytes / readBlock) + 1 blocks per call.
const readBlock = 64 * 1024

// Page is one chronologically ordered slice of a run's event history.
type Page struct {
	Events []*events.Event
	// NextCursor is the byte offset of the next unread line going backward,
	// i.e. the offset of the first line included in this page. Nil when the
	// page reached the start of the log.
	NextCursor *int64
	HasMore    bool
}

// Replay reads the most recent events of a run, ending before the cursor.
// A nil cursor (before <= 0) reads from the end of the file. Events within
// the page are in chronological order.
func (l *Log) Replay(runID string, limit int, before *int64) (*Page, error) {
	if limit <= 0 {
		limit = 100
	}

	f, err := os.Open(l.FilePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return &Page{}, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat event log: %w", err)
	}

	end := info.Size()
	if before != nil && *before >= 0 && *before < end {
		end = *before
	}
	if end == 0 {
		return &Page{}, nil
	}

	lines, firstOffset, err := readLinesBackward(f, end, limit)
	if err != nil {
		return nil, err
	}

	page := &Page{Events: make([]*events.Event, 0, len(lines))}
	for _, line := range lines {
		var ev events.Event
		if err := ev.UnmarshalJSON(line); err != nil {
			// A torn trailing line after a crash is skipped, not fatal.
			l.logger.Warn("skipping malformed event log line",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}
		page.Events = append(page.Events, &ev)
	}

	if firstOffset > 0 {
		cursor := firstOffset
		page.NextCursor = &cursor
		page.HasMore = true
	}
	return page, nil
}

// readLinesBackward collects up to limit complete lines that end at or
// before end, scanning the file in fixed-size blocks from the tail. It
// returns the lines in chronological order and the byte offset of the first
// returned line.
func readLinesBackward(f *os.File, end int64, limit int) ([][]byte, int64, error) {
	var (
		pending []byte // bytes read so far, possibly starting mid-line
		lines   [][]byte
		pos     = end
	)

	for pos > 0 && len(lines) < limit {
		size := int64(readBlock)
		if pos < size {
			size = pos
		}
		pos -= size

		block := make([]byte, size)
		if _, err := f.ReadAt(block, pos); err != nil {
			return nil, 0, fmt.Errorf("failed to read event log block: %w", err)
		}
		pending = append(block, pending...)

		// Split off complete lines from the tail of the pending buffer.
		// The bytes before the first newline may belong to a line that
		// starts in an earlier block, so they stay pending.
		for len(lines) < limit {
			idx := bytes.LastIndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := pending[idx+1:]
			pending = pending[:idx]
			if len(bytes.TrimSpace(line)) > 0 {
				lines = append(lines, line)
			}
		}
	}

	// pending now holds the line at the very start of the scanned region
	// when pos == 0 and we still want more lines.
	if pos == 0 && len(lines) < limit && len(bytes.TrimSpace(pending)) > 0 {
		lines = append(lines, pending)
		pending = nil
	}

	// Reverse into chronological order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	firstOffset := pos + int64(len(pending))
	if len(lines) == 0 {
		firstOffset = 0
	} else if len(pending) > 0 {
		// Account for the newline terminating the pending partial line.
		firstOffset++
	}
	return lines, firstOffset, nil
}
