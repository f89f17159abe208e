package ipc

import (
	"sort"
	"sync"

	"github.com/kabletv/phantom/internal/term"
)

// frameCoalescer is the per-session backpressure buffer between a render
// pump and one connection's writer. Frames never queue unboundedly: a
// pending DirtyRows absorbs newer DirtyRows (row set unioned, last writer
// wins per row) and a FullFrame drops all pending dirty rows. Non-frame
// events (title, bell, exited) keep their order in a small side queue.
type frameCoalescer struct {
	mu     sync.Mutex
	full   *term.FullFrame
	dirty  map[int]term.DirtyRow
	cursor term.CursorInfo
	others []term.Event
	notify chan struct{}
}

func newFrameCoalescer() *frameCoalescer {
	return &frameCoalescer{notify: make(chan struct{}, 1)}
}

// Add absorbs one event.
func (c *frameCoalescer) Add(ev term.Event) {
	c.mu.Lock()
	switch e := ev.(type) {
	case term.FullFrame:
		c.full = &e
		c.dirty = nil
		c.cursor = e.CursorInfo
	case term.DirtyRows:
		if c.full != nil {
			// Newer rows patch the pending full frame in place.
			patchFullFrame(c.full, e.Rows)
			c.full.CursorInfo = e.CursorInfo
		} else {
			if c.dirty == nil {
				c.dirty = make(map[int]term.DirtyRow)
			}
			for _, row := range e.Rows {
				c.dirty[row.Y] = row
			}
			c.cursor = e.CursorInfo
		}
	default:
		c.others = append(c.others, ev)
	}
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// patchFullFrame overwrites the rows of a pending full frame with newer
// dirty-row content.
func patchFullFrame(full *term.FullFrame, rows []term.DirtyRow) {
	rowLen := full.Cols * term.CellSize
	for _, row := range rows {
		off := row.Y * rowLen
		if row.Y < 0 || off+rowLen > len(full.Cells) || len(row.Cells) != rowLen {
			continue
		}
		copy(full.Cells[off:off+rowLen], row.Cells)
	}
}

// Ready signals when Take has something to return.
func (c *frameCoalescer) Ready() <-chan struct{} { return c.notify }

// Take drains the next batch: at most one frame event plus all queued
// non-frame events, in that order.
func (c *frameCoalescer) Take() []term.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []term.Event
	if c.full != nil {
		out = append(out, *c.full)
		c.full = nil
	} else if len(c.dirty) > 0 {
		ys := make([]int, 0, len(c.dirty))
		for y := range c.dirty {
			ys = append(ys, y)
		}
		sort.Ints(ys)
		rows := make([]term.DirtyRow, 0, len(ys))
		for _, y := range ys {
			rows = append(rows, c.dirty[y])
		}
		out = append(out, term.DirtyRows{Rows: rows, CursorInfo: c.cursor})
		c.dirty = nil
	}
	out = append(out, c.others...)
	c.others = nil
	return out
}
