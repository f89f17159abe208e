package term

import (
	"bytes"

	"github.com/vito/midterm"
)

// CursorShape is the visual shape requested via DECSCUSR.
type CursorShape uint8

const (
	CursorBlock CursorShape = iota
	CursorUnderline
	CursorBar
	CursorHidden
)

// String returns the wire name of the shape.
func (s CursorShape) String() string {
	switch s {
	case CursorUnderline:
		return "underline"
	case CursorBar:
		return "bar"
	case CursorHidden:
		return "hidden"
	default:
		return "block"
	}
}

// Cursor is the cursor state exposed alongside every frame.
type Cursor struct {
	Row     int
	Col     int
	Shape   CursorShape
	Visible bool
}

// Engine feeds PTY output through an xterm-compatible state machine and
// exposes grid snapshots.
//
// midterm handles the grid, attributes, and cursor position. Title (OSC 0/2),
// bell, cursor shape (DECSCUSR), and cursor visibility (DECTCEM) are tracked
// by a byte scanner in front of it, since midterm does not surface them.
// Processing is stateful and order-preserving: two fresh engines fed the
// same byte stream produce identical grids.
type Engine struct {
	vt        *midterm.Terminal
	cols      int
	rows      int
	responses bytes.Buffer

	scan    seqScanner
	title   string
	bell    bool
	shape   CursorShape
	visible bool
}

// NewEngine creates an engine with the given dimensions.
func NewEngine(cols, rows int) *Engine {
	e := &Engine{
		cols:    cols,
		rows:    rows,
		shape:   CursorBlock,
		visible: true,
	}
	e.vt = midterm.NewTerminal(rows, cols)
	// Answerback for DSR/CPR queries is collected here and drained by the
	// session back into the PTY.
	e.vt.ForwardResponses = &e.responses
	return e
}

// Process feeds raw output bytes into the state machine.
func (e *Engine) Process(data []byte) {
	e.scan.feed(data, e)
	_, _ = e.vt.Write(data)
}

// Resize changes the emulated screen dimensions.
func (e *Engine) Resize(cols, rows int) {
	e.cols = cols
	e.rows = rows
	e.vt.Resize(rows, cols)
}

// Cols returns the current column count.
func (e *Engine) Cols() int { return e.cols }

// Rows returns the current row count.
func (e *Engine) Rows() int { return e.rows }

// Title returns the last title set via OSC 0/2, or "".
func (e *Engine) Title() string { return e.title }

// TakeBell reports whether the bell rang since the last call, and clears it.
func (e *Engine) TakeBell() bool {
	b := e.bell
	e.bell = false
	return b
}

// TakeResponses drains bytes the emulator wants written back to the PTY
// (device status reports, cursor position reports).
func (e *Engine) TakeResponses() []byte {
	if e.responses.Len() == 0 {
		return nil
	}
	out := make([]byte, e.responses.Len())
	copy(out, e.responses.Bytes())
	e.responses.Reset()
	return out
}

// Cursor returns the current cursor state.
func (e *Engine) Cursor() Cursor {
	row := e.vt.Cursor.Y
	col := e.vt.Cursor.X
	if row < 0 {
		row = 0
	}
	if col < 0 {
		col = 0
	}
	if row >= e.rows {
		row = e.rows - 1
	}
	if col >= e.cols {
		col = e.cols - 1
	}
	shape := e.shape
	if !e.visible {
		shape = CursorHidden
	}
	return Cursor{Row: row, Col: col, Shape: shape, Visible: e.visible}
}

// Screen snapshots the visible grid. Every row holds exactly Cols cells;
// wide glyphs are emitted as a width-2 cell followed by a width-0
// continuation.
func (e *Engine) Screen() Grid {
	g := NewGrid(e.cols, e.rows)
	for y := 0; y < e.rows; y++ {
		if y >= len(e.vt.Content) {
			break
		}
		line := e.vt.Content[y]
		var formats []midterm.Format
		if y < e.vt.Format.Height() {
			for region := range e.vt.Format.Regions(y) {
				for i := 0; i < region.Size; i++ {
					formats = append(formats, region.F)
				}
			}
		}
		row := g.Row(y)
		continuation := false
		for x := 0; x < e.cols; x++ {
			if continuation {
				row[x] = Cell{Width: 0, Fg: DefaultCell.Fg, Bg: DefaultCell.Bg}
				continuation = false
				continue
			}
			r := ' '
			if x < len(line) && line[x] != 0 {
				r = line[x]
			}
			var f midterm.Format
			if x < len(formats) {
				f = formats[x]
			}
			cell := convertCell(r, f)
			if cell.Width == 2 && x+1 < e.cols {
				continuation = true
			}
			row[x] = cell
		}
	}
	return g
}

// handleTitle, handleBell, handleCursorShape and handleCursorVisible are the
// seqScanner callbacks.

func (e *Engine) handleTitle(title string)      { e.title = title }
func (e *Engine) handleBell()                   { e.bell = true }
func (e *Engine) handleCursorShape(ps int)      { e.shape = decscusrShape(ps) }
func (e *Engine) handleCursorVisible(show bool) { e.visible = show }

func decscusrShape(ps int) CursorShape {
	switch ps {
	case 3, 4:
		return CursorUnderline
	case 5, 6:
		return CursorBar
	default: // 0, 1, 2 and anything unrecognized
		return CursorBlock
	}
}
