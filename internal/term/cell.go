// Package term implements the terminal pipeline: PTY-backed sessions, a
// VT-100/xterm emulation wrapper, dirty-row tracking, and the 60 Hz render
// pump that streams encoded frames to the UI boundary.
package term

import (
	"encoding/binary"
	"fmt"
)

// CellFlags is a bitset of text attributes, packed into a single byte on
// the wire.
type CellFlags uint8

const (
	FlagBold CellFlags = 1 << iota
	FlagItalic
	FlagUnderline
	FlagStrikethrough
	FlagInverse
	FlagDim
	FlagHidden
	FlagBlink
)

// RGB is a 24-bit color value.
type RGB struct {
	R, G, B uint8
}

// Cell is one character slot in the terminal grid.
//
// Width is 1 for normal glyphs, 2 for the leading half of a wide (CJK)
// glyph, and 0 for the trailing continuation slot of a wide glyph.
type Cell struct {
	Codepoint rune
	Fg        RGB
	Bg        RGB
	Flags     CellFlags
	Width     uint8
}

// DefaultCell is the blank cell used for empty grid positions.
var DefaultCell = Cell{
	Codepoint: ' ',
	Fg:        RGB{255, 255, 255},
	Bg:        RGB{0, 0, 0},
	Width:     1,
}

// CellSize is the wire size of one encoded cell.
const CellSize = 16

// Encode serializes the cell into its 16-byte wire record.
//
// Layout (little-endian):
//
//	bytes 0..4   codepoint as u32
//	bytes 4..7   fg RGB
//	bytes 7..10  bg RGB
//	byte  10     flags
//	byte  11     width
//	bytes 12..16 reserved, zero
func (c Cell) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Codepoint))
	buf[4] = c.Fg.R
	buf[5] = c.Fg.G
	buf[6] = c.Fg.B
	buf[7] = c.Bg.R
	buf[8] = c.Bg.G
	buf[9] = c.Bg.B
	buf[10] = uint8(c.Flags)
	buf[11] = c.Width
	buf[12] = 0
	buf[13] = 0
	buf[14] = 0
	buf[15] = 0
}

// DecodeCell reads one 16-byte wire record back into a Cell.
func DecodeCell(buf []byte) Cell {
	return Cell{
		Codepoint: rune(binary.LittleEndian.Uint32(buf[0:4])),
		Fg:        RGB{buf[4], buf[5], buf[6]},
		Bg:        RGB{buf[7], buf[8], buf[9]},
		Flags:     CellFlags(buf[10]),
		Width:     buf[11],
	}
}

// Grid is a rows × cols matrix of cells, row-major. Every row holds exactly
// Cols cells; a width-2 cell is always followed by a width-0 continuation in
// the same row.
type Grid struct {
	Cols, Rows int
	Cells      []Cell
}

// NewGrid allocates a grid filled with DefaultCell.
func NewGrid(cols, rows int) Grid {
	cells := make([]Cell, cols*rows)
	for i := range cells {
		cells[i] = DefaultCell
	}
	return Grid{Cols: cols, Rows: rows, Cells: cells}
}

// Row returns the cells of row y.
func (g Grid) Row(y int) []Cell {
	return g.Cells[y*g.Cols : (y+1)*g.Cols]
}

// EncodeRow serializes row y into 16*cols bytes.
func (g Grid) EncodeRow(y int) []byte {
	out := make([]byte, g.Cols*CellSize)
	for x, c := range g.Row(y) {
		c.Encode(out[x*CellSize:])
	}
	return out
}

// Encode serializes the whole grid, row-major.
func (g Grid) Encode() []byte {
	out := make([]byte, g.Cols*g.Rows*CellSize)
	for i, c := range g.Cells {
		c.Encode(out[i*CellSize:])
	}
	return out
}

// DecodeGrid rebuilds a grid from the wire encoding produced by Encode.
func DecodeGrid(cols, rows int, data []byte) (Grid, error) {
	if len(data) != cols*rows*CellSize {
		return Grid{}, fmt.Errorf("cell payload is %d bytes, want %d", len(data), cols*rows*CellSize)
	}
	g := Grid{Cols: cols, Rows: rows, Cells: make([]Cell, cols*rows)}
	for i := range g.Cells {
		g.Cells[i] = DecodeCell(data[i*CellSize:])
	}
	return g, nil
}
