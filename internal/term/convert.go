package term

import (
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"github.com/vito/midterm"
)

// convertCell maps one emulator cell onto the wire Cell model: termenv
// colors are resolved to 24-bit RGB and the attribute set is repacked into
// CellFlags.
func convertCell(r rune, f midterm.Format) Cell {
	cell := Cell{
		Codepoint: r,
		Fg:        resolveColor(f.Fg, DefaultCell.Fg),
		Bg:        resolveColor(f.Bg, DefaultCell.Bg),
		Width:     uint8(glyphWidth(r)),
	}

	if f.IsBold() {
		cell.Flags |= FlagBold
	}
	if f.IsFaint() {
		cell.Flags |= FlagDim
	}
	if f.IsItalic() {
		cell.Flags |= FlagItalic
	}
	if f.IsUnderline() {
		cell.Flags |= FlagUnderline
	}
	if f.IsReverse() {
		cell.Flags |= FlagInverse
	}
	if f.IsConceal() {
		cell.Flags |= FlagHidden
	}
	if f.IsBlink() {
		cell.Flags |= FlagBlink
	}

	return cell
}

// resolveColor converts any termenv color (named ANSI, 256-indexed, or
// true-color) to RGB, using fallback when the cell carries no color.
func resolveColor(c termenv.Color, fallback RGB) RGB {
	if c == nil {
		return fallback
	}
	if _, ok := c.(termenv.NoColor); ok {
		return fallback
	}
	rgb := termenv.ConvertToRGB(c)
	r, g, b := rgb.RGB255()
	return RGB{R: r, G: g, B: b}
}

// glyphWidth returns the display width of a rune: 2 for wide (CJK) glyphs,
// 1 otherwise. Width-0 continuation cells are produced by the snapshot loop,
// not here.
func glyphWidth(r rune) int {
	if runewidth.RuneWidth(r) == 2 {
		return 2
	}
	return 1
}
