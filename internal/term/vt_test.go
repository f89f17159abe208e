package term

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowText(g Grid, y int) string {
	var b strings.Builder
	for _, c := range g.Row(y) {
		if c.Width == 0 {
			continue
		}
		b.WriteRune(c.Codepoint)
	}
	return strings.TrimRight(b.String(), " ")
}

func TestEngineBasicText(t *testing.T) {
	e := NewEngine(20, 4)
	e.Process([]byte("hello"))

	g := e.Screen()
	require.Equal(t, 20, g.Cols)
	require.Equal(t, 4, g.Rows)
	assert.Equal(t, "hello", rowText(g, 0))
}

func TestEngineDeterminism(t *testing.T) {
	input := []byte("line one\r\nline \x1b[1mtwo\x1b[0m\r\n\x1b[3;5Hplaced")

	a := NewEngine(40, 10)
	b := NewEngine(40, 10)
	a.Process(input)
	b.Process(input)

	assert.Equal(t, a.Screen().Encode(), b.Screen().Encode())
}

func TestEngineWideGlyphPair(t *testing.T) {
	e := NewEngine(10, 2)
	e.Process([]byte("世"))

	g := e.Screen()
	assert.Equal(t, uint8(2), g.Row(0)[0].Width)
	assert.Equal(t, '世', g.Row(0)[0].Codepoint)
	assert.Equal(t, uint8(0), g.Row(0)[1].Width)
}

func TestEngineBoldFlag(t *testing.T) {
	e := NewEngine(10, 2)
	e.Process([]byte("\x1b[1mB"))

	g := e.Screen()
	assert.Equal(t, 'B', g.Row(0)[0].Codepoint)
	assert.NotZero(t, g.Row(0)[0].Flags&FlagBold)
}

func TestEngineTitle(t *testing.T) {
	e := NewEngine(10, 2)
	assert.Equal(t, "", e.Title())

	e.Process([]byte("\x1b]2;my title\x07"))
	assert.Equal(t, "my title", e.Title())

	// OSC 0 also sets the title; the terminating BEL is not a bell.
	e.Process([]byte("\x1b]0;other\x07"))
	assert.Equal(t, "other", e.Title())
	assert.False(t, e.TakeBell())
}

func TestEngineBell(t *testing.T) {
	e := NewEngine(10, 2)
	assert.False(t, e.TakeBell())

	e.Process([]byte("ding\x07"))
	assert.True(t, e.TakeBell())
	assert.False(t, e.TakeBell(), "TakeBell clears the flag")
}

func TestEngineCursorShape(t *testing.T) {
	e := NewEngine(10, 2)
	assert.Equal(t, CursorBlock, e.Cursor().Shape)

	e.Process([]byte("\x1b[4 q"))
	assert.Equal(t, CursorUnderline, e.Cursor().Shape)

	e.Process([]byte("\x1b[6 q"))
	assert.Equal(t, CursorBar, e.Cursor().Shape)

	e.Process([]byte("\x1b[?25l"))
	cur := e.Cursor()
	assert.False(t, cur.Visible)
	assert.Equal(t, CursorHidden, cur.Shape)

	e.Process([]byte("\x1b[?25h"))
	assert.True(t, e.Cursor().Visible)
}

func TestEngineCursorPosition(t *testing.T) {
	e := NewEngine(20, 5)
	e.Process([]byte("ab"))

	cur := e.Cursor()
	assert.Equal(t, 0, cur.Row)
	assert.Equal(t, 2, cur.Col)
}

func TestEngineResize(t *testing.T) {
	e := NewEngine(20, 5)
	e.Process([]byte("x"))
	e.Resize(30, 10)

	g := e.Screen()
	assert.Equal(t, 30, g.Cols)
	assert.Equal(t, 10, g.Rows)
}

func TestScannerSplitSequences(t *testing.T) {
	e := NewEngine(10, 2)

	// Title sequence split across two reads.
	e.Process([]byte("\x1b]2;spl"))
	e.Process([]byte("it\x07"))
	assert.Equal(t, "split", e.Title())

	// DECSCUSR split mid-sequence.
	e.Process([]byte("\x1b[5"))
	e.Process([]byte(" q"))
	assert.Equal(t, CursorBar, e.Cursor().Shape)
}

func TestScannerSTTerminator(t *testing.T) {
	e := NewEngine(10, 2)
	e.Process([]byte("\x1b]0;st-title\x1b\\"))
	assert.Equal(t, "st-title", e.Title())
}
