package term

import (
	"bytes"
	"errors"
	"sync"
)

// SessionID identifies a terminal session. IDs are dense, monotonically
// assigned, and never reused within a process.
type SessionID = uint64

// Session pairs one PTY with one VT engine and owns the dirty-row set.
//
// The render pump is the sole driver of ReadAndAdvance and DrainFrame;
// WriteInput may be called from any goroutine. A mutex serializes the two so
// an input write is either fully applied to the PTY or not at all.
type Session struct {
	id SessionID

	mu   sync.Mutex
	pty  *Pty
	vt   *Engine
	cols int
	rows int

	frameVersion uint64
	dirty        map[int]struct{}
	// lastRows holds the wire encoding of each row as of the previous
	// ReadAndAdvance comparison. Dirty detection is a byte comparison
	// against it, which makes it exactly as strict as the wire format.
	lastRows [][]byte
	needFull bool

	alive    bool
	exitCode *int
}

// readBuf sizes each non-blocking PTY read.
const readBuf = 64 * 1024

// NewSession spawns the child and builds the engine.
func NewSession(id SessionID, spec SpawnSpec) (*Session, error) {
	p, err := Spawn(spec)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:       id,
		pty:      p,
		vt:       NewEngine(int(spec.Cols), int(spec.Rows)),
		cols:     int(spec.Cols),
		rows:     int(spec.Rows),
		dirty:    make(map[int]struct{}),
		lastRows: make([][]byte, spec.Rows),
		needFull: true,
		alive:    true,
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() SessionID { return s.id }

// FrameVersion returns the number of frames drained so far.
func (s *Session) FrameVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameVersion
}

// ReadAndAdvance performs non-blocking PTY reads, feeds any received bytes
// into the VT engine, and records which row indices changed into the dirty
// set. It reports whether any bytes were processed. When the child has
// exited it returns a *ChildExitedError after marking the session dead.
func (s *Session) ReadAndAdvance() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive {
		return false, &ChildExitedError{Code: s.exitCode}
	}

	buf := make([]byte, readBuf)
	got := false
	for {
		n, err := s.pty.ReadNonblocking(buf)
		if n > 0 {
			got = true
			s.vt.Process(buf[:n])
			// Answerback (DSR/CPR) goes straight back to the child.
			if resp := s.vt.TakeResponses(); len(resp) > 0 {
				_ = s.pty.Write(resp)
			}
		}
		if err != nil {
			var exited *ChildExitedError
			if errors.As(err, &exited) {
				s.alive = false
				s.exitCode = exited.Code
				if got {
					s.markDirtyLocked()
				}
				return got, exited
			}
			return got, err
		}
		if n == 0 {
			break
		}
	}

	if got {
		s.markDirtyLocked()
	}
	return got, nil
}

// markDirtyLocked compares the current grid encoding row-by-row against the
// last comparison and accumulates changed indices.
func (s *Session) markDirtyLocked() {
	g := s.vt.Screen()
	for y := 0; y < g.Rows; y++ {
		enc := g.EncodeRow(y)
		if y >= len(s.lastRows) || !bytes.Equal(s.lastRows[y], enc) {
			s.dirty[y] = struct{}{}
		}
		if y < len(s.lastRows) {
			s.lastRows[y] = enc
		}
	}
}

// HasDirty reports whether any rows are pending, or a full frame is owed.
func (s *Session) HasDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needFull || len(s.dirty) > 0
}

// DrainFrame returns the next frame event: a FullFrame when no prior frame
// has been emitted or after a resize, otherwise a DirtyRows carrying the
// accumulated dirty set. In both cases the dirty set is cleared and the
// frame version incremented atomically with the snapshot.
func (s *Session) DrainFrame() Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := cursorInfo(s.vt.Cursor())
	s.frameVersion++

	if s.needFull {
		s.needFull = false
		s.dirty = make(map[int]struct{})
		g := s.vt.Screen()
		for y := 0; y < g.Rows && y < len(s.lastRows); y++ {
			s.lastRows[y] = g.EncodeRow(y)
		}
		return FullFrame{
			Cols:       g.Cols,
			Rows:       g.Rows,
			Cells:      g.Encode(),
			CursorInfo: cur,
		}
	}

	g := s.vt.Screen()
	rows := make([]DirtyRow, 0, len(s.dirty))
	for y := 0; y < g.Rows; y++ {
		if _, ok := s.dirty[y]; !ok {
			continue
		}
		rows = append(rows, DirtyRow{Y: y, Cells: g.EncodeRow(y)})
	}
	s.dirty = make(map[int]struct{})
	return DirtyRows{Rows: rows, CursorInfo: cur}
}

// WriteInput forwards input bytes to the PTY.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty.Write(data)
}

// Resize resizes both the PTY and the VT engine and forces the next drain
// to emit a FullFrame.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pty.Resize(cols, rows); err != nil {
		return err
	}
	s.vt.Resize(int(cols), int(rows))
	s.cols = int(cols)
	s.rows = int(rows)
	s.lastRows = make([][]byte, rows)
	s.dirty = make(map[int]struct{})
	s.needFull = true
	return nil
}

// Title returns the current window title.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vt.Title()
}

// TakeBell reports and clears the bell flag.
func (s *Session) TakeBell() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vt.TakeBell()
}

// Alive reports whether the child is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// ExitCode returns the recorded exit code, if the child has exited.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Close releases the PTY and VT resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	return s.pty.Close()
}
