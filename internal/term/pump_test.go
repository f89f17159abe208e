package term

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectSink records delivered events for assertions.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectSink) Deliver(_ SessionID, ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collectSink) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collectSink) waitFor(t *testing.T, timeout time.Duration, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ev := range c.snapshot() {
			if match(ev) {
				return ev
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected event never delivered")
	return nil
}

func TestPumpEmitsInitialFullFrame(t *testing.T) {
	s := newTestSession(t)
	sink := &collectSink{}
	pump := StartPump(s, sink)
	defer pump.Stop()

	sink.waitFor(t, 2*time.Second, func(ev Event) bool {
		_, ok := ev.(FullFrame)
		return ok
	})
}

func TestPumpEchoWithinDeadline(t *testing.T) {
	s := newTestSession(t)
	sink := &collectSink{}
	pump := StartPump(s, sink)
	defer pump.Stop()

	// Let the prompt settle before typing.
	sink.waitFor(t, 2*time.Second, func(ev Event) bool {
		_, ok := ev.(FullFrame)
		return ok
	})
	require.NoError(t, s.WriteInput([]byte("echo ok\r")))

	sink.waitFor(t, 2*time.Second, func(ev Event) bool {
		switch frame := ev.(type) {
		case FullFrame:
			g, err := DecodeGrid(frame.Cols, frame.Rows, frame.Cells)
			return err == nil && containsText(g, "ok")
		case DirtyRows:
			for _, row := range frame.Rows {
				g, err := DecodeGrid(len(row.Cells)/CellSize, 1, row.Cells)
				if err == nil && containsText(g, "ok") {
					return true
				}
			}
		}
		return false
	})
}

func containsText(g Grid, want string) bool {
	for y := 0; y < g.Rows; y++ {
		if strings.Contains(rowText(g, y), want) {
			return true
		}
	}
	return false
}

func TestPumpIdleSuppression(t *testing.T) {
	s := newTestSession(t)
	sink := &collectSink{}
	pump := StartPump(s, sink)
	defer pump.Stop()

	// Wait for the prompt to settle and frames to stop.
	sink.waitFor(t, 2*time.Second, func(ev Event) bool {
		_, ok := ev.(FullFrame)
		return ok
	})
	time.Sleep(300 * time.Millisecond)

	before := len(sink.snapshot())
	time.Sleep(500 * time.Millisecond)
	after := len(sink.snapshot())

	assert.Equal(t, before, after, "idle session must emit no events")
}

func TestPumpExitedIsTerminal(t *testing.T) {
	s := newTestSession(t)
	sink := &collectSink{}
	pump := StartPump(s, sink)
	defer pump.Stop()

	sink.waitFor(t, 2*time.Second, func(ev Event) bool {
		_, ok := ev.(FullFrame)
		return ok
	})
	require.NoError(t, s.WriteInput([]byte("exit 0\r")))

	sink.waitFor(t, 3*time.Second, func(ev Event) bool {
		_, ok := ev.(Exited)
		return ok
	})

	// No frames after Exited.
	time.Sleep(200 * time.Millisecond)
	events := sink.snapshot()
	sawExited := false
	for _, ev := range events {
		if sawExited {
			t.Fatalf("event %T delivered after Exited", ev)
		}
		if _, ok := ev.(Exited); ok {
			sawExited = true
		}
	}
	assert.True(t, sawExited)
}
