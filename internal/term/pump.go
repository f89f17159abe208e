package term

import (
	"time"
)

// TickInterval is the render pump period (~60 Hz).
const TickInterval = 16667 * time.Microsecond

// Sink receives a session's event stream. Deliver must not block: a slow
// consumer is expected to drop or coalesce (DirtyRows for the same row may
// be replaced by newer content, and a FullFrame drops all pending
// DirtyRows).
type Sink interface {
	Deliver(id SessionID, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(id SessionID, ev Event)

// Deliver implements Sink.
func (f SinkFunc) Deliver(id SessionID, ev Event) { f(id, ev) }

// Pump drives one session at 60 Hz: advance PTY bytes, drain frames when
// rows are dirty, and emit title/bell/exit events. Idle ticks (no pending
// bytes, no resize) emit nothing.
type Pump struct {
	session *Session
	sink    Sink
	stop    chan struct{}
	done    chan struct{}
}

// StartPump launches the pump goroutine for a session.
func StartPump(s *Session, sink Sink) *Pump {
	p := &Pump{
		session: s,
		sink:    sink,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Stop halts the pump. It does not close the session. Safe to call more
// than once.
func (p *Pump) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *Pump) run() {
	defer close(p.done)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	var lastTitle string

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		_, err := p.session.ReadAndAdvance()

		// Emit any frame accumulated before (or alongside) exit.
		if p.session.HasDirty() {
			p.sink.Deliver(p.session.ID(), p.session.DrainFrame())
		}

		if title := p.session.Title(); title != lastTitle {
			lastTitle = title
			p.sink.Deliver(p.session.ID(), TitleChanged{Title: title})
		}

		if p.session.TakeBell() {
			p.sink.Deliver(p.session.ID(), Bell{})
		}

		if err != nil {
			if exited, ok := err.(*ChildExitedError); ok {
				p.sink.Deliver(p.session.ID(), Exited{Code: exited.Code})
				return
			}
			// Closed underneath us: stop silently.
			return
		}
	}
}
