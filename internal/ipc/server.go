package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/kabletv/phantom/internal/analysis"
	"github.com/kabletv/phantom/internal/app"
	"github.com/kabletv/phantom/internal/term"
)

// Server accepts unix-socket connections and dispatches command frames
// against the app. Each connection owns a writer goroutine; terminal frames
// flow through per-session coalescers so a slow client never blocks a
// render pump.
type Server struct {
	app      *app.App
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*conn

	done chan struct{}
}

// conn is one connected client.
type conn struct {
	id      string
	netConn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu        sync.Mutex
	sessions  map[term.SessionID]*frameCoalescer
	analyses  bool // subscribed to analysis status events
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// Serve starts listening on socketPath and returns immediately; the accept
// loop runs until Close. A stale socket file is removed first.
func Serve(a *app.App, socketPath string) (*Server, error) {
	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	s := &Server{
		app:      a,
		listener: listener,
		conns:    make(map[string]*conn),
		done:     make(chan struct{}),
	}

	a.OnTerminalEvent = s.deliverTerminal
	a.OnAnalysisStatus = s.deliverAnalysisStatus

	go s.acceptLoop()
	return s, nil
}

// Close stops accepting and drops every connection.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	_ = s.listener.Close()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) acceptLoop() {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ipc: accept: %v", err)
			continue
		}

		c := &conn{
			id:       uuid.NewString(),
			netConn:  netConn,
			enc:      json.NewEncoder(netConn),
			sessions: make(map[term.SessionID]*frameCoalescer),
			done:     make(chan struct{}),
		}
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()

		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.close()
	}()

	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			c.send(Response{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		resp := s.dispatch(c, &req)
		c.send(resp)
	}
}

func (c *conn) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(v); err != nil {
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.netConn.Close()
	})
}

// ── Event delivery ──────────────────────────────────────────────────

// deliverTerminal routes one session event to every connection subscribed
// to that session. Delivery to the coalescer never blocks.
func (s *Server) deliverTerminal(ev app.TerminalEvent) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		buf := c.sessions[ev.SessionID]
		c.mu.Unlock()
		if buf != nil {
			buf.Add(ev.Event)
		}
	}
}

// deliverAnalysisStatus pushes a status transition to every subscribed
// connection.
func (s *Server) deliverAnalysisStatus(update analysis.StatusUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	frame := EventFrame{Event: EventAnalysisStatus, Payload: payload}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		subscribed := c.analyses
		c.mu.Unlock()
		if subscribed {
			c.send(frame)
		}
	}
}

// subscribeSession attaches a coalescer for a session and starts a drainer
// goroutine writing its batches onto the connection.
func (s *Server) subscribeSession(c *conn, id term.SessionID) {
	c.mu.Lock()
	if c.closed || c.sessions[id] != nil {
		c.mu.Unlock()
		return
	}
	buf := newFrameCoalescer()
	c.sessions[id] = buf
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case <-buf.Ready():
			}
			for _, ev := range buf.Take() {
				frame, err := encodeTerminalEvent(id, ev)
				if err != nil {
					continue
				}
				c.send(frame)
				if _, exited := ev.(term.Exited); exited {
					c.mu.Lock()
					delete(c.sessions, id)
					c.mu.Unlock()
					return
				}
			}
		}
	}()
}

func encodeTerminalEvent(id term.SessionID, ev term.Event) (EventFrame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventFrame{}, err
	}
	sid := uint64(id)
	return EventFrame{
		Event:     EventTerminal,
		SessionID: &sid,
		Type:      ev.EventType(),
		Payload:   payload,
	}, nil
}

// ── Dispatch ────────────────────────────────────────────────────────

func (s *Server) dispatch(c *conn, req *Request) Response {
	result, err := s.handle(c, req)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: err.Error()}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, OK: false, Error: "encode result: " + err.Error()}
	}
	return Response{ID: req.ID, OK: true, Result: payload}
}

func (s *Server) handle(c *conn, req *Request) (any, error) {
	ctx := context.Background()

	switch req.Method {
	case MethodCreateTerminal:
		var p CreateTerminalParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := s.app.CreateTerminal(p.Shell, p.Cols, p.Rows, p.WorkingDir)
		if err != nil {
			return nil, err
		}
		s.subscribeSession(c, id)
		return map[string]uint64{"session_id": uint64(id)}, nil

	case MethodLaunchCLIPreset:
		var p LaunchCLIPresetParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := s.app.LaunchCLIPreset(ctx, p.PresetID, p.Cols, p.Rows)
		if err != nil {
			return nil, err
		}
		s.subscribeSession(c, id)
		return map[string]uint64{"session_id": uint64(id)}, nil

	case MethodWriteInput:
		var p WriteInputParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.app.WriteInput(p.SessionID, p.Data)

	case MethodResizeTerminal:
		var p ResizeTerminalParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.app.ResizeTerminal(p.SessionID, p.Cols, p.Rows)

	case MethodCloseTerminal:
		var p SessionIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		s.app.CloseTerminal(p.SessionID)
		c.mu.Lock()
		delete(c.sessions, p.SessionID)
		c.mu.Unlock()
		return nil, nil

	case MethodListBranches:
		return s.app.ListBranches()

	case MethodGetCurrentBranch:
		return s.app.CurrentBranch()

	case MethodRunAnalysis:
		var p RunAnalysisParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := s.app.RunAnalysis(ctx, p.PresetID, p.Branch, p.Level, p.TargetNodeID)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"analysis_id": id}, nil

	case MethodGetAnalysis:
		var p AnalysisIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.app.GetAnalysis(ctx, p.AnalysisID)

	case MethodListAnalyses:
		var p ListAnalysesParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.app.ListAnalyses(ctx, p.Branch)

	case MethodGetAnalysisDiff:
		var p AnalysisDiffParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.app.GetAnalysisDiff(ctx, p.BranchAnalysisID, p.MainAnalysisID)

	case MethodListAnalysisPresets:
		return s.app.ListAnalysisPresets(ctx)

	case MethodCreateAnalysisPreset:
		var p CreateAnalysisPresetParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := s.app.CreateAnalysisPreset(ctx, p.Name, p.Type, p.PromptTemplate, p.Schedule)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"preset_id": id}, nil

	case MethodDeleteAnalysisPreset:
		var p PresetIDParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		deleted, err := s.app.DeleteAnalysisPreset(ctx, p.PresetID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": deleted}, nil

	case MethodListCLIPresets:
		return s.app.ListCLIPresets(ctx)

	case MethodCreateCLIPreset:
		var p CreateCLIPresetParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := s.app.CreateCLIPreset(ctx, p.Name, p.CLIBinary, p.Flags, p.WorkingDir, p.EnvVars, p.BudgetUSD)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"preset_id": id}, nil

	case MethodGetSetting:
		var p GetSettingParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		value, ok, err := s.app.GetSetting(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value, "set": ok}, nil

	case MethodSetSetting:
		var p SetSettingParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.app.SetSetting(ctx, p.Key, p.Value)

	case MethodSubscribeAnalyses:
		c.mu.Lock()
		c.analyses = true
		c.mu.Unlock()
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("bad params: %w", err)
	}
	return nil
}
