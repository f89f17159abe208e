package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabletv/phantom/internal/app"
)

// testClient speaks the line-JSON protocol and splits responses from event
// frames.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	enc    *json.Encoder
	nextID uint64

	mu        sync.Mutex
	responses map[uint64]Response
	events    []EventFrame
}

func newTestClient(t *testing.T, socketPath string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{
		t:         t,
		conn:      conn,
		enc:       json.NewEncoder(conn),
		responses: make(map[uint64]Response),
	}
	go c.readLoop()
	return c
}

func (c *testClient) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var probe struct {
			Event string `json:"event"`
		}
		_ = json.Unmarshal(line, &probe)
		c.mu.Lock()
		if probe.Event != "" {
			var ev EventFrame
			if json.Unmarshal(line, &ev) == nil {
				c.events = append(c.events, ev)
			}
		} else {
			var resp Response
			if json.Unmarshal(line, &resp) == nil {
				c.responses[resp.ID] = resp
			}
		}
		c.mu.Unlock()
	}
}

func (c *testClient) call(method string, params any) Response {
	c.t.Helper()
	c.nextID++
	id := c.nextID

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(c.t, err)
		raw = data
	}
	require.NoError(c.t, c.enc.Encode(Request{ID: id, Method: method, Params: raw}))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		resp, ok := c.responses[id]
		c.mu.Unlock()
		if ok {
			return resp
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("no response for %s", method)
	return Response{}
}

func (c *testClient) waitEvent(match func(EventFrame) bool, timeout time.Duration) *EventFrame {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for i := range c.events {
			if match(c.events[i]) {
				ev := c.events[i]
				c.mu.Unlock()
				return &ev
			}
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	repoDir := t.TempDir()
	gitRun := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoDir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	gitRun("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "README"), []byte("x\n"), 0o644))
	gitRun("add", "README")
	gitRun("commit", "-m", "initial")

	a, err := app.New(app.Config{RepoPath: repoDir, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	socketPath := filepath.Join(t.TempDir(), "phantom.sock")
	server, err := Serve(a, socketPath)
	require.NoError(t, err)
	t.Cleanup(server.Close)

	return server, socketPath
}

func TestServerSettingsRoundTrip(t *testing.T) {
	_, socketPath := startTestServer(t)
	c := newTestClient(t, socketPath)

	resp := c.call(MethodSetSetting, SetSettingParams{Key: "custom_key", Value: "hello"})
	require.True(t, resp.OK, resp.Error)

	resp = c.call(MethodGetSetting, GetSettingParams{Key: "custom_key"})
	require.True(t, resp.OK, resp.Error)

	var result struct {
		Value string `json:"value"`
		Set   bool   `json:"set"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.Set)
	assert.Equal(t, "hello", result.Value)
}

func TestServerPresets(t *testing.T) {
	_, socketPath := startTestServer(t)
	c := newTestClient(t, socketPath)

	resp := c.call(MethodListAnalysisPresets, nil)
	require.True(t, resp.OK, resp.Error)
	var presets []map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &presets))
	assert.Len(t, presets, 4, "seeded presets visible over IPC")

	resp = c.call(MethodCreateAnalysisPreset, CreateAnalysisPresetParams{
		Name: "Mine", Type: "custom", PromptTemplate: "look",
	})
	require.True(t, resp.OK, resp.Error)

	resp = c.call(MethodListAnalysisPresets, nil)
	require.True(t, resp.OK)
	require.NoError(t, json.Unmarshal(resp.Result, &presets))
	assert.Len(t, presets, 5)
}

func TestServerBranches(t *testing.T) {
	_, socketPath := startTestServer(t)
	c := newTestClient(t, socketPath)

	resp := c.call(MethodGetCurrentBranch, nil)
	require.True(t, resp.OK, resp.Error)
	var branch string
	require.NoError(t, json.Unmarshal(resp.Result, &branch))
	assert.Equal(t, "main", branch)

	resp = c.call(MethodListBranches, nil)
	require.True(t, resp.OK, resp.Error)
}

func TestServerUnknownMethod(t *testing.T) {
	_, socketPath := startTestServer(t)
	c := newTestClient(t, socketPath)

	resp := c.call("no_such_method", nil)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown method")
}

func TestServerTerminalLifecycle(t *testing.T) {
	_, socketPath := startTestServer(t)
	c := newTestClient(t, socketPath)

	resp := c.call(MethodCreateTerminal, CreateTerminalParams{Shell: "/bin/sh", Cols: 80, Rows: 24})
	require.True(t, resp.OK, resp.Error)
	var created struct {
		SessionID uint64 `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	assert.NotZero(t, created.SessionID)

	// The creating connection is subscribed: a full frame arrives.
	frame := c.waitEvent(func(ev EventFrame) bool {
		return ev.Event == EventTerminal && ev.Type == "full_frame"
	}, 5*time.Second)
	require.NotNil(t, frame, "expected an initial full_frame event")
	require.NotNil(t, frame.SessionID)
	assert.Equal(t, created.SessionID, *frame.SessionID)

	resp = c.call(MethodWriteInput, WriteInputParams{SessionID: created.SessionID, Data: []byte("echo ok\r")})
	require.True(t, resp.OK, resp.Error)

	resp = c.call(MethodResizeTerminal, ResizeTerminalParams{SessionID: created.SessionID, Cols: 100, Rows: 30})
	require.True(t, resp.OK, resp.Error)

	resp = c.call(MethodCloseTerminal, SessionIDParams{SessionID: created.SessionID})
	require.True(t, resp.OK, resp.Error)
}
