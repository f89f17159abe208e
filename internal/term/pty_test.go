package term

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnShell(t *testing.T) *Pty {
	t.Helper()
	p, err := Spawn(SpawnSpec{Shell: "/bin/sh", Cols: 80, Rows: 24})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// readUntil polls the PTY until the collected output contains marker or the
// deadline passes.
func readUntil(t *testing.T, p *Pty, marker string, timeout time.Duration) string {
	t.Helper()
	var collected strings.Builder
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := p.ReadNonblocking(buf)
		if n > 0 {
			collected.Write(buf[:n])
			if strings.Contains(collected.String(), marker) {
				return collected.String()
			}
		}
		if err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return collected.String()
}

func TestSpawnAndEcho(t *testing.T) {
	p := spawnShell(t)

	require.NoError(t, p.Write([]byte("echo PHANTOM_TEST_OK\n")))
	out := readUntil(t, p, "PHANTOM_TEST_OK", 3*time.Second)
	assert.Contains(t, out, "PHANTOM_TEST_OK")
}

func TestReadNonblockingEmpty(t *testing.T) {
	p := spawnShell(t)

	// Drain whatever the shell prints at startup, then expect empty reads.
	readUntil(t, p, "\x00never\x00", 300*time.Millisecond)

	buf := make([]byte, 4096)
	n, err := p.ReadNonblocking(buf)
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestSpawnFailed(t *testing.T) {
	_, err := Spawn(SpawnSpec{Shell: "/nonexistent/shell/binary", Cols: 80, Rows: 24})
	require.Error(t, err)
	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)
}

func TestResize(t *testing.T) {
	p := spawnShell(t)
	assert.NoError(t, p.Resize(120, 40))
}

func TestCloseIdempotent(t *testing.T) {
	p := spawnShell(t)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.Write([]byte("x")), ErrClosed)
	_, err := p.ReadNonblocking(make([]byte, 16))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Resize(80, 24), ErrClosed)
}

func TestChildExit(t *testing.T) {
	p := spawnShell(t)
	require.NoError(t, p.Write([]byte("exit 0\n")))

	buf := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	var exitErr *ChildExitedError
	for time.Now().Before(deadline) {
		_, err := p.ReadNonblocking(buf)
		if err != nil {
			require.ErrorAs(t, err, &exitErr)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, exitErr, "expected ChildExitedError before deadline")

	code, done := p.ExitStatus()
	assert.True(t, done)
	if assert.NotNil(t, code) {
		assert.Equal(t, 0, *code)
	}
}
