package agentproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnCapturesOutput(t *testing.T) {
	r := NewRunner(2 * time.Second)
	var lines [][]byte
	h, err := r.Spawn(context.Background(), "echo hello; echo world", "", nil, func(b []byte) {
		lines = append(lines, append([]byte(nil), b...))
	})
	require.NoError(t, err)

	result := h.Wait()
	assert.NoError(t, result.Err)
	assert.Equal(t, 0, result.ExitCode)
	require.Len(t, lines, 2)
	assert.Equal(t, "hello\n", string(lines[0]))
	assert.Equal(t, "world\n", string(lines[1]))
}

func TestSpawnReportsNonZeroExit(t *testing.T) {
	r := NewRunner(2 * time.Second)
	h, err := r.Spawn(context.Background(), "exit 7", "", nil, nil)
	require.NoError(t, err)

	result := h.Wait()
	assert.Equal(t, 7, result.ExitCode)
}

func TestStopTerminatesLongRunningProcess(t *testing.T) {
	r := NewRunner(300 * time.Millisecond)
	h, err := r.Spawn(context.Background(), "sleep 30", "", nil, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.Stop(300 * time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return in time")
	}

	result := h.Wait()
	assert.NotEqual(t, 0, result.ExitCode)
}
