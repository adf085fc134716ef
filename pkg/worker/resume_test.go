package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/types"
)

func TestBuildResumePayloadLightIsEmpty(t *testing.T) {
	task := &types.Task{Class: types.ClassLight, LastOutputTail: []byte("whatever")}
	payload, err := BuildResumePayload(task)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestBuildResumePayloadMediumUsesTail(t *testing.T) {
	task := &types.Task{Class: types.ClassMedium, LastOutputTail: []byte("line1\nline2\nline3")}
	payload, err := BuildResumePayload(task)
	require.NoError(t, err)
	assert.Contains(t, payload, "line1")
	assert.Contains(t, payload, "line3")
}

func TestBuildResumePayloadMediumEmptyTailIsEmpty(t *testing.T) {
	task := &types.Task{Class: types.ClassMedium}
	payload, err := BuildResumePayload(task)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestTailLinesTruncatesToLastN(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = "line"
	}
	text := []byte(strings.Join(lines, "\n"))
	got := tailLines(text, 3)
	assert.Equal(t, 3, len(strings.Split(string(got), "\n")))
}

func TestBuildResumePayloadHeavyFreezesChunksOnFirstCall(t *testing.T) {
	task := &types.Task{
		Class:       types.ClassHeavy,
		Description: "1. do first thing\n2. do second thing\n3. do third thing",
	}
	payload, err := BuildResumePayload(task)
	require.NoError(t, err)
	assert.Contains(t, payload, "chunk-0")
	assert.NotEmpty(t, task.ResumeBlob)

	progress, err := LoadHeavyProgress(task)
	require.NoError(t, err)
	require.Len(t, progress.Chunks, 3)
	assert.Equal(t, ChunkPending, progress.Chunks[0].Status)
}

func TestBuildResumePayloadHeavyResumesFromFirstPendingChunk(t *testing.T) {
	task := &types.Task{
		Class:       types.ClassHeavy,
		Description: "1. step one\n2. step two",
	}
	_, err := BuildResumePayload(task)
	require.NoError(t, err)

	progress, err := LoadHeavyProgress(task)
	require.NoError(t, err)
	progress.ApplyChunkCompletions([]Chunk{{ID: "chunk-0", Status: ChunkDone}})
	require.NoError(t, SaveHeavyProgress(task, progress))

	payload, err := BuildResumePayload(task)
	require.NoError(t, err)
	assert.Contains(t, payload, "chunk-1")
}

func TestBuildResumePayloadHeavyNoPendingChunksIsEmpty(t *testing.T) {
	task := &types.Task{Class: types.ClassHeavy, Description: "1. only step"}
	_, err := BuildResumePayload(task)
	require.NoError(t, err)

	progress, err := LoadHeavyProgress(task)
	require.NoError(t, err)
	for i := range progress.Chunks {
		progress.Chunks[i].Status = ChunkDone
	}
	require.NoError(t, SaveHeavyProgress(task, progress))

	payload, err := BuildResumePayload(task)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestScanChunkCompletionsParsesMarkers(t *testing.T) {
	output := []byte("doing work\nCHUNK_DONE:chunk-0 abc123\nmore work\nCHUNK_DONE:chunk-1\n")
	completions := ScanChunkCompletions(output)
	require.Len(t, completions, 2)
	assert.Equal(t, "chunk-0", completions[0].ID)
	assert.Equal(t, "abc123", completions[0].Digest)
	assert.Equal(t, "chunk-1", completions[1].ID)
}

func TestFreezeChunksFallsBackToSingleChunk(t *testing.T) {
	chunks := FreezeChunks("do the thing with no numbered steps")
	require.Len(t, chunks, 1)
	assert.Equal(t, "chunk-0", chunks[0].ID)
}
