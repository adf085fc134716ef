package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/cuemby/conductor/pkg/types"
)

// outputTailLines is the "last K lines" constant for Medium resume
// payloads.
const outputTailLines = 500

// ChunkState is the progress status of one frozen chunk of a Heavy task.
type ChunkState string

const (
	ChunkPending ChunkState = "pending"
	ChunkDone    ChunkState = "done"
)

// Chunk is one unit of a Heavy task's frozen progress record.
type Chunk struct {
	ID     string     `json:"id"`
	Status ChunkState `json:"status"`
	Digest string     `json:"digest,omitempty"`
}

// HeavyProgress is the decoded form of a Heavy task's resume_blob: an
// ordered list of chunks, frozen at first execution and never recomputed.
type HeavyProgress struct {
	Chunks []Chunk `json:"chunks"`
}

var numberedStepRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+.+$`)

// FreezeChunks derives the chunk boundaries for a Heavy task from its
// description at first execution. Numbered steps ("1. ...", "2) ...")
// become one chunk each; a description with no recognizable steps becomes
// a single chunk so the resume protocol still applies uniformly.
func FreezeChunks(description string) []Chunk {
	steps := numberedStepRe.FindAllString(description, -1)
	if len(steps) < 2 {
		return []Chunk{{ID: "chunk-0", Status: ChunkPending}}
	}
	chunks := make([]Chunk, len(steps))
	for i := range steps {
		chunks[i] = Chunk{ID: fmt.Sprintf("chunk-%d", i), Status: ChunkPending}
	}
	return chunks
}

var chunkDoneRe = regexp.MustCompile(`(?m)^CHUNK_DONE:(\S+)(?:\s+(\S+))?\s*$`)

// ScanChunkCompletions looks for agent-emitted "CHUNK_DONE:<id> [digest]"
// markers in a chunk of output, returning each completed chunk's ID and an
// optional digest.
func ScanChunkCompletions(output []byte) []Chunk {
	matches := chunkDoneRe.FindAllSubmatch(output, -1)
	completions := make([]Chunk, 0, len(matches))
	for _, m := range matches {
		completions = append(completions, Chunk{ID: string(m[1]), Status: ChunkDone, Digest: string(m[2])})
	}
	return completions
}

// ApplyChunkCompletions marks the named chunks done in progress, in place.
func (p *HeavyProgress) ApplyChunkCompletions(completions []Chunk) {
	if len(completions) == 0 {
		return
	}
	byID := make(map[string]Chunk, len(completions))
	for _, c := range completions {
		byID[c.ID] = c
	}
	for i, c := range p.Chunks {
		if done, ok := byID[c.ID]; ok {
			p.Chunks[i].Status = done.Status
			p.Chunks[i].Digest = done.Digest
		}
	}
}

// FirstPending returns the first chunk not yet marked done, or nil if the
// progress record has none (including an empty record).
func (p *HeavyProgress) FirstPending() *Chunk {
	for i := range p.Chunks {
		if p.Chunks[i].Status != ChunkDone {
			return &p.Chunks[i]
		}
	}
	return nil
}

// LoadHeavyProgress decodes task's resume_blob, freezing fresh chunk
// boundaries from its description on first execution (an empty blob).
func LoadHeavyProgress(task *types.Task) (HeavyProgress, error) {
	if len(task.ResumeBlob) == 0 {
		return HeavyProgress{Chunks: FreezeChunks(task.Description)}, nil
	}
	var progress HeavyProgress
	if err := json.Unmarshal(task.ResumeBlob, &progress); err != nil {
		return HeavyProgress{}, fmt.Errorf("worker: decode resume_blob: %w", err)
	}
	return progress, nil
}

// SaveHeavyProgress encodes progress back into task.ResumeBlob.
func SaveHeavyProgress(task *types.Task, progress HeavyProgress) error {
	blob, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("worker: encode resume_blob: %w", err)
	}
	task.ResumeBlob = blob
	return nil
}

// tailLines returns at most n trailing lines of text, preserving order.
func tailLines(text []byte, n int) []byte {
	if len(text) == 0 {
		return nil
	}
	lines := bytes.Split(bytes.TrimRight(text, "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return bytes.Join(lines, []byte("\n"))
}

// BuildResumePayload computes the class-specific text to prepend to the
// next invocation's command, and (for Heavy tasks) freezes/persists the
// chunk progress record on task in place. An empty string means "no
// resume context, run the original command from scratch".
func BuildResumePayload(task *types.Task) (string, error) {
	switch task.Class {
	case types.ClassMedium:
		tail := tailLines(task.LastOutputTail, outputTailLines)
		if len(tail) == 0 {
			return "", nil
		}
		return fmt.Sprintf("Resuming a prior attempt. Last output:\n%s\n", tail), nil

	case types.ClassHeavy:
		progress, err := LoadHeavyProgress(task)
		if err != nil {
			return "", err
		}
		if err := SaveHeavyProgress(task, progress); err != nil {
			return "", err
		}
		pending := progress.FirstPending()
		if pending == nil {
			return "", nil
		}
		return fmt.Sprintf("Resume from chunk %q; earlier chunks are already complete.\n", pending.ID), nil

	default: // types.ClassLight and anything unrecognized
		return "", nil
	}
}
