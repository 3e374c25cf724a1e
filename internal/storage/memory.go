package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/llm"
)

// DefaultMemoryRuns is the number of runs a MemoryStore keeps when no
// capacity is given.
const DefaultMemoryRuns = 100

// MemoryStore keeps the most recent transcripts in process memory. It is the
// run history used when no database is configured; everything is lost on
// restart and the oldest run is evicted once capacity is reached.
type MemoryStore struct {
	mu    sync.RWMutex
	limit int
	order []string // Run IDs, oldest first.
	runs  map[string]*memoryRun
}

type memoryRun struct {
	run   Run
	turns []llm.Message
	calls []ToolCall
}

// Compile-time interface check.
var _ agent.TranscriptStore = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store holding up to limit runs.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultMemoryRuns
	}
	return &MemoryStore{limit: limit, runs: make(map[string]*memoryRun)}
}

// CreateRun records the start of a run.
func (s *MemoryStore) CreateRun(_ context.Context, run agent.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("creating run %s: already exists", run.ID)
	}
	for len(s.order) >= s.limit {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
	s.runs[run.ID] = &memoryRun{run: Run{
		ID:        run.ID,
		Prompt:    run.Prompt,
		Provider:  run.Provider,
		MaxRounds: run.MaxRounds,
		Phase:     agent.PhaseAwaitingModel,
		StartedAt: run.StartedAt,
	}}
	s.order = append(s.order, run.ID)
	return nil
}

// AppendTurn stores one turn and tracks its tool calls the same way Store
// does: tool_use blocks open a call, tool_result blocks complete it.
func (s *MemoryStore) AppendTurn(_ context.Context, runID string, index int, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if index != len(r.turns) {
		return fmt.Errorf("run %s: turn index %d out of sequence (have %d)", runID, index, len(r.turns))
	}
	r.turns = append(r.turns, msg)

	switch msg.Role {
	case llm.RoleAssistant:
		for _, blk := range msg.ContentBlocks {
			if blk.Type != llm.BlockToolUse {
				continue
			}
			r.calls = append(r.calls, ToolCall{
				CallID:    blk.ID,
				Round:     roundOf(index),
				Name:      blk.Name,
				Arguments: maps.Clone(blk.Input),
			})
		}
	case llm.RoleUser:
		for _, blk := range msg.ContentBlocks {
			if blk.Type != llm.BlockToolResult {
				continue
			}
			for i := range r.calls {
				c := &r.calls[i]
				if c.CallID == blk.ToolUseID && !c.Completed {
					c.Completed = true
					c.IsError = blk.IsError
					c.Output = blk.Text
					break
				}
			}
		}
	}
	return nil
}

// FinishRun records the terminal outcome.
func (s *MemoryStore) FinishRun(_ context.Context, runID string, outcome agent.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	finished := outcome.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	r.run.Phase = outcome.Phase
	r.run.Rounds = outcome.Rounds
	r.run.ToolCalls = outcome.ToolCalls
	r.run.Message = outcome.Message
	r.run.Error = outcome.Error
	r.run.InputTokens = outcome.Usage.InputTokens
	r.run.OutputTokens = outcome.Usage.OutputTokens
	r.run.FinishedAt = &finished
	return nil
}

// GetRun returns a run summary.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	run := r.run
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]Run, 0, min(limit, len(s.order)))
	for _, id := range slices.Backward(s.order) {
		if len(runs) == limit {
			break
		}
		runs = append(runs, s.runs[id].run)
	}
	return runs, nil
}

// Turns returns the conversation history of a run, oldest first.
func (s *MemoryStore) Turns(_ context.Context, runID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return slices.Clone(r.turns), nil
}

// ToolCalls returns the calls of a run in dispatch order.
func (s *MemoryStore) ToolCalls(_ context.Context, runID string) ([]ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(r.calls), nil
}
