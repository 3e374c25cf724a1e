package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/llm"
)

// Run is a stored run summary.
type Run struct {
	ID           string      `json:"id"`
	Prompt       string      `json:"prompt"`
	Provider     string      `json:"provider"`
	MaxRounds    int         `json:"max_rounds"`
	Phase        agent.Phase `json:"phase"`
	Rounds       int         `json:"rounds"`
	ToolCalls    int         `json:"tool_calls"`
	Message      string      `json:"message,omitempty"`
	Error        string      `json:"error,omitempty"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// ToolCall is a stored tool invocation.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Round     int            `json:"round"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Completed bool           `json:"completed"`
	IsError   bool           `json:"is_error"`
	Output    string         `json:"output,omitempty"`
}

// sanitizeRole enforces that only "user" and "assistant" roles are stored.
func sanitizeRole(role llm.Role) string {
	if role == llm.RoleAssistant {
		return string(llm.RoleAssistant)
	}
	return string(llm.RoleUser)
}

func toTurnModel(runID string, seq int, msg llm.Message) (TurnModel, error) {
	var blocks string
	if len(msg.ContentBlocks) > 0 {
		data, err := json.Marshal(msg.ContentBlocks)
		if err != nil {
			return TurnModel{}, fmt.Errorf("marshaling content blocks: %w", err)
		}
		blocks = string(data)
	}
	return TurnModel{
		ID:            uuid.New(),
		RunID:         runID,
		SeqNum:        seq,
		Role:          sanitizeRole(msg.Role),
		Content:       msg.Content,
		ContentBlocks: blocks,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func toMessage(m *TurnModel) (llm.Message, error) {
	msg := llm.Message{Role: llm.Role(m.Role), Content: m.Content}
	if m.ContentBlocks != "" {
		if err := json.Unmarshal([]byte(m.ContentBlocks), &msg.ContentBlocks); err != nil {
			return llm.Message{}, fmt.Errorf("decoding turn %d of run %s: %w", m.SeqNum, m.RunID, err)
		}
	}
	return msg, nil
}

func toToolCallModels(runID string, round int, blocks []llm.ContentBlock) ([]ToolCallModel, error) {
	var out []ToolCallModel
	for _, blk := range blocks {
		if blk.Type != llm.BlockToolUse {
			continue
		}
		var args string
		if len(blk.Input) > 0 {
			data, err := json.Marshal(blk.Input)
			if err != nil {
				return nil, fmt.Errorf("marshaling arguments of %s: %w", blk.ID, err)
			}
			args = string(data)
		}
		out = append(out, ToolCallModel{
			ID:        uuid.New(),
			RunID:     runID,
			CallID:    blk.ID,
			RoundNum:  round,
			CallIndex: len(out),
			Name:      blk.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func toRun(m *RunModel) Run {
	return Run{
		ID:           m.ID,
		Prompt:       m.Prompt,
		Provider:     m.Provider,
		MaxRounds:    m.MaxRounds,
		Phase:        agent.Phase(m.Phase),
		Rounds:       m.Rounds,
		ToolCalls:    m.ToolCalls,
		Message:      m.Message,
		Error:        m.Error,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
}

// toToolCall tolerates undecodable arguments; the raw row is still useful.
func toToolCall(m *ToolCallModel) ToolCall {
	tc := ToolCall{
		CallID:    m.CallID,
		Round:     m.RoundNum,
		Name:      m.Name,
		Completed: m.Completed,
		IsError:   m.IsError,
		Output:    m.Output,
	}
	if m.Arguments != "" {
		_ = json.Unmarshal([]byte(m.Arguments), &tc.Arguments)
	}
	return tc
}
