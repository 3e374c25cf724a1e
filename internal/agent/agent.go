// Package agent runs the conversation loop: it alternates model calls and
// tool execution until the model answers in plain text or the round budget
// runs out.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/tools"
)

// DefaultMaxRounds caps model-response cycles per run.
const DefaultMaxRounds = 20

var (
	// ErrMaxRounds is returned when the round budget is spent before the
	// model produced a final answer.
	ErrMaxRounds = errors.New("maximum rounds reached")

	// ErrInvariant is returned when dispatch broke the one-result-per-call
	// contract.
	ErrInvariant = errors.New("conversation invariant violated")

	// ErrEmptyPrompt is returned when Run is called without a prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// ToolDispatcher executes the calls of one round. DispatchAll must return
// exactly one result per call, in call order.
type ToolDispatcher interface {
	Definitions() []llm.ToolDefinition
	DispatchAll(ctx context.Context, calls []tools.Call) []*tools.Result
}

// Phase is the loop's position in its state machine.
type Phase string

const (
	PhaseAwaitingModel  Phase = "awaiting_model"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseDone           Phase = "done"
	PhaseAborted        Phase = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// State is the conversation state of a single run.
type State struct {
	RunID     string
	History   []llm.Message
	Round     int
	MaxRounds int
	Phase     Phase
}

// Response is the outcome of a completed run.
type Response struct {
	RunID     string
	Message   string
	Rounds    int
	ToolCalls []ToolCallResult
	Usage     llm.Usage
}

// ToolCallResult summarizes a single tool execution within a run.
type ToolCallResult struct {
	ID       string
	ToolName string
	Success  bool
}

// RunError is returned when a run ends Aborted. It unwraps to the cause,
// so errors.Is(err, ErrMaxRounds) works.
type RunError struct {
	RunID  string
	Rounds int
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s aborted after %d rounds: %v", e.RunID, e.Rounds, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

type runIDKey struct{}

// ContextWithRunID returns a context carrying the run ID. Run sets it before
// any model or tool call, so dispatcher hooks can correlate their events.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID set by Run, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
