package agent

import (
	"context"
	"time"

	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/tools"
)

// TranscriptStore persists runs and the turns appended to them.
// Store failures never abort a run; the loop logs them and carries on.
type TranscriptStore interface {
	// CreateRun records the start of a run.
	CreateRun(ctx context.Context, run RunRecord) error

	// AppendTurn records one conversation turn at the given history index.
	AppendTurn(ctx context.Context, runID string, index int, msg llm.Message) error

	// FinishRun records the terminal outcome.
	FinishRun(ctx context.Context, runID string, outcome Outcome) error
}

// RunRecord describes a run when it starts.
type RunRecord struct {
	ID        string
	Prompt    string
	Provider  string
	MaxRounds int
	StartedAt time.Time
}

// Outcome describes how a run ended.
type Outcome struct {
	Phase      Phase
	Rounds     int
	ToolCalls  int
	Message    string
	Error      string
	Usage      llm.Usage
	FinishedAt time.Time
}

// Observer receives loop events as they happen. Implementations must not
// retain or mutate the values passed in.
type Observer interface {
	RoundStarted(ctx context.Context, round int, history []llm.Message)
	ModelResponded(ctx context.Context, round int, resp *llm.Response)
	ToolCompleted(ctx context.Context, round int, call tools.Call, result *tools.Result)
	RunFinished(ctx context.Context, state *State, err error)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) RoundStarted(context.Context, int, []llm.Message) {}
func (NopObserver) ModelResponded(context.Context, int, *llm.Response) {}
func (NopObserver) ToolCompleted(context.Context, int, tools.Call, *tools.Result) {}
func (NopObserver) RunFinished(context.Context, *State, error) {}

var _ Observer = NopObserver{}
