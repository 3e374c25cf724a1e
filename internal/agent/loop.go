package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/tools"
)

// Loop drives a provider and a dispatcher through the conversation state
// machine. A Loop holds configuration only, so one Loop may serve
// concurrent runs.
type Loop struct {
	provider     llm.Provider
	dispatcher   ToolDispatcher
	logger       *slog.Logger
	systemPrompt string
	maxRounds    int // 0 = DefaultMaxRounds
	maxTokens    int
	observers    []Observer
	store        TranscriptStore // nil = no persistence
	tracer       trace.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithSystemPrompt sets the system prompt sent with every model request.
func WithSystemPrompt(p string) Option {
	return func(lp *Loop) { lp.systemPrompt = p }
}

// WithMaxRounds sets the round budget. Values below 1 select DefaultMaxRounds.
func WithMaxRounds(n int) Option {
	return func(lp *Loop) { lp.maxRounds = n }
}

// WithMaxTokens caps the tokens the model may generate per response.
func WithMaxTokens(n int) Option {
	return func(lp *Loop) { lp.maxTokens = n }
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(lp *Loop) { lp.observers = append(lp.observers, o) }
}

// WithTranscriptStore attaches transcript persistence.
func WithTranscriptStore(s TranscriptStore) Option {
	return func(lp *Loop) { lp.store = s }
}

// WithTracer enables run and round spans.
func WithTracer(t trace.Tracer) Option {
	return func(lp *Loop) {
		if t != nil {
			lp.tracer = t
		}
	}
}

// NewLoop creates a conversation loop.
func NewLoop(provider llm.Provider, dispatcher ToolDispatcher, opts ...Option) *Loop {
	lp := &Loop{
		provider:   provider,
		dispatcher: dispatcher,
		logger:     slog.New(slog.DiscardHandler),
		tracer:     noop.NewTracerProvider().Tracer("codeagent/agent"),
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// MaxRounds returns the effective round budget.
func (l *Loop) MaxRounds() int {
	if l.maxRounds <= 0 {
		return DefaultMaxRounds
	}
	return l.maxRounds
}

// RunOption adjusts a single run.
type RunOption func(*runConfig)

type runConfig struct {
	maxRounds int
}

// WithRunMaxRounds overrides the round budget for one run. Values below 1
// keep the loop's budget.
func WithRunMaxRounds(n int) RunOption {
	return func(c *runConfig) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// Run executes one conversation from the user prompt to a terminal phase.
// A Done run returns its Response. An Aborted run returns a *RunError that
// unwraps to ErrMaxRounds, ErrInvariant or the model error.
func (l *Loop) Run(ctx context.Context, prompt string, opts ...RunOption) (*Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	rc := runConfig{maxRounds: l.MaxRounds()}
	for _, opt := range opts {
		opt(&rc)
	}

	state := &State{
		RunID:     uuid.NewString(),
		MaxRounds: rc.maxRounds,
		Phase:     PhaseAwaitingModel,
	}

	ctx = ContextWithRunID(ctx, state.RunID)
	ctx, span := l.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("run_id", state.RunID),
			attribute.String("provider", l.provider.Name()),
			attribute.Int("max_rounds", state.MaxRounds),
		))
	defer span.End()

	l.logger.DebugContext(ctx, "starting run",
		slog.String("run_id", state.RunID),
		slog.Int("max_rounds", state.MaxRounds),
	)
	l.persistRun(ctx, RunRecord{
		ID:        state.RunID,
		Prompt:    prompt,
		Provider:  l.provider.Name(),
		MaxRounds: state.MaxRounds,
		StartedAt: time.Now().UTC(),
	})

	l.appendTurn(ctx, state, llm.Message{Role: llm.RoleUser, Content: prompt})

	var (
		usage     llm.Usage
		toolCalls []ToolCallResult
		toolDefs  = l.dispatcher.Definitions()
	)

	abort := func(cause error) (*Response, error) {
		state.Phase = PhaseAborted
		err := &RunError{RunID: state.RunID, Rounds: state.Round, Err: cause}
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		span.SetAttributes(attribute.Int("rounds", state.Round))
		l.logger.WarnContext(ctx, "run aborted",
			slog.String("run_id", state.RunID),
			slog.Int("rounds", state.Round),
			slog.String("error", cause.Error()),
		)
		l.finish(ctx, state, Outcome{
			Phase:     PhaseAborted,
			Rounds:    state.Round,
			ToolCalls: len(toolCalls),
			Error:     cause.Error(),
			Usage:     usage,
		}, err)
		return nil, err
	}

	for {
		if state.Round >= state.MaxRounds {
			return abort(ErrMaxRounds)
		}
		state.Round++
		for _, o := range l.observers {
			o.RoundStarted(ctx, state.Round, state.History)
		}

		resp, err := l.callModel(ctx, state, toolDefs)
		if err != nil {
			return abort(fmt.Errorf("model request failed: %w", err))
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		for _, o := range l.observers {
			o.ModelResponded(ctx, state.Round, resp)
		}

		l.appendTurn(ctx, state, assistantTurn(resp))

		if !resp.HasToolUse() {
			state.Phase = PhaseDone
			span.SetAttributes(attribute.Int("rounds", state.Round))
			span.SetStatus(codes.Ok, "")
			l.logger.DebugContext(ctx, "run completed",
				slog.String("run_id", state.RunID),
				slog.Int("rounds", state.Round),
				slog.Int("tool_calls", len(toolCalls)),
			)
			l.finish(ctx, state, Outcome{
				Phase:     PhaseDone,
				Rounds:    state.Round,
				ToolCalls: len(toolCalls),
				Message:   resp.Content,
				Usage:     usage,
			}, nil)
			return &Response{
				RunID:     state.RunID,
				Message:   resp.Content,
				Rounds:    state.Round,
				ToolCalls: toolCalls,
				Usage:     usage,
			}, nil
		}

		state.Phase = PhaseExecutingTools
		blocks, results, err := l.executeTools(ctx, state, resp.ToolUseBlocks())
		if err != nil {
			return abort(err)
		}
		toolCalls = append(toolCalls, results...)
		l.appendTurn(ctx, state, llm.Message{Role: llm.RoleUser, ContentBlocks: blocks})
		state.Phase = PhaseAwaitingModel
	}
}

func (l *Loop) callModel(ctx context.Context, state *State, toolDefs []llm.ToolDefinition) (*llm.Response, error) {
	ctx, span := l.tracer.Start(ctx, "agent.round",
		trace.WithAttributes(attribute.Int("round", state.Round)))
	defer span.End()

	resp, err := l.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: l.systemPrompt,
		Messages:     state.History,
		MaxTokens:    l.maxTokens,
		Tools:        toolDefs,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s returned no response", l.provider.Name())
	}
	span.SetAttributes(
		attribute.Int("input_tokens", resp.Usage.InputTokens),
		attribute.Int("output_tokens", resp.Usage.OutputTokens),
		attribute.Bool("tool_use", resp.HasToolUse()),
	)
	return resp, nil
}

// executeTools dispatches the round's calls and pairs each result with its
// originating call ID, in call order.
func (l *Loop) executeTools(ctx context.Context, state *State, uses []llm.ContentBlock) ([]llm.ContentBlock, []ToolCallResult, error) {
	calls := make([]tools.Call, len(uses))
	for i, u := range uses {
		calls[i] = tools.Call{ID: u.ID, Name: u.Name, Arguments: u.Input}
	}

	l.logger.InfoContext(ctx, "executing tool calls",
		slog.String("run_id", state.RunID),
		slog.Int("round", state.Round),
		slog.Int("tool_calls", len(calls)),
	)

	results := l.dispatcher.DispatchAll(ctx, calls)
	if len(results) != len(calls) {
		return nil, nil, fmt.Errorf("%w: %d calls produced %d results", ErrInvariant, len(calls), len(results))
	}

	blocks := make([]llm.ContentBlock, len(calls))
	summary := make([]ToolCallResult, len(calls))
	for i, c := range calls {
		r := results[i]
		if r == nil {
			return nil, nil, fmt.Errorf("%w: no result for call %q", ErrInvariant, c.ID)
		}
		for _, o := range l.observers {
			o.ToolCompleted(ctx, state.Round, c, r)
		}
		blocks[i] = llm.ToolResultBlock(c.ID, c.Name, r.Output, !r.Success)
		summary[i] = ToolCallResult{ID: c.ID, ToolName: c.Name, Success: r.Success}
	}
	return blocks, summary, nil
}

// assistantTurn records the model response. Text that accompanied tool
// calls stays in history.
func assistantTurn(resp *llm.Response) llm.Message {
	if len(resp.ContentBlocks) == 0 {
		return llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
	}
	blocks := make([]llm.ContentBlock, len(resp.ContentBlocks))
	copy(blocks, resp.ContentBlocks)
	return llm.Message{Role: llm.RoleAssistant, ContentBlocks: blocks}
}

func (l *Loop) appendTurn(ctx context.Context, state *State, msg llm.Message) {
	idx := len(state.History)
	state.History = append(state.History, msg)
	if l.store == nil {
		return
	}
	if err := l.store.AppendTurn(ctx, state.RunID, idx, msg); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist turn",
			slog.String("run_id", state.RunID),
			slog.Int("index", idx),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Loop) persistRun(ctx context.Context, run RunRecord) {
	if l.store == nil {
		return
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Loop) finish(ctx context.Context, state *State, outcome Outcome, runErr error) {
	for _, o := range l.observers {
		o.RunFinished(ctx, state, runErr)
	}
	if l.store == nil {
		return
	}
	outcome.FinishedAt = time.Now().UTC()
	if err := l.store.FinishRun(ctx, state.RunID, outcome); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist run outcome",
			slog.String("run_id", state.RunID),
			slog.String("error", err.Error()),
		)
	}
}
