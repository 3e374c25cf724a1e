package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.Int("llm.messages", len(req.Messages)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	if p.anomaly != nil {
		if err != nil {
			p.anomaly.RecordError("llm_request")
		} else {
			p.anomaly.RecordSuccess("llm_request")
		}
	}

	return resp, err
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if span != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.sandboxType, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.sandboxType).Observe(duration)
	}

	if s.anomaly != nil {
		if err != nil {
			s.anomaly.RecordError("sandbox_" + s.sandboxType)
		} else {
			s.anomaly.RecordSuccess("sandbox_" + s.sandboxType)
		}
	}

	return result, err
}

// --- Tool dispatch ---

// ToolResultHook returns a dispatcher hook recording tool metrics and
// feeding the anomaly detector. Safe for concurrent dispatch.
func ToolResultHook(metrics *MetricsCollector, anomaly *AnomalyDetector) tools.ResultHook {
	return func(_ context.Context, call tools.Call, result *tools.Result, d time.Duration) {
		ok := result != nil && result.Success
		if metrics != nil {
			status := "success"
			if !ok {
				status = "failed"
			}
			metrics.ToolExecutionsTotal.WithLabelValues(call.Name, status).Inc()
			metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(d.Seconds())
		}
		if anomaly != nil {
			if ok {
				anomaly.RecordSuccess("tool_" + call.Name)
			} else {
				anomaly.RecordError("tool_" + call.Name)
			}
		}
	}
}

// --- RunObserver ---

// RunObserver records conversation-loop metrics. Attach it with
// agent.WithObserver.
type RunObserver struct {
	agent.NopObserver
	metrics *MetricsCollector
}

// NewRunObserver creates a RunObserver. A nil collector yields a no-op.
func NewRunObserver(metrics *MetricsCollector) *RunObserver {
	return &RunObserver{metrics: metrics}
}

func (o *RunObserver) RoundStarted(_ context.Context, round int, _ []llm.Message) {
	if o.metrics != nil && round == 1 {
		o.metrics.ActiveRuns.Inc()
	}
}

func (o *RunObserver) RunFinished(_ context.Context, state *agent.State, err error) {
	if o.metrics == nil {
		return
	}
	if state.Round > 0 {
		o.metrics.ActiveRuns.Dec()
	}
	o.metrics.RunsTotal.WithLabelValues(string(state.Phase), abortReason(err)).Inc()
	o.metrics.RunRounds.Observe(float64(state.Round))
	o.metrics.ToolCallsInRun.Observe(float64(countToolResults(state.History)))
}

func abortReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, agent.ErrMaxRounds):
		return "max_rounds"
	case errors.Is(err, agent.ErrInvariant):
		return "invariant"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "model_error"
	}
}

func countToolResults(history []llm.Message) int {
	n := 0
	for _, m := range history {
		for _, b := range m.ContentBlocks {
			if b.Type == llm.BlockToolResult {
				n++
			}
		}
	}
	return n
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider    = (*InstrumentedProvider)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
	_ agent.Observer  = (*RunObserver)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
