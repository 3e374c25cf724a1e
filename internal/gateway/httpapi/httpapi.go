// Package httpapi exposes the agent loop over HTTP.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - Every run gets a fresh loop state; nothing is shared between requests
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/gateway"
	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/observability"
	"github.com/jkaninda/codeagent/internal/ratelimit"
	"github.com/jkaninda/codeagent/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Empty = /v1 is open; rate limiting then keys on the client address.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Runner executes one agent run. *agent.Loop implements it.
type Runner interface {
	Run(ctx context.Context, prompt string, opts ...agent.RunOption) (*agent.Response, error)
	MaxRounds() int
}

// ToolLister returns the tool definitions offered to the model.
// *tools.Dispatcher implements it.
type ToolLister interface {
	Definitions() []llm.ToolDefinition
}

// RunReader reads recorded runs. *storage.Store and *storage.MemoryStore
// implement it.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*storage.Run, error)
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	ToolCalls(ctx context.Context, runID string) ([]storage.ToolCall, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  Runner
	tools   ToolLister
	runs    RunReader // nil = run history endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	keys    map[string]string // API key -> caller label used in logs and limits.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner Runner, tl ToolLister, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		tools:   tl,
		limiter: rl,
		logger:  logger,
		keys:    apiKeyLabels(cfg.APIKeys),
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithRunHistory enables the /v1/runs endpoints.
func (g *Gateway) WithRunHistory(r RunReader) *Gateway {
	g.runs = r
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "codeagent",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	maxSize := g.config.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, maxSize)
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	if len(g.keys) == 0 {
		g.logger.Warn("no API keys configured, /v1 endpoints are unauthenticated")
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/query", g.handleQuery,
		okapi.DocSummary("Run the agent on a prompt"),
		okapi.DocTags("Query"),
		okapi.DocRequestBody(QueryRequest{}),
		okapi.DocResponse(QueryResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, AbortedResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleTools,
		okapi.DocSummary("List the tools offered to the model"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]llm.ToolDefinition{}),
	)

	if g.runs != nil {
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("List recent runs"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]storage.Run{}),
		)
		g.group.Get("/runs/{id}", g.handleRunGet,
			okapi.DocSummary("Get a run and its tool calls"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// QueryRequest is the JSON body for POST /v1/query.
type QueryRequest struct {
	Prompt    string `json:"prompt"`
	MaxRounds int    `json:"max_rounds,omitempty"` // 0 = server default.
}

// QueryResponse is the JSON response for a run that ended Done.
type QueryResponse struct {
	RunID        string             `json:"run_id"`
	Message      string             `json:"message"`
	Rounds       int                `json:"rounds"`
	ToolCalls    []ToolCallResponse `json:"tool_calls"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
}

// ToolCallResponse summarizes one tool call of a run.
type ToolCallResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

// AbortedResponse is returned with HTTP 422 when a run ends Aborted.
type AbortedResponse struct {
	Error  string `json:"error"`
	RunID  string `json:"run_id"`
	Rounds int    `json:"rounds"`
}

// RunResponse is a persisted run with its tool calls.
type RunResponse struct {
	storage.Run
	Calls []storage.ToolCall `json:"calls"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleQuery(c *okapi.Context) error {
	caller := c.GetString("caller")
	if retry, limited := g.rateLimited(caller); limited {
		return c.JSON(http.StatusTooManyRequests, okapi.M{
			"error":               "rate limit exceeded",
			"retry_after_seconds": retry,
		})
	}

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	status, body := g.query(c.Context(), caller, req)
	return c.JSON(status, body)
}

// query runs the loop for one request and maps the outcome to an HTTP status
// and body.
func (g *Gateway) query(ctx context.Context, caller string, req QueryRequest) (int, any) {
	if err := validateQuery(req, g.runner.MaxRounds()); err != nil {
		return http.StatusBadRequest, ErrorBody{Error: err.Error()}
	}

	var opts []agent.RunOption
	if req.MaxRounds > 0 {
		opts = append(opts, agent.WithRunMaxRounds(req.MaxRounds))
	}

	g.logger.InfoContext(ctx, "http query", slog.String("caller", caller))

	resp, err := g.runner.Run(ctx, req.Prompt, opts...)
	if err != nil {
		var runErr *agent.RunError
		switch {
		case errors.As(err, &runErr):
			return http.StatusUnprocessableEntity, AbortedResponse{
				Error:  runErr.Err.Error(),
				RunID:  runErr.RunID,
				Rounds: runErr.Rounds,
			}
		case errors.Is(err, agent.ErrEmptyPrompt):
			return http.StatusBadRequest, ErrorBody{Error: err.Error()}
		default:
			g.logger.ErrorContext(ctx, "agent run failed",
				slog.String("caller", caller),
				slog.String("error", err.Error()),
			)
			return http.StatusInternalServerError, ErrorBody{Error: "run failed"}
		}
	}
	return http.StatusOK, toQueryResponse(resp)
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	defs := g.tools.Definitions()
	if defs == nil {
		defs = []llm.ToolDefinition{}
	}
	return c.OK(defs)
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	runs, err := g.runs.ListRuns(c.Context(), 50)
	if err != nil {
		g.logger.ErrorContext(c.Context(), "listing runs failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	return c.OK(runs)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	status, body := g.runDetail(c.Context(), c.Param("id"))
	return c.JSON(status, body)
}

func (g *Gateway) runDetail(ctx context.Context, id string) (int, any) {
	run, err := g.runs.GetRun(ctx, id)
	if errors.Is(err, storage.ErrRunNotFound) {
		return http.StatusNotFound, ErrorBody{Error: "run not found"}
	}
	if err != nil {
		g.logger.ErrorContext(ctx, "loading run failed", slog.String("run_id", id), slog.String("error", err.Error()))
		return http.StatusInternalServerError, ErrorBody{Error: "loading run failed"}
	}
	calls, err := g.runs.ToolCalls(ctx, id)
	if err != nil {
		g.logger.ErrorContext(ctx, "loading tool calls failed", slog.String("run_id", id), slog.String("error", err.Error()))
		return http.StatusInternalServerError, ErrorBody{Error: "loading run failed"}
	}
	if calls == nil {
		calls = []storage.ToolCall{}
	}
	return http.StatusOK, RunResponse{Run: *run, Calls: calls}
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the caller label.
// With no keys configured the caller is the client address.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.keys) == 0 {
			c.Set("caller", clientAddr(c.Request()))
			return next(c)
		}

		caller, ok := g.lookupKey(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("caller", caller)
		return next(c)
	}
}

// lookupKey matches the Authorization header against every configured key
// without short-circuiting.
func (g *Gateway) lookupKey(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")
	caller := ""
	for key, label := range g.keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			caller = label
		}
	}
	return caller, caller != ""
}

// --- Helpers ---

// rateLimited reports whether the caller is over its quota and the seconds
// until the next token.
func (g *Gateway) rateLimited(caller string) (int, bool) {
	if g.limiter == nil {
		return 0, false
	}
	err := g.limiter.Allow(caller)
	if err == nil {
		return 0, false
	}
	retry := 1
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		retry = max(1, int(math.Ceil(le.RetryAfter.Seconds())))
	}
	return retry, true
}

func validateQuery(req QueryRequest, maxRounds int) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return errors.New("prompt is required")
	}
	if req.MaxRounds < 0 || req.MaxRounds > maxRounds {
		return fmt.Errorf("max_rounds must be between 1 and %d", maxRounds)
	}
	return nil
}

func toQueryResponse(resp *agent.Response) QueryResponse {
	calls := make([]ToolCallResponse, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		calls[i] = ToolCallResponse{ID: tc.ID, Name: tc.ToolName, Success: tc.Success}
	}
	return QueryResponse{
		RunID:        resp.RunID,
		Message:      resp.Message,
		Rounds:       resp.Rounds,
		ToolCalls:    calls,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

// apiKeyLabels maps each key to a stable label so raw keys never reach logs
// or limiter state.
func apiKeyLabels(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for i, k := range keys {
		if k == "" {
			continue
		}
		out[k] = fmt.Sprintf("key-%d", i+1)
	}
	return out
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ gateway.Gateway = (*Gateway)(nil)
