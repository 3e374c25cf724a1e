// Package security keeps the append-only audit trail of tool calls made on
// behalf of the model.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/tools"
)

// Audit results.
const (
	ResultIntent  = "intent"
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// maxAuditOutput bounds the tool output copied into a failure event.
const maxAuditOutput = 512

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	RunID         string         `json:"run_id,omitempty"`
	CallID        string         `json:"call_id,omitempty"`
	Tool          string         `json:"tool"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        string         `json:"result"` // "intent", "success", "failure"
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// AuditLogger writes audit events as append-only JSONL.
// Each event is a single JSON line followed by a newline.
// Thread-safe: multiple goroutines can log concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	now    func() time.Time

	// correlation IDs keyed by run and call, so the intent and the outcome
	// of one call share an ID.
	pending map[string]string
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:    f,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]string),
	}, nil
}

// LogAction serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("tool", event.Tool),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// CallHook records the intent to run a call. Register it with
// tools.WithCallHook.
func (a *AuditLogger) CallHook() tools.CallHook {
	return func(ctx context.Context, call tools.Call) {
		runID := agent.RunIDFromContext(ctx)
		id := uuid.NewString()

		a.mu.Lock()
		a.pending[pendingKey(runID, call.ID)] = id
		a.mu.Unlock()

		a.write(ctx, AuditEvent{
			CorrelationID: id,
			RunID:         runID,
			CallID:        call.ID,
			Tool:          call.Name,
			Parameters:    auditParams(call.Arguments),
			Result:        ResultIntent,
		})
	}
}

// ResultHook records the outcome of a call. Register it with
// tools.WithResultHook.
func (a *AuditLogger) ResultHook() tools.ResultHook {
	return func(ctx context.Context, call tools.Call, result *tools.Result, d time.Duration) {
		runID := agent.RunIDFromContext(ctx)
		key := pendingKey(runID, call.ID)

		a.mu.Lock()
		id, ok := a.pending[key]
		delete(a.pending, key)
		a.mu.Unlock()
		if !ok {
			id = uuid.NewString()
		}

		event := AuditEvent{
			CorrelationID: id,
			RunID:         runID,
			CallID:        call.ID,
			Tool:          call.Name,
			Result:        ResultSuccess,
			DurationMS:    d.Milliseconds(),
		}
		if result == nil || !result.Success {
			event.Result = ResultFailure
			if result != nil {
				event.Error = truncate(result.Output, maxAuditOutput)
			}
		}
		a.write(ctx, event)
	}
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// write never fails a dispatch; audit errors are logged.
func (a *AuditLogger) write(ctx context.Context, event AuditEvent) {
	if err := a.LogAction(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to write audit event",
			slog.String("tool", event.Tool),
			slog.String("error", err.Error()),
		)
	}
}

func pendingKey(runID, callID string) string {
	return runID + "/" + callID
}

// auditParams copies the model arguments. File contents are replaced by
// their length.
func auditParams(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := maps.Clone(args)
	if content, ok := out["content"].(string); ok {
		out["content"] = fmt.Sprintf("<%d bytes>", len(content))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
