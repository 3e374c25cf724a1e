package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/sourcegraph/conc/iter"
	"github.com/xeipuuv/gojsonschema"
)

// CallHook observes a call before it runs.
type CallHook func(ctx context.Context, call Call)

// ResultHook observes a call after it ran.
type ResultHook func(ctx context.Context, call Call, result *Result, duration time.Duration)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithVerbose logs call arguments alongside the name.
func WithVerbose(v bool) DispatcherOption {
	return func(d *Dispatcher) { d.verbose = v }
}

// WithMaxParallel bounds the number of calls DispatchAll runs at once.
// Values below 2 keep dispatch sequential.
func WithMaxParallel(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxParallel = n }
}

// WithCallHook registers a hook fired before every call, known or not.
func WithCallHook(h CallHook) DispatcherOption {
	return func(d *Dispatcher) { d.callHooks = append(d.callHooks, h) }
}

// WithResultHook registers a hook fired after every call. Hooks run on the
// dispatching goroutine, so with WithMaxParallel they must be safe for
// concurrent use.
func WithResultHook(h ResultHook) DispatcherOption {
	return func(d *Dispatcher) { d.resultHooks = append(d.resultHooks, h) }
}

// Dispatcher maps untrusted calls onto registered tools. Dispatch never
// returns an error and never lets a panic escape: every failure becomes a
// Failed result.
type Dispatcher struct {
	registry    *Registry
	root        string
	logger      *slog.Logger
	verbose     bool
	maxParallel int
	schemas     map[string]*gojsonschema.Schema
	callHooks   []CallHook
	resultHooks []ResultHook
}

// NewDispatcher compiles every tool's input schema and binds the registry to
// a canonical sandbox root.
func NewDispatcher(reg *Registry, root string, logger *slog.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if root == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	d := &Dispatcher{
		registry:    reg,
		root:        root,
		logger:      logger,
		maxParallel: 1,
		schemas:     make(map[string]*gojsonschema.Schema),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, t := range reg.All() {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(t.InputSchema()))
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", t.Name(), err)
		}
		d.schemas[t.Name()] = schema
	}
	return d, nil
}

// Root returns the sandbox root injected into every call.
func (d *Dispatcher) Root() string { return d.root }

// Registry returns the tool table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Definitions returns the model-facing tool definitions.
func (d *Dispatcher) Definitions() []llm.ToolDefinition { return d.registry.Definitions() }

// Dispatch runs a single call.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (result *Result) {
	if d.verbose {
		d.logger.InfoContext(ctx, "calling function",
			slog.String("name", call.Name),
			slog.Any("args", call.Arguments),
		)
	} else {
		d.logger.InfoContext(ctx, "calling function", slog.String("name", call.Name))
	}
	for _, h := range d.callHooks {
		d.runHook(ctx, call.Name, func() { h(ctx, call) })
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		for _, h := range d.resultHooks {
			d.runHook(ctx, call.Name, func() { h(ctx, call, result, elapsed) })
		}
	}()

	tool := d.registry.Get(call.Name)
	if tool == nil {
		d.logger.WarnContext(ctx, "unknown function requested", slog.String("name", call.Name))
		return Failed(fmt.Errorf("%w: %s", ErrUnknownTool, call.Name).Error())
	}

	if err := d.validate(call); err != nil {
		d.logger.WarnContext(ctx, "tool arguments rejected",
			slog.String("name", call.Name),
			slog.String("error", err.Error()),
		)
		return Failed(err.Error())
	}

	params := make(map[string]any, len(call.Arguments)+1)
	maps.Copy(params, call.Arguments)
	// Injected last: a model-supplied working_directory is overwritten.
	params[WorkingDirectoryKey] = d.root

	return d.execute(ctx, tool, params)
}

func (d *Dispatcher) execute(ctx context.Context, tool Tool, params map[string]any) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "tool panicked",
				slog.String("name", tool.Name()),
				slog.Any("panic", r),
			)
			result = Failed(fmt.Sprintf("internal error while executing %s", tool.Name()))
		}
	}()

	res, err := tool.Execute(ctx, params)
	if err != nil {
		d.logger.WarnContext(ctx, "tool failed",
			slog.String("name", tool.Name()),
			slog.String("error", err.Error()),
		)
		return Failed(failureMessage(tool.Name(), err))
	}
	if res == nil {
		return Failed(fmt.Sprintf("%s returned no result", tool.Name()))
	}
	return res
}

// runHook isolates an observer: a panicking hook is logged and skipped.
func (d *Dispatcher) runHook(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "dispatch hook panicked",
				slog.String("name", name),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}

func (d *Dispatcher) validate(call Call) error {
	schema, ok := d.schemas[call.Name]
	if !ok {
		return nil
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidArguments, call.Name, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, len(res.Errors()))
	for i, e := range res.Errors() {
		msgs[i] = e.String()
	}
	return fmt.Errorf("%w for %s: %s", ErrInvalidArguments, call.Name, strings.Join(msgs, "; "))
}

// DispatchAll runs calls and returns results in call order. With
// max_parallel > 1 the calls of one round run concurrently.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []Call) []*Result {
	if d.maxParallel <= 1 || len(calls) <= 1 {
		results := make([]*Result, len(calls))
		for i, c := range calls {
			results[i] = d.Dispatch(ctx, c)
		}
		return results
	}
	mapper := iter.Mapper[Call, *Result]{MaxGoroutines: d.maxParallel}
	return mapper.Map(calls, func(c *Call) *Result {
		return d.Dispatch(ctx, *c)
	})
}

// failureMessage keeps taxonomy wording intact and prefixes anything else
// with the tool name.
func failureMessage(name string, err error) string {
	for _, known := range []error{
		ErrNotFound, ErrNotADirectory, ErrIsADirectory, ErrWrongExtension,
		ErrDecode, ErrInvalidArguments, sandbox.ErrContainment, sandbox.ErrTimeout,
	} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return fmt.Sprintf("%s failed: %v", name, err)
}
