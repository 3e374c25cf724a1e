package tools_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/tools/file"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoTool returns the params it received so tests can inspect injection.
type echoTool struct {
	name  string
	calls atomic.Int32
	seen  map[string]any
	mu    sync.Mutex
	delay time.Duration
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echo" }
func (t *echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{"type": "string"},
		},
	}
}
func (t *echoTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	t.calls.Add(1)
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	t.mu.Lock()
	t.seen = params
	t.mu.Unlock()
	v, _ := params["value"].(string)
	return tools.Ok(t.name + ":" + v), nil
}

type panicTool struct{}

func (panicTool) Name() string                { return "explode" }
func (panicTool) Description() string         { return "panics" }
func (panicTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (panicTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	panic("kaboom")
}

type errTool struct{ err error }

func (errTool) Name() string                { return "broken" }
func (errTool) Description() string         { return "fails" }
func (errTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (t errTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	return nil, t.err
}

func newDispatcher(t *testing.T, root string, ts []tools.Tool, opts ...tools.DispatcherOption) *tools.Dispatcher {
	t.Helper()
	d, err := tools.NewDispatcher(tools.NewRegistry(ts...), root, testLogger(), opts...)
	require.NoError(t, err)
	return d
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		tools.NewRegistry(&echoTool{name: "a"}, &echoTool{name: "a"})
	})
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	reg := tools.NewRegistry(&echoTool{name: "zeta"}, &echoTool{name: "alpha"}, &echoTool{name: "mid"})

	defs := reg.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mid", defs[1].Name)
	assert.Equal(t, "zeta", defs[2].Name)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
	assert.Nil(t, reg.Get("missing"))
}

func TestDispatch_UnknownFunction(t *testing.T) {
	root, err := sandbox.CanonicalRoot(t.TempDir())
	require.NoError(t, err)

	var hooked []string
	d := newDispatcher(t, root,
		[]tools.Tool{file.NewWriteTool(testLogger()), file.NewListTool(testLogger())},
		tools.WithCallHook(func(_ context.Context, c tools.Call) { hooked = append(hooked, c.Name) }),
	)

	res := d.Dispatch(context.Background(), tools.Call{
		Name:      "delete_everything",
		Arguments: map[string]any{"file_path": "x.txt", "content": "gone"},
	})

	assert.False(t, res.Success)
	assert.Equal(t, "unknown function: delete_everything", res.Output)
	assert.Equal(t, []string{"delete_everything"}, hooked)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "unknown function must not touch the filesystem")
}

func TestDispatch_InjectedRootWins(t *testing.T) {
	echo := &echoTool{name: "echo"}
	d := newDispatcher(t, "/sandbox/root", []tools.Tool{echo})

	args := map[string]any{"value": "v", tools.WorkingDirectoryKey: "/"}
	res := d.Dispatch(context.Background(), tools.Call{Name: "echo", Arguments: args})

	require.True(t, res.Success)
	assert.Equal(t, "/sandbox/root", echo.seen[tools.WorkingDirectoryKey])
	assert.Equal(t, "/", args[tools.WorkingDirectoryKey], "caller arguments must not be mutated")
}

func TestDispatch_RootInjectedThroughRealTool(t *testing.T) {
	parent, err := sandbox.CanonicalRoot(t.TempDir())
	require.NoError(t, err)
	root := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(root, 0o755))

	d := newDispatcher(t, root, []tools.Tool{file.NewWriteTool(testLogger())})
	res := d.Dispatch(context.Background(), tools.Call{
		Name: "write_file",
		Arguments: map[string]any{
			tools.WorkingDirectoryKey: parent,
			"file_path":               "f.txt",
			"content":                 "x",
		},
	})
	require.True(t, res.Success, res.Output)

	_, err = os.Stat(filepath.Join(root, "f.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(parent, "f.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDispatch_SchemaValidation(t *testing.T) {
	root, err := sandbox.CanonicalRoot(t.TempDir())
	require.NoError(t, err)
	d := newDispatcher(t, root, []tools.Tool{file.NewWriteTool(testLogger())})

	tests := []struct {
		name string
		args map[string]any
	}{
		{"nil arguments", nil},
		{"missing content", map[string]any{"file_path": "a.txt"}},
		{"wrong type", map[string]any{"file_path": 42, "content": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), tools.Call{Name: "write_file", Arguments: tt.args})
			assert.False(t, res.Success)
			assert.Contains(t, res.Output, "invalid arguments for write_file")
		})
	}
}

func TestDispatch_RecoversPanics(t *testing.T) {
	d := newDispatcher(t, "/root", []tools.Tool{panicTool{}})

	res := d.Dispatch(context.Background(), tools.Call{Name: "explode"})
	assert.False(t, res.Success)
	assert.Equal(t, "internal error while executing explode", res.Output)
}

func TestDispatch_ErrorsBecomeFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"taxonomy wording kept", &sandbox.ContainmentError{Path: "../x"}, `"../x" is outside the permitted working directory`},
		{"unexpected error prefixed", errors.New("disk on fire"), "broken failed: disk on fire"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDispatcher(t, "/root", []tools.Tool{errTool{err: tt.err}})
			res := d.Dispatch(context.Background(), tools.Call{Name: "broken"})
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Output)
		})
	}
}

func TestDispatch_ResultHook(t *testing.T) {
	var got []*tools.Result
	d := newDispatcher(t, "/root", []tools.Tool{&echoTool{name: "echo"}},
		tools.WithResultHook(func(_ context.Context, _ tools.Call, r *tools.Result, _ time.Duration) {
			got = append(got, r)
		}),
	)

	d.Dispatch(context.Background(), tools.Call{Name: "echo", Arguments: map[string]any{"value": "1"}})
	d.Dispatch(context.Background(), tools.Call{Name: "nope"})

	require.Len(t, got, 2)
	assert.True(t, got[0].Success)
	assert.False(t, got[1].Success)
}

func TestDispatch_PanickingHooksAreContained(t *testing.T) {
	var after atomic.Int32
	d := newDispatcher(t, "/root", []tools.Tool{&echoTool{name: "echo"}},
		tools.WithMaxParallel(2),
		tools.WithCallHook(func(context.Context, tools.Call) { panic("call hook") }),
		tools.WithResultHook(func(context.Context, tools.Call, *tools.Result, time.Duration) { panic("result hook") }),
		tools.WithResultHook(func(context.Context, tools.Call, *tools.Result, time.Duration) { after.Add(1) }),
	)

	calls := []tools.Call{
		{Name: "echo", Arguments: map[string]any{"value": "a"}},
		{Name: "echo", Arguments: map[string]any{"value": "b"}},
	}
	var results []*tools.Result
	require.NotPanics(t, func() { results = d.DispatchAll(context.Background(), calls) })
	require.Len(t, results, 2)
	assert.Equal(t, "echo:a", results[0].Output)
	assert.Equal(t, "echo:b", results[1].Output)
	assert.Equal(t, int32(2), after.Load(), "later hooks still run")
}

func TestDispatch_VerboseLogsArguments(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		d, err := tools.NewDispatcher(tools.NewRegistry(&echoTool{name: "echo"}), "/root", logger,
			tools.WithVerbose(verbose))
		require.NoError(t, err)

		d.Dispatch(context.Background(), tools.Call{Name: "echo", Arguments: map[string]any{"value": "secret-arg"}})

		out := buf.String()
		assert.Contains(t, out, `msg="calling function" name=echo`)
		if verbose {
			assert.Contains(t, out, "secret-arg")
		} else {
			assert.NotContains(t, out, "secret-arg")
		}
	}
}

func TestDispatchAll_PreservesOrder(t *testing.T) {
	for _, parallel := range []int{1, 4} {
		echo := &echoTool{name: "echo", delay: 10 * time.Millisecond}
		d := newDispatcher(t, "/root", []tools.Tool{echo}, tools.WithMaxParallel(parallel))

		calls := []tools.Call{
			{ID: "1", Name: "echo", Arguments: map[string]any{"value": "a"}},
			{ID: "2", Name: "missing"},
			{ID: "3", Name: "echo", Arguments: map[string]any{"value": "c"}},
			{ID: "4", Name: "echo", Arguments: map[string]any{"value": "d"}},
		}
		results := d.DispatchAll(context.Background(), calls)

		require.Len(t, results, len(calls))
		assert.Equal(t, "echo:a", results[0].Output)
		assert.Equal(t, "unknown function: missing", results[1].Output)
		assert.Equal(t, "echo:c", results[2].Output)
		assert.Equal(t, "echo:d", results[3].Output)
		assert.Equal(t, int32(3), echo.calls.Load())
	}
}

func TestNewDispatcher_RequiresRoot(t *testing.T) {
	_, err := tools.NewDispatcher(tools.NewRegistry(), "", testLogger())
	assert.Error(t, err)
}
